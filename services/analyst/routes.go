// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyst

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/analyst/services/analyst/telemetry"
)

// RegisterRoutes registers all /v1/analyst/* endpoints on rg.
//
// # Endpoints
//
//	POST   /v1/analyst/run                 - Run an analysis loop
//	POST   /v1/analyst/index               - Split, embed, and store documents
//	POST   /v1/analyst/search              - Semantic search over indexed pieces
//	GET    /v1/analyst/breakers            - Circuit breaker snapshots
//	GET    /v1/analyst/failures            - List queued failure records
//	DELETE /v1/analyst/failures            - Purge terminal records
//	POST   /v1/analyst/failures/drain      - Run one retry pass now
//	POST   /v1/analyst/failures/:id/fail   - Fail a record permanently
//	GET    /v1/analyst/health              - Health check
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	a := rg.Group("/analyst")
	{
		a.POST("/run", h.HandleRun)
		a.POST("/index", h.HandleIndex)
		a.POST("/search", h.HandleSearch)
		a.GET("/breakers", h.HandleBreakers)
		a.GET("/failures", h.HandleListFailures)
		a.DELETE("/failures", h.HandleCleanup)
		a.POST("/failures/drain", h.HandleDrain)
		a.POST("/failures/:id/fail", h.HandleMarkFailed)
		a.GET("/health", h.HandleHealth)
	}
}

// NewRouter builds the gin engine: recovery, OpenTelemetry spans per
// request, the /v1 API, and GET /metrics.
func NewRouter(svc *Service, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return router
}
