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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/analyst/services/analyst/failures"
	"github.com/AleutianAI/analyst/services/analyst/loop"
)

// maxListLimit caps GET /v1/analyst/failures.
const maxListLimit = 500

// Handlers serves the analyst HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleRun handles POST /v1/analyst/run.
//
// # Description
//
// Runs one analysis loop and returns its result. Runs skipped by the
// doom-loop guard return 200 with status "skipped".
//
// # Outputs
//
//   - 200: RunResponse.
//   - 400: Malformed body (INVALID_REQUEST) or unknown type (UNKNOWN_ANALYSIS_TYPE).
//   - 422: The model reported without tool evidence (FABRICATED_OUTPUT).
//   - 504: The run timed out (RUN_TIMEOUT).
func (h *Handlers) HandleRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRun")

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	logger.Info("Starting analysis", "analysis_type", req.AnalysisType, "context_key", req.ContextKey)
	start := time.Now()
	result, err := h.svc.Run(c.Request.Context(), loop.Request{
		AnalysisType: req.AnalysisType,
		ContextKey:   req.ContextKey,
		PriorContext: req.PriorContext,
		Todos:        req.Todos,
	})
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "RUN_FAILED"

		switch {
		case loop.IsFatal(err):
			statusCode = http.StatusUnprocessableEntity
			errCode = "FABRICATED_OUTPUT"
		case errors.Is(err, loop.ErrUnknownAnalysisType):
			statusCode = http.StatusBadRequest
			errCode = "UNKNOWN_ANALYSIS_TYPE"
		case errors.Is(err, loop.ErrInvalidRequest):
			statusCode = http.StatusBadRequest
			errCode = "INVALID_REQUEST"
		case errors.Is(err, context.DeadlineExceeded):
			statusCode = http.StatusGatewayTimeout
			errCode = "RUN_TIMEOUT"
		}

		logger.Error("Analysis failed", "error", err)
		c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
		return
	}

	c.JSON(http.StatusOK, RunResponse{
		AnalysisLoopResult: result,
		DurationMs:         time.Since(start).Milliseconds(),
	})
}

// HandleIndex handles POST /v1/analyst/index.
//
// Pieces that could not be embedded are counted as failed and queued; the
// request still returns 200.
func (h *Handlers) HandleIndex(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIndex")

	var req IndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	report, err := h.svc.Index(c.Request.Context(), req.Documents)
	if err != nil {
		logger.Error("Index failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "INDEX_FAILED"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleSearch handles POST /v1/analyst/search.
func (h *Handlers) HandleSearch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSearch")

	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	resp, err := h.svc.Search(c.Request.Context(), req.Query, req.Limit)
	if err != nil {
		logger.Error("Search failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "SEARCH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleBreakers handles GET /v1/analyst/breakers.
func (h *Handlers) HandleBreakers(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, BreakersResponse{Breakers: h.svc.Breakers()})
}

// HandleListFailures handles GET /v1/analyst/failures.
//
// # Query Parameters
//
//   - resource: Restrict to one resource key.
//   - status: Restrict to one status (PENDING, RETRYING, SUCCESS, FAILED).
//   - limit: Maximum records, 1..500. Default: 100.
func (h *Handlers) HandleListFailures(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListFailures")

	filter := failures.Filter{ResourceKey: c.Query("resource"), Limit: 100}
	if s := c.Query("status"); s != "" {
		status, err := failures.ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_STATUS"})
			return
		}
		filter.Statuses = []failures.Status{status}
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be between 1 and 500",
				Code:  "INVALID_LIMIT",
			})
			return
		}
		filter.Limit = n
	}

	records, err := h.svc.ListFailures(c.Request.Context(), filter)
	if err != nil {
		logger.Error("List failures failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	if records == nil {
		records = []failures.FailureRecord{}
	}
	c.JSON(http.StatusOK, FailuresResponse{Records: records, Count: len(records)})
}

// HandleDrain handles POST /v1/analyst/failures/drain.
func (h *Handlers) HandleDrain(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDrain")

	report, err := h.svc.DrainFailures(c.Request.Context())
	if err != nil {
		logger.Error("Drain failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DRAIN_FAILED"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleMarkFailed handles POST /v1/analyst/failures/:id/fail.
func (h *Handlers) HandleMarkFailed(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleMarkFailed")

	id := c.Param("id")
	if err := h.svc.MarkFailed(c.Request.Context(), id); err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "STORE_ERROR"
		if errors.Is(err, failures.ErrRecordNotFound) {
			statusCode = http.StatusNotFound
			errCode = "NOT_FOUND"
		} else if errors.Is(err, failures.ErrRecordTerminal) {
			statusCode = http.StatusConflict
			errCode = "RECORD_TERMINAL"
		}
		logger.Warn("Mark failed rejected", "id", id, "error", err)
		c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCleanup handles DELETE /v1/analyst/failures.
//
// # Query Parameters
//
//   - status: SUCCESS or FAILED. Required.
//   - older_than: Go duration, e.g. "24h". Default: 0 (all).
func (h *Handlers) HandleCleanup(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCleanup")

	status, err := failures.ParseStatus(c.Query("status"))
	if err != nil || !status.Terminal() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "status must be SUCCESS or FAILED",
			Code:  "INVALID_STATUS",
		})
		return
	}
	var olderThan time.Duration
	if s := c.Query("older_than"); s != "" {
		if olderThan, err = time.ParseDuration(s); err != nil || olderThan < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "older_than must be a non-negative duration",
				Code:  "INVALID_DURATION",
			})
			return
		}
	}

	n, err := h.svc.CleanupFailures(c.Request.Context(), status, olderThan)
	if err != nil {
		logger.Error("Cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	logger.Info("Cleaned up failure records", "status", status, "deleted", n)
	c.JSON(http.StatusOK, CleanupResponse{Status: status, Deleted: n})
}

// HandleHealth handles GET /v1/analyst/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health())
}

// getOrCreateRequestID returns the caller's X-Request-ID or a new one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
