// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode parses YAML strictly: unknown keys are errors.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Vectors.Backend == VectorWeaviate {
		if err := validate.Struct(c.Vectors.Weaviate); err != nil {
			return fmt.Errorf("%w: vectors.weaviate: %v", ErrInvalidConfig, err)
		}
	}
	if c.Failures.Store == StoreSQLite && c.Failures.SQLitePath == "" {
		return fmt.Errorf("%w: failures.sqlite_path is required for the sqlite store", ErrInvalidConfig)
	}
	if c.Failures.Store == StoreBadger && c.Failures.Badger.Path == "" && !c.Failures.Badger.InMemory {
		return fmt.Errorf("%w: failures.badger.path is required", ErrInvalidConfig)
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is required for the otlp exporter", ErrInvalidConfig)
	}
	if c.Validator.Watch && c.Validator.RulesFile == "" {
		return fmt.Errorf("%w: validator.watch requires validator.rules_file", ErrInvalidConfig)
	}
	return nil
}
