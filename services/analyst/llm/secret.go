// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// SecretKey holds an API key in a memguard enclave. The plaintext only
// exists in locked memory for the duration of one request. Processes
// should call memguard.CatchInterrupt and defer memguard.Purge at startup.
type SecretKey struct {
	enclave *memguard.Enclave
}

// NewSecretKey seals value. An empty value yields nil.
func NewSecretKey(value string) *SecretKey {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &SecretKey{enclave: memguard.NewEnclave([]byte(value))}
}

// ResolveAPIKey reads the key from envVar, falling back to a secrets file
// (for example a Podman or Docker secret mount).
//
// Outputs:
//   - *SecretKey: The sealed key.
//   - error: ErrNoAPIKey when neither source has a value.
func ResolveAPIKey(envVar, secretPath string) (*SecretKey, error) {
	if v := os.Getenv(envVar); strings.TrimSpace(v) != "" {
		return NewSecretKey(v), nil
	}
	if secretPath != "" {
		data, err := os.ReadFile(secretPath)
		if err == nil && strings.TrimSpace(string(data)) != "" {
			slog.Info("Read API key from secrets file", slog.String("path", secretPath))
			key := NewSecretKey(string(data))
			memguard.WipeBytes(data)
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: set %s or provide %s", ErrNoAPIKey, envVar, secretPath)
}

// With opens the enclave and passes the key to fn.
func (k *SecretKey) With(fn func(key string) error) error {
	if k == nil {
		return ErrNoAPIKey
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// bearerTransport sets the Authorization header from a SecretKey on each
// request.
type bearerTransport struct {
	key  *SecretKey
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key == nil {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	if err := t.key.With(func(key string) error {
		clone.Header.Set("Authorization", "Bearer "+key)
		return nil
	}); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(clone)
}

// NewAuthorizedClient returns an http.Client that authenticates with key.
// A nil key sends no Authorization header.
func NewAuthorizedClient(key *SecretKey, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := *base
	c.Transport = &bearerTransport{key: key, base: rt}
	return &c
}
