// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"

	"github.com/google/uuid"
)

// HeaderRequestID carries a caller supplied attempt id over HTTP.
const HeaderRequestID = "X-Request-Id"

type attemptIDKey struct{}

// WithAttemptID returns ctx carrying an attempt id, generating one if ctx
// has none yet.
func WithAttemptID(c context.Context) (context.Context, string) {
	if id, ok := c.Value(attemptIDKey{}).(string); ok && id != "" {
		return c, id
	}
	newID := uuid.New().String()
	return context.WithValue(c, attemptIDKey{}, newID), newID
}

// FromAttemptID attaches an existing id, e.g. one read from HeaderRequestID.
func FromAttemptID(c context.Context, id string) context.Context {
	return context.WithValue(c, attemptIDKey{}, id)
}

func AttemptID(c context.Context) string {
	id, _ := c.Value(attemptIDKey{}).(string)
	return id
}
