// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"strings"

	"github.com/rs/zerolog"
)

// Request is one connection attempt. It is passed by value and never
// modified by the pipeline.
type Request struct {
	Username string

	// Password is nil when the client sent none. A pointer to "" is a
	// present but empty password.
	Password *string

	SSLEnabled         bool
	TrustStorePath     string
	TrustStorePassword *string
}

// HasCredentials reports whether the client attempted username/password
// authentication at all.
func (r Request) HasCredentials() bool {
	return r.Username != "" || r.Password != nil
}

// MarshalZerologObject logs the request without secrets.
func (r Request) MarshalZerologObject(e *zerolog.Event) {
	e.Str("user", r.Username).
		Bool("password_set", r.Password != nil).
		Bool("ssl", r.SSLEnabled).
		Str("truststore", r.TrustStorePath)
}

// String returns the password for p, or nil. It exists for callers building
// requests from literals.
func String(p string) *string {
	return &p
}

// reservedUsernameChar joins user and password in the downstream basic
// credential encoding.
const reservedUsernameChar = ":"

// ValidateCredentials rejects usernames that must never reach the directory.
func ValidateCredentials(r Request) error {
	if r.Username == "" {
		return Deny(EmptyUsername, StateTransportChecked, nil)
	}
	if strings.Contains(r.Username, reservedUsernameChar) {
		return Deny(IllegalUsernameCharacter, StateTransportChecked, nil)
	}
	return nil
}
