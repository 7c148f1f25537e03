// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an authentication attempt was denied. Callers
// branch on the kind; humans read Error.Message.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	SSLRequired
	SSLSetupError
	EmptyUsername
	IllegalUsernameCharacter
	Unauthorized
	InvalidCredentials
	NotInAuthorizedGroup
	DirectoryUnavailable
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "Unknown",
	SSLRequired:              "SSLRequired",
	SSLSetupError:            "SSLSetupError",
	EmptyUsername:            "EmptyUsername",
	IllegalUsernameCharacter: "IllegalUsernameCharacter",
	Unauthorized:             "Unauthorized",
	InvalidCredentials:       "InvalidCredentials",
	NotInAuthorizedGroup:     "NotInAuthorizedGroup",
	DirectoryUnavailable:     "DirectoryUnavailable",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Retryable reports whether the same request may succeed later. Only
// directory outages qualify; everything else needs a different request.
func (k ErrorKind) Retryable() bool {
	return k == DirectoryUnavailable
}

// Client-visible messages. Clients and tests compare these literally.
const (
	MsgSSLRequired              = "Authentication using username/password requires SSL to be enabled"
	MsgSSLSetupFormat           = "Error setting up SSL: %s"
	MsgEmptyUsername            = "Connection property 'user' value is empty"
	MsgIllegalUsernameCharacter = "Illegal character ':' found in username"
	MsgUnauthorized             = "Authentication failed: Unauthorized"
	MsgInvalidCredentials       = "Authentication failed: Access Denied: Invalid credentials"
	MsgNotInAuthorizedGroupFmt  = "Authentication failed: Access Denied: User [%s] not a member of an authorized group"
	MsgDirectoryUnavailable     = "Authentication failed: Directory unavailable"
)

// Error is a denied authentication attempt.
type Error struct {
	Kind    ErrorKind
	Message string
	Stage   State // last state reached before the denial
	Err     error // underlying cause, for logs only
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind, so callers can write
// errors.Is(err, &auth.Error{Kind: auth.Unauthorized}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Deny builds the denial for kind with its fixed message.
func Deny(kind ErrorKind, stage State, cause error) *Error {
	return &Error{Kind: kind, Message: messageFor(kind), Stage: stage, Err: cause}
}

// DenySSLSetup reports an unusable trust store with the reason shown to the
// client.
func DenySSLSetup(reason string, cause error) *Error {
	return &Error{
		Kind:    SSLSetupError,
		Message: fmt.Sprintf(MsgSSLSetupFormat, reason),
		Stage:   StateStart,
		Err:     cause,
	}
}

// DenyNotInGroup reports a bound principal outside the authorized group.
func DenyNotInGroup(cn string) *Error {
	return &Error{
		Kind:    NotInAuthorizedGroup,
		Message: fmt.Sprintf(MsgNotInAuthorizedGroupFmt, cn),
		Stage:   StateBound,
	}
}

func messageFor(kind ErrorKind) string {
	switch kind {
	case SSLRequired:
		return MsgSSLRequired
	case EmptyUsername:
		return MsgEmptyUsername
	case IllegalUsernameCharacter:
		return MsgIllegalUsernameCharacter
	case Unauthorized:
		return MsgUnauthorized
	case InvalidCredentials:
		return MsgInvalidCredentials
	case DirectoryUnavailable:
		return MsgDirectoryUnavailable
	default:
		return "Authentication failed"
	}
}

// KindOf returns the kind of a denial, or KindUnknown when err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
