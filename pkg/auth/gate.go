// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth is the credential gate a client connection passes before any
// query runs. An attempt moves through four checks in a fixed order:
//
//	transport  credentials require SSL; the client trust store must load
//	syntax     non-empty username without the reserved ':' character
//	bind       the directory accepts the password
//	group      the principal is a direct member of the authorized group
//
// The first failing check ends the attempt with an *Error whose Kind is
// stable and whose Message is shown to the client verbatim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	reqctx "github.com/LeeDigitalWorks/ldapgate/pkg/context"
	"github.com/LeeDigitalWorks/ldapgate/pkg/directory"
	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"
	"github.com/LeeDigitalWorks/ldapgate/pkg/truststore"

	"github.com/rs/zerolog"
)

// State is the furthest check an attempt has passed.
type State int

const (
	StateStart State = iota
	StateTransportChecked
	StateSyntaxChecked
	StateBound
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateTransportChecked:
		return "TransportChecked"
	case StateSyntaxChecked:
		return "SyntaxChecked"
	case StateBound:
		return "Bound"
	case StateAuthorized:
		return "Authorized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const DefaultAttemptTimeout = 30 * time.Second

// Config wires a Gate.
type Config struct {
	Directory directory.Directory
	Policy    directory.Policy

	// TrustStoreDir is the only directory client trust stores are read
	// from. Empty refuses every client supplied trust store path.
	TrustStoreDir string

	// TrustStores caches loaded client trust stores. When nil a cache
	// reading from TrustStoreDir is created.
	TrustStores *truststore.Cache

	// AttemptTimeout bounds the directory work of one attempt.
	AttemptTimeout time.Duration
}

// Gate authenticates connection attempts. It is safe for concurrent use and
// keeps no per-attempt state.
type Gate struct {
	dir         directory.Directory
	policy      directory.Policy
	trustStores *truststore.Cache
	timeout     time.Duration
}

func NewGate(cfg Config) (*Gate, error) {
	if cfg.Directory == nil {
		return nil, errors.New("auth: directory is required")
	}
	policy := cfg.Policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.TrustStores == nil {
		cfg.TrustStores = truststore.NewCache(truststore.NewRoot(cfg.TrustStoreDir).Load, 0)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Gate{
		dir:         cfg.Directory,
		policy:      policy,
		trustStores: cfg.TrustStores,
		timeout:     cfg.AttemptTimeout,
	}, nil
}

// Authenticate runs one attempt. It returns the principal when every check
// passes, and otherwise a nil principal with an *Error.
func (g *Gate) Authenticate(ctx context.Context, req Request) (*directory.Principal, error) {
	start := time.Now()
	InFlight.Inc()
	defer InFlight.Dec()

	ctx, attemptID := reqctx.WithAttemptID(ctx)
	log := logger.Ctx(ctx).With().
		Str("attempt_id", attemptID).
		Object("request", req).
		Logger()
	ctx = logger.WithLogger(ctx, &log)

	principal, err := g.authenticate(ctx, req)

	result := resultAuthorized
	if err != nil {
		result = KindOf(err).String()
		logDenial(&log, err)
	} else {
		log.Info().Str("dn", principal.DN).Msg("connection authorized")
	}
	AttemptsTotal.WithLabelValues(result).Inc()
	AttemptDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	return principal, err
}

func (g *Gate) authenticate(ctx context.Context, req Request) (*directory.Principal, error) {
	material, err := g.checkTransport(req)
	if err != nil {
		return nil, err
	}
	if material != nil {
		logger.Ctx(ctx).Debug().Int("trusted_certs", len(material.Certificates)).Msg("trust store loaded")
	}

	if err := ValidateCredentials(req); err != nil {
		return nil, err
	}

	// Anonymous binds are never a login.
	if req.Password == nil {
		return nil, Deny(Unauthorized, StateSyntaxChecked, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	principal, err := g.dir.Bind(ctx, req.Username, *req.Password)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidCredentials) {
			return nil, Deny(InvalidCredentials, StateSyntaxChecked, err)
		}
		return nil, Deny(DirectoryUnavailable, StateSyntaxChecked, err)
	}

	member, err := g.dir.IsMember(ctx, g.policy.AuthorizedGroupDN, principal.DN)
	if err != nil {
		return nil, Deny(DirectoryUnavailable, StateBound, err)
	}
	if !member {
		return nil, DenyNotInGroup(principal.CN())
	}
	return principal, nil
}

func logDenial(log *zerolog.Logger, err error) {
	var e *Error
	if !errors.As(err, &e) {
		log.Error().Err(err).Msg("authentication failed")
		return
	}

	ev := log.Info()
	if e.Kind == DirectoryUnavailable {
		ev = log.Warn()
	}
	if e.Err != nil {
		ev = ev.AnErr("cause", e.Err)
	}
	ev.Stringer("kind", e.Kind).
		Stringer("stage", e.Stage).
		Msg("connection denied")
}
