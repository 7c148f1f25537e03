// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the credential gate over HTTP. A client protocol
// front end posts the connection properties it received and relays the
// outcome to its client.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/ldapgate/pkg/auth"
	reqctx "github.com/LeeDigitalWorks/ldapgate/pkg/context"
	"github.com/LeeDigitalWorks/ldapgate/pkg/debug"
	"github.com/LeeDigitalWorks/ldapgate/pkg/directory"
	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Connection property names, as JDBC clients send them.
const (
	PropertyUser                  = "user"
	PropertyPassword              = "password"
	PropertySSL                   = "SSL"
	PropertySSLTrustStorePath     = "SSLTrustStorePath"
	PropertySSLTrustStorePassword = "SSLTrustStorePassword"
)

var knownProperties = map[string]bool{
	PropertyUser:                  true,
	PropertyPassword:              true,
	PropertySSL:                   true,
	PropertySSLTrustStorePath:     true,
	PropertySSLTrustStorePassword: true,
}

// Authenticator runs one connection attempt.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (*directory.Principal, error)
}

// Config tunes the connect endpoint.
type Config struct {
	// RateLimit is the sustained number of attempts per second. Zero
	// disables limiting.
	RateLimit float64
	Burst     int

	MaxBodyBytes int64
}

var rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ldapgate",
	Subsystem: "server",
	Name:      "rate_limited_total",
	Help:      "Connect requests rejected by the rate limiter",
})

func init() {
	debug.Registry().MustRegister(rateLimitedTotal)
}

// Handler serves POST /v1/connect.
type Handler struct {
	gate         Authenticator
	limiter      *rate.Limiter
	maxBodyBytes int64
	mux          *http.ServeMux
}

func NewHandler(gate Authenticator, cfg Config) *Handler {
	h := &Handler{
		gate:         gate,
		maxBodyBytes: cfg.MaxBodyBytes,
		mux:          http.NewServeMux(),
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 64 << 10
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /v1/connect", h.connect)
	h.mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
}

// === Request/Response types ===

type connectRequest struct {
	User       string            `json:"user"`
	Password   *string           `json:"password"`
	Properties map[string]string `json:"properties,omitempty"`
}

type connectResponse struct {
	Authorized bool                 `json:"authorized"`
	Principal  *directory.Principal `json:"principal,omitempty"`
	Kind       string               `json:"kind,omitempty"`
	Message    string               `json:"message,omitempty"`
	Retryable  bool                 `json:"retryable,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// === Handlers ===

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		rateLimitedTotal.Inc()
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
		return
	}

	var body connectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()
	if id := r.Header.Get(reqctx.HeaderRequestID); id != "" {
		ctx = reqctx.FromAttemptID(ctx, id)
	}
	ctx, attemptID := reqctx.WithAttemptID(ctx)
	w.Header().Set(reqctx.HeaderRequestID, attemptID)

	log := logger.Ctx(ctx).With().Str("remote_addr", r.RemoteAddr).Logger()
	ctx = logger.WithLogger(ctx, &log)

	principal, err := h.gate.Authenticate(ctx, req)
	if err != nil {
		kind := auth.KindOf(err)
		if kind == auth.DirectoryUnavailable || kind == auth.KindUnknown {
			sentry.CaptureException(err)
		}
		h.writeJSON(w, StatusFor(kind), connectResponse{
			Kind:      kind.String(),
			Message:   err.Error(),
			Retryable: kind.Retryable(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, connectResponse{Authorized: true, Principal: principal})
}

// toRequest merges top-level fields with connection properties. Top-level
// fields win.
func (b connectRequest) toRequest() (auth.Request, error) {
	for name := range b.Properties {
		if !knownProperties[name] {
			return auth.Request{}, fmt.Errorf("Unrecognized connection property '%s'", name)
		}
	}

	req := auth.Request{
		Username:       b.User,
		Password:       b.Password,
		TrustStorePath: b.Properties[PropertySSLTrustStorePath],
	}
	if req.Username == "" {
		req.Username = b.Properties[PropertyUser]
	}
	if req.Password == nil {
		if pw, ok := b.Properties[PropertyPassword]; ok {
			req.Password = &pw
		}
	}
	if pw, ok := b.Properties[PropertySSLTrustStorePassword]; ok {
		req.TrustStorePassword = &pw
	}
	if v, ok := b.Properties[PropertySSL]; ok {
		ssl, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return auth.Request{}, fmt.Errorf("Connection property '%s' value is invalid: %s", PropertySSL, v)
		}
		req.SSLEnabled = ssl
	}
	return req, nil
}

// StatusFor maps a denial kind to the HTTP status returned to the front end.
func StatusFor(kind auth.ErrorKind) int {
	switch kind {
	case auth.SSLRequired, auth.SSLSetupError, auth.EmptyUsername, auth.IllegalUsernameCharacter:
		return http.StatusBadRequest
	case auth.Unauthorized, auth.InvalidCredentials:
		return http.StatusUnauthorized
	case auth.NotInAuthorizedGroup:
		return http.StatusForbidden
	case auth.DirectoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:   errType,
		Message: message,
	})
}
