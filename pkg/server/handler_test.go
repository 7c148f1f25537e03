// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/LeeDigitalWorks/ldapgate/pkg/auth"
	"github.com/LeeDigitalWorks/ldapgate/pkg/directory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const groupDN = "cn=DefaultGroup,ou=groups,dc=example,dc=com"

func newTestGate(t *testing.T) *auth.Gate {
	t.Helper()

	dir := directory.NewMemory()
	dir.AddUser("alice", "uid=alice,ou=people,dc=example,dc=com", "secret", map[string][]string{"cn": {"Alice"}})
	dir.AddUser("bob", "uid=bob,ou=people,dc=example,dc=com", "secret", map[string][]string{"cn": {"Bob"}})
	dir.AddGroup(groupDN, "uid=alice,ou=people,dc=example,dc=com")

	g, err := auth.NewGate(auth.Config{
		Directory: dir,
		Policy: directory.Policy{
			AuthorizedGroupDN: groupDN,
			UserBindPattern:   "uid=${USER},ou=people,dc=example,dc=com",
		},
	})
	require.NoError(t, err)
	return g
}

func doConnect(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/connect", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestHandler_Connect(t *testing.T) {
	t.Parallel()

	h := NewHandler(newTestGate(t), Config{})

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantKind    string
		wantMessage string
	}{
		{
			name:       "authorized",
			body:       `{"user":"alice","password":"secret","properties":{"SSL":"true"}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "credentials in properties",
			body:       `{"properties":{"user":"alice","password":"secret","SSL":"true"}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:        "ssl off",
			body:        `{"user":"alice","password":"secret"}`,
			wantStatus:  http.StatusBadRequest,
			wantKind:    "SSLRequired",
			wantMessage: auth.MsgSSLRequired,
		},
		{
			name:        "empty user",
			body:        `{"user":"","password":"secret","properties":{"SSL":"true"}}`,
			wantStatus:  http.StatusBadRequest,
			wantKind:    "EmptyUsername",
			wantMessage: auth.MsgEmptyUsername,
		},
		{
			name:        "null password",
			body:        `{"user":"alice","password":null,"properties":{"SSL":"true"}}`,
			wantStatus:  http.StatusUnauthorized,
			wantKind:    "Unauthorized",
			wantMessage: auth.MsgUnauthorized,
		},
		{
			name:        "wrong password",
			body:        `{"user":"alice","password":"nope","properties":{"SSL":"true"}}`,
			wantStatus:  http.StatusUnauthorized,
			wantKind:    "InvalidCredentials",
			wantMessage: auth.MsgInvalidCredentials,
		},
		{
			name:        "not in group",
			body:        `{"user":"bob","password":"secret","properties":{"SSL":"true"}}`,
			wantStatus:  http.StatusForbidden,
			wantKind:    "NotInAuthorizedGroup",
			wantMessage: "Authentication failed: Access Denied: User [Bob] not a member of an authorized group",
		},
		{
			name:        "missing trust store",
			body:        `{"user":"alice","password":"secret","properties":{"SSL":"true","SSLTrustStorePath":"/does/not/exist.p12","SSLTrustStorePassword":"changeit"}}`,
			wantStatus:  http.StatusBadRequest,
			wantKind:    "SSLSetupError",
			wantMessage: "Error setting up SSL: Trust store not found",
		},
		{
			name:        "host file as trust store",
			body:        `{"user":"alice","password":"secret","properties":{"SSL":"true","SSLTrustStorePath":"/etc/passwd","SSLTrustStorePassword":"changeit"}}`,
			wantStatus:  http.StatusBadRequest,
			wantKind:    "SSLSetupError",
			wantMessage: "Error setting up SSL: Trust store not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, resp := doConnect(t, h, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, true, resp["authorized"])
				principal := resp["principal"].(map[string]any)
				assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", principal["dn"])
				return
			}
			assert.Equal(t, false, resp["authorized"])
			assert.Equal(t, tt.wantKind, resp["kind"])
			assert.Equal(t, tt.wantMessage, resp["message"])
		})
	}
}

func TestHandler_InvalidRequests(t *testing.T) {
	t.Parallel()

	h := NewHandler(newTestGate(t), Config{})

	tests := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{name: "malformed json", body: `{"user":`},
		{
			name:        "unknown property",
			body:        `{"user":"alice","password":"secret","properties":{"SSL":"true","applicationNamePrefix":"x"}}`,
			wantMessage: "Unrecognized connection property 'applicationNamePrefix'",
		},
		{
			name:        "bad ssl value",
			body:        `{"user":"alice","password":"secret","properties":{"SSL":"maybe"}}`,
			wantMessage: "Connection property 'SSL' value is invalid: maybe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, resp := doConnect(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", resp["error"])
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, resp["message"])
			}
		})
	}
}

type unavailableGate struct{}

func (unavailableGate) Authenticate(ctx context.Context, req auth.Request) (*directory.Principal, error) {
	return nil, auth.Deny(auth.DirectoryUnavailable, auth.StateSyntaxChecked, directory.ErrUnavailable)
}

func TestHandler_DirectoryUnavailable(t *testing.T) {
	t.Parallel()

	h := NewHandler(unavailableGate{}, Config{})
	rec, resp := doConnect(t, h, `{"user":"alice","password":"secret","properties":{"SSL":"true"}}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DirectoryUnavailable", resp["kind"])
	assert.Equal(t, auth.MsgDirectoryUnavailable, resp["message"])
	assert.Equal(t, true, resp["retryable"])
}

func TestHandler_RateLimit(t *testing.T) {
	t.Parallel()

	h := NewHandler(newTestGate(t), Config{RateLimit: 0.001, Burst: 2})
	body := `{"user":"alice","password":"secret","properties":{"SSL":"true"}}`

	for i := 0; i < 2; i++ {
		rec, _ := doConnect(t, h, body)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec, resp := doConnect(t, h, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", resp["error"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := NewHandler(newTestGate(t), Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/connect", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, StatusFor(auth.IllegalUsernameCharacter))
	assert.Equal(t, http.StatusUnauthorized, StatusFor(auth.Unauthorized))
	assert.Equal(t, http.StatusForbidden, StatusFor(auth.NotInAuthorizedGroup))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(auth.DirectoryUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(auth.KindUnknown))
}

func TestHandler_RequestID(t *testing.T) {
	t.Parallel()

	h := NewHandler(newTestGate(t), Config{})
	body := `{"user":"alice","password":"secret","properties":{"SSL":"true"}}`

	req := httptest.NewRequest(http.MethodPost, "/v1/connect", strings.NewReader(body))
	req.Header.Set("X-Request-Id", "front-end-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "front-end-42", rec.Header().Get("X-Request-Id"))

	rec, _ = doConnect(t, h, body)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
