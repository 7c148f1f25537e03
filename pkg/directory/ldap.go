// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn used by LDAP. It exists so tests can
// substitute a fake server.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

// Dialer opens a new, unbound connection to the directory.
type Dialer func(ctx context.Context) (Conn, error)

// LDAPConfig holds connection settings for an LDAP directory.
type LDAPConfig struct {
	URL          string        // ldap://host:389 or ldaps://host:636
	BindDN       string        // service account used for searches
	BindPassword string        // service account password
	StartTLS     bool          // upgrade ldap:// connections
	TLS          *tls.Config   // CA pool and server name for the directory
	Timeout      time.Duration // dial and per-operation timeout
	PoolSize     int           // pooled service-account connections

	Policy Policy

	// Dialer replaces the default network dialer, mostly for tests.
	Dialer Dialer
}

// LDAP is a Directory backed by an LDAP or Active Directory server.
//
// Service-account connections used for user and group searches are pooled.
// Connections used to bind as an end user are never pooled.
type LDAP struct {
	config LDAPConfig
	policy Policy
	dial   Dialer
	pool   chan Conn
}

// NewLDAP validates cfg and returns a directory. It does not contact the
// server; call Ping for that.
func NewLDAP(cfg LDAPConfig) (*LDAP, error) {
	if cfg.URL == "" && cfg.Dialer == nil {
		return nil, errors.New("LDAP server URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 5
	}
	policy := cfg.Policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	d := &LDAP{
		config: cfg,
		policy: policy,
		pool:   make(chan Conn, cfg.PoolSize),
	}
	d.dial = cfg.Dialer
	if d.dial == nil {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid LDAP URL %q: %w", cfg.URL, err)
		}
		if u.Scheme != "ldap" && u.Scheme != "ldaps" {
			return nil, fmt.Errorf("unsupported LDAP URL scheme %q", u.Scheme)
		}
		d.dial = d.networkDialer(u)
	}
	return d, nil
}

// networkDialer dials with a context, which ldap.DialURL does not support.
func (d *LDAP) networkDialer(u *url.URL) Dialer {
	host := u.Host
	if u.Port() == "" {
		port := ldap.DefaultLdapPort
		if u.Scheme == "ldaps" {
			port = ldap.DefaultLdapsPort
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	tlsConfig := d.config.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = u.Hostname()
	}

	return func(ctx context.Context) (Conn, error) {
		var (
			c   net.Conn
			err error
		)
		netDialer := &net.Dialer{Timeout: d.config.Timeout}
		if u.Scheme == "ldaps" {
			c, err = (&tls.Dialer{NetDialer: netDialer, Config: tlsConfig}).DialContext(ctx, "tcp", host)
		} else {
			c, err = netDialer.DialContext(ctx, "tcp", host)
		}
		if err != nil {
			return nil, ldap.NewError(ldap.ErrorNetwork, err)
		}

		conn := ldap.NewConn(c, u.Scheme == "ldaps")
		conn.Start()
		conn.SetTimeout(d.config.Timeout)

		if u.Scheme == "ldap" && d.config.StartTLS {
			if err := conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
				return nil, fmt.Errorf("StartTLS failed: %w", err)
			}
		}
		return ldapConn{conn}, nil
	}
}

// ldapConn adapts *ldap.Conn to Conn.
type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// Ping dials and binds the service account once.
func (d *LDAP) Ping(ctx context.Context) error {
	conn, err := d.getConnection(ctx)
	if err != nil {
		return err
	}
	d.returnConnection(conn)
	return nil
}

// Bind resolves the user's DN, binds as that DN and reads the principal's
// attributes on the bound connection.
func (d *LDAP) Bind(ctx context.Context, username, password string) (*Principal, error) {
	if password == "" {
		return nil, ErrInvalidCredentials
	}

	dn, err := d.resolveUserDN(ctx, username)
	if err != nil {
		return nil, err
	}

	conn, err := d.dial(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	defer conn.Close()

	if err := run(ctx, conn, func() error { return conn.Bind(dn, password) }); err != nil {
		return nil, classify(err)
	}

	principal := &Principal{DN: dn, Username: username}

	var result *ldap.SearchResult
	err = run(ctx, conn, func() error {
		var serr error
		result, serr = conn.Search(ldap.NewSearchRequest(
			dn,
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			1,
			int(d.config.Timeout/time.Second),
			false,
			"(objectClass=*)",
			d.policy.PrincipalAttributes,
			nil,
		))
		return serr
	})
	switch {
	case err != nil && isContextErr(err):
		return nil, unavailable(err)
	case err != nil:
		// Some directories hide a user's own entry; the DN still identifies them.
		logger.Ctx(ctx).Debug().Err(err).Str("dn", dn).Msg("principal attribute lookup failed")
	case len(result.Entries) > 0:
		principal.Attributes = entryAttributes(result.Entries[0])
	}

	return principal, nil
}

// IsMember runs a single base-object search against groupDN. Nested groups
// are not expanded.
func (d *LDAP) IsMember(ctx context.Context, groupDN, memberDN string) (bool, error) {
	conn, err := d.getConnection(ctx)
	if err != nil {
		return false, err
	}

	filter := strings.ReplaceAll(d.policy.GroupFilter, dnPlaceholder, ldap.EscapeFilter(memberDN))
	req := ldap.NewSearchRequest(
		groupDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		int(d.config.Timeout/time.Second),
		false,
		filter,
		[]string{"dn"},
		nil,
	)

	var result *ldap.SearchResult
	err = run(ctx, conn, func() error {
		var serr error
		result, serr = conn.Search(req)
		return serr
	})
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			d.returnConnection(conn)
			logger.Ctx(ctx).Warn().Str("group", groupDN).Msg("authorized group does not exist")
			return false, nil
		}
		conn.Close()
		return false, unavailable(err)
	}
	d.returnConnection(conn)

	return len(result.Entries) > 0, nil
}

// Close closes all pooled connections.
func (d *LDAP) Close() error {
	for {
		select {
		case conn := <-d.pool:
			conn.Close()
		default:
			return nil
		}
	}
}

func (d *LDAP) resolveUserDN(ctx context.Context, username string) (string, error) {
	if d.policy.UserBindPattern != "" {
		return strings.ReplaceAll(d.policy.UserBindPattern, userPlaceholder, escapeDNValue(username)), nil
	}

	conn, err := d.getConnection(ctx)
	if err != nil {
		return "", err
	}

	filter := strings.ReplaceAll(d.policy.UserSearchFilter, userPlaceholder, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		d.policy.UserSearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, // a second hit means the filter is ambiguous
		int(d.config.Timeout/time.Second),
		false,
		filter,
		[]string{"dn"},
		nil,
	)

	var result *ldap.SearchResult
	err = run(ctx, conn, func() error {
		var serr error
		result, serr = conn.Search(req)
		return serr
	})
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		conn.Close()
		return "", unavailable(err)
	}
	d.returnConnection(conn)

	if result == nil || len(result.Entries) != 1 {
		if result != nil && len(result.Entries) > 1 {
			logger.Ctx(ctx).Warn().Str("filter", filter).Msg("user search matched more than one entry")
		}
		return "", ErrInvalidCredentials
	}
	return result.Entries[0].DN, nil
}

// getConnection takes a bound service-account connection from the pool or
// dials a new one.
func (d *LDAP) getConnection(ctx context.Context) (Conn, error) {
	for {
		select {
		case conn := <-d.pool:
			if conn.IsClosing() {
				continue
			}
			return conn, nil
		default:
			return d.dialService(ctx)
		}
	}
}

func (d *LDAP) dialService(ctx context.Context) (Conn, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	if d.config.BindDN != "" {
		err := run(ctx, conn, func() error { return conn.Bind(d.config.BindDN, d.config.BindPassword) })
		if err != nil {
			conn.Close()
			return nil, unavailable(fmt.Errorf("service account bind failed: %w", err))
		}
	}
	return conn, nil
}

func (d *LDAP) returnConnection(conn Conn) {
	if conn == nil || conn.IsClosing() {
		return
	}
	select {
	case d.pool <- conn:
	default:
		conn.Close()
	}
}

// run executes op and aborts it when ctx ends by closing conn, which fails
// the in-flight request. The goroutine running op is always joined.
func run(ctx context.Context, conn Conn, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		conn.Close()
		<-done
		return ctx.Err()
	}
}

// classify maps a user bind error onto the package sentinels. Only result
// codes describing the account or its credentials refuse the login; any
// other server answer is a directory fault.
func classify(err error) error {
	switch {
	case isContextErr(err):
		return unavailable(err)
	case ldap.IsErrorAnyOf(err,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultNoSuchObject,
		ldap.ErrorEmptyPassword):
		return ErrInvalidCredentials
	case ldap.IsErrorAnyOf(err,
		ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform):
		// Locked, disabled or expired accounts.
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	default:
		return unavailable(err)
	}
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func entryAttributes(entry *ldap.Entry) map[string][]string {
	attrs := make(map[string][]string, len(entry.Attributes))
	for _, a := range entry.Attributes {
		attrs[a.Name] = a.Values
	}
	return attrs
}

// escapeDNValue escapes an attribute value for use inside a DN (RFC 4514).
func escapeDNValue(value string) string {
	var b strings.Builder
	for i, r := range value {
		switch {
		case r == '\\' || r == ',' || r == '+' || r == '"' || r == '<' || r == '>' || r == ';' || r == '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '#' && i == 0:
			b.WriteString("\\#")
		case r == ' ' && (i == 0 || i == len(value)-1):
			b.WriteString("\\ ")
		case r == 0:
			b.WriteString("\\00")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
