// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory abstracts the LDAP directory the gate authenticates
// against. A Directory binds principals and answers direct group membership
// questions; it never walks nested groups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrInvalidCredentials covers both unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable wraps connection failures, timeouts and cancellation.
	ErrUnavailable = errors.New("directory unavailable")
)

// Directory is the outbound contract used by the authentication pipeline.
type Directory interface {
	// Bind authenticates username with password and returns the bound entry.
	Bind(ctx context.Context, username, password string) (*Principal, error)

	// IsMember reports whether memberDN is listed directly on groupDN.
	IsMember(ctx context.Context, groupDN, memberDN string) (bool, error)
}

// Principal is the directory entry of a successfully bound user.
type Principal struct {
	DN         string              `json:"dn"`
	Username   string              `json:"username"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Attribute returns the first value of name, matched case-insensitively.
func (p *Principal) Attribute(name string) string {
	for k, v := range p.Attributes {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// CN returns the common name, falling back to the leading cn RDN and then the
// username.
func (p *Principal) CN() string {
	if cn := p.Attribute("cn"); cn != "" {
		return cn
	}
	if dn, err := ldap.ParseDN(p.DN); err == nil && len(dn.RDNs) > 0 {
		for _, attr := range dn.RDNs[0].Attributes {
			if strings.EqualFold(attr.Type, "cn") {
				return attr.Value
			}
		}
	}
	return p.Username
}

// Policy is the process-wide group membership policy. It is immutable after
// startup and shared by all requests.
type Policy struct {
	// AuthorizedGroupDN is the only group whose direct members are authorized.
	AuthorizedGroupDN string `mapstructure:"authorized_group_dn" yaml:"authorized_group_dn"`

	// UserBindPattern builds the bind DN directly, e.g.
	// uid=${USER},ou=people,dc=example,dc=com. When empty the user is found
	// with UserSearchBase and UserSearchFilter.
	UserBindPattern string `mapstructure:"user_bind_pattern" yaml:"user_bind_pattern"`

	UserSearchBase   string `mapstructure:"user_search_base" yaml:"user_search_base"`
	UserSearchFilter string `mapstructure:"user_search_filter" yaml:"user_search_filter"`

	// GroupFilter is evaluated against the authorized group entry with
	// ${DN} replaced by the principal's DN.
	GroupFilter string `mapstructure:"group_filter" yaml:"group_filter"`

	PrincipalAttributes []string `mapstructure:"principal_attributes" yaml:"principal_attributes"`
}

const (
	userPlaceholder = "${USER}"
	dnPlaceholder   = "${DN}"

	DefaultUserSearchFilter = "(uid=${USER})"
	DefaultGroupFilter      = "(|(member=${DN})(uniqueMember=${DN}))"
)

// WithDefaults fills unset optional fields.
func (p Policy) WithDefaults() Policy {
	if p.UserSearchFilter == "" {
		p.UserSearchFilter = DefaultUserSearchFilter
	}
	if p.GroupFilter == "" {
		p.GroupFilter = DefaultGroupFilter
	}
	if len(p.PrincipalAttributes) == 0 {
		p.PrincipalAttributes = []string{"cn", "uid", "mail"}
	}
	return p
}

// Validate checks that the policy can authorize anyone at all.
func (p Policy) Validate() error {
	if p.AuthorizedGroupDN == "" {
		return errors.New("authorized group DN is required")
	}
	if _, err := ldap.ParseDN(p.AuthorizedGroupDN); err != nil {
		return fmt.Errorf("invalid authorized group DN %q: %w", p.AuthorizedGroupDN, err)
	}
	if p.UserBindPattern == "" && p.UserSearchBase == "" {
		return errors.New("either a user bind pattern or a user search base is required")
	}
	if p.UserBindPattern != "" && !strings.Contains(p.UserBindPattern, userPlaceholder) {
		return fmt.Errorf("user bind pattern must contain %s", userPlaceholder)
	}
	if p.GroupFilter != "" && !strings.Contains(p.GroupFilter, dnPlaceholder) {
		return fmt.Errorf("group filter must contain %s", dnPlaceholder)
	}
	return nil
}

// NormalizeDN lower-cases attribute types and values so that DNs differing
// only in case or spacing compare equal.
func NormalizeDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}
	rdns := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, a := range rdn.Attributes {
			attrs = append(attrs, strings.ToLower(a.Type)+"="+strings.ToLower(a.Value))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}
