// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipal_CN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Principal
		want string
	}{
		{
			name: "cn attribute wins",
			p:    Principal{DN: "uid=alice,dc=example,dc=com", Username: "alice", Attributes: map[string][]string{"CN": {"Alice"}}},
			want: "Alice",
		},
		{
			name: "leading cn rdn",
			p:    Principal{DN: "cn=Alice Liddell,ou=people,dc=example,dc=com", Username: "alice"},
			want: "Alice Liddell",
		},
		{
			name: "username fallback",
			p:    Principal{DN: "uid=alice,ou=people,dc=example,dc=com", Username: "alice"},
			want: "alice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.p.CN())
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	group := "cn=DefaultGroup,ou=groups,dc=example,dc=com"

	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "bind pattern", policy: Policy{AuthorizedGroupDN: group, UserBindPattern: "uid=${USER},dc=example,dc=com"}},
		{name: "search base", policy: Policy{AuthorizedGroupDN: group, UserSearchBase: "dc=example,dc=com"}},
		{name: "missing group", policy: Policy{UserSearchBase: "dc=example,dc=com"}, wantErr: true},
		{name: "malformed group", policy: Policy{AuthorizedGroupDN: "not a dn", UserSearchBase: "dc=example,dc=com"}, wantErr: true},
		{name: "no user lookup", policy: Policy{AuthorizedGroupDN: group}, wantErr: true},
		{name: "pattern without placeholder", policy: Policy{AuthorizedGroupDN: group, UserBindPattern: "uid=admin,dc=example,dc=com"}, wantErr: true},
		{name: "group filter without placeholder", policy: Policy{AuthorizedGroupDN: group, UserSearchBase: "dc=example,dc=com", GroupFilter: "(member=*)"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.policy.WithDefaults().Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeDN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, NormalizeDN("uid=alice,ou=people,dc=example,dc=com"), NormalizeDN("UID=Alice,OU=People,DC=Example,DC=com"))
	assert.NotEqual(t, NormalizeDN("uid=alice,dc=example,dc=com"), NormalizeDN("uid=bob,dc=example,dc=com"))
}
