// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
users:
  - username: DefaultGroupUser
    dn: uid=DefaultGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com
    password: LDAPPass123
    attributes:
      cn: [DefaultGroupUser]
  - username: ChildGroupUser
    dn: uid=ChildGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com
    password: LDAPPass123
    attributes:
      cn: [ChildGroupUser]
  - username: ParentGroupUser
    dn: uid=ParentGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com
    password: LDAPPass123
    attributes:
      cn: [ParentGroupUser]
  - username: OrphanUser
    dn: uid=OrphanUser,ou=Asia,dc=presto,dc=testldap,dc=com
    password: LDAPPass123
groups:
  - dn: cn=DefaultGroup,ou=America,dc=presto,dc=testldap,dc=com
    members:
      - uid=DefaultGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com
      - cn=ChildGroup,ou=America,dc=presto,dc=testldap,dc=com
  - dn: cn=ChildGroup,ou=America,dc=presto,dc=testldap,dc=com
    members:
      - uid=ChildGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com
  - dn: cn=ParentGroup,ou=America,dc=presto,dc=testldap,dc=com
    members:
      - cn=DefaultGroup,ou=America,dc=presto,dc=testldap,dc=com
      - uid=ParentGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com
`

const authorizedGroup = "cn=DefaultGroup,ou=America,dc=presto,dc=testldap,dc=com"

func loadFixture(t *testing.T) *Memory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o600))
	m, err := LoadMemory(path)
	require.NoError(t, err)
	return m
}

func TestMemory_Bind(t *testing.T) {
	t.Parallel()

	m := loadFixture(t)
	ctx := context.Background()

	p, err := m.Bind(ctx, "DefaultGroupUser", "LDAPPass123")
	require.NoError(t, err)
	want := &Principal{
		DN:         "uid=DefaultGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com",
		Username:   "DefaultGroupUser",
		Attributes: map[string][]string{"cn": {"DefaultGroupUser"}},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("principal mismatch (-want +got):\n%s", diff)
	}

	_, err = m.Bind(ctx, "DefaultGroupUser", "wrong_password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Bind(ctx, "invalid_user", "LDAPPass123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Bind(ctx, "DefaultGroupUser", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMemory_IsMemberIsNotTransitive(t *testing.T) {
	t.Parallel()

	m := loadFixture(t)
	ctx := context.Background()

	tests := []struct {
		user string
		want bool
	}{
		{user: "uid=DefaultGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com", want: true},
		{user: "uid=ChildGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com", want: false},
		{user: "uid=ParentGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com", want: false},
		{user: "uid=OrphanUser,ou=Asia,dc=presto,dc=testldap,dc=com", want: false},
		{user: "UID=defaultgroupuser,OU=Asia,DC=presto,DC=testldap,DC=com", want: true},
	}
	for _, tt := range tests {
		got, err := m.IsMember(ctx, authorizedGroup, tt.user)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.user)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	t.Parallel()

	m := loadFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Bind(ctx, "DefaultGroupUser", "LDAPPass123")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = m.IsMember(ctx, authorizedGroup, "uid=DefaultGroupUser,ou=Asia,dc=presto,dc=testldap,dc=com")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseMemory_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseMemory([]byte("users: [{username: x}]"))
	assert.Error(t, err)

	_, err = ParseMemory([]byte("groups: [{members: [a]}]"))
	assert.Error(t, err)

	_, err = ParseMemory([]byte("users: {"))
	assert.Error(t, err)

	_, err = LoadMemory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseMemory_GroupMembers(t *testing.T) {
	t.Parallel()

	const user = "uid=alice,ou=people,dc=example,dc=com"
	const group = "cn=DefaultGroup,ou=groups,dc=example,dc=com"

	tests := []struct {
		name    string
		members string
		wantErr string
	}{
		{name: "quoted flow list", members: `["uid=alice,ou=people,dc=example,dc=com"]`},
		{name: "block list", members: "\n      - uid=alice,ou=people,dc=example,dc=com"},
		{name: "unquoted flow list", members: `[uid=alice,ou=people,dc=example,dc=com]`, wantErr: `member "uid=alice" is only part of a DN`},
		{name: "not a dn", members: `["alice"]`, wantErr: `member "alice" is not a DN`},
		{name: "empty member", members: `[""]`, wantErr: "empty member"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := "groups:\n  - dn: " + group + "\n    members: " + tt.members + "\n"
			m, err := ParseMemory([]byte(data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			ok, err := m.IsMember(context.Background(), group, user)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}
