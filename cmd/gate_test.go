// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/LeeDigitalWorks/ldapgate/pkg/auth"
	"github.com/LeeDigitalWorks/ldapgate/pkg/truststore"
	"github.com/LeeDigitalWorks/ldapgate/pkg/truststore/truststoretest"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFixture = `
users:
  - username: alice
    dn: uid=alice,ou=people,dc=example,dc=com
    password: secret
    attributes:
      cn: [Alice]
groups:
  - dn: cn=DefaultGroup,ou=groups,dc=example,dc=com
    members: ["uid=alice,ou=people,dc=example,dc=com"]
`

// viper is global, so these tests do not run in parallel.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLDAPKey(t *testing.T) {
	resetViper(t)

	viper.Set("ldap.url", "ldap://nested:389")
	assert.Equal(t, "ldap.url", ldapKey("url"))

	viper.Set("ldap_url", "ldap://flat:389")
	assert.Equal(t, "ldap_url", ldapKey("url"))

	assert.Equal(t, "ldap_bind_dn", ldapKey("bind_dn"))
}

func TestLoadPolicy_NestedConfig(t *testing.T) {
	resetViper(t)

	viper.Set("ldap.authorized_group_dn", "cn=DefaultGroup,ou=groups,dc=example,dc=com")
	viper.Set("ldap.user_bind_pattern", "uid=${USER},ou=people,dc=example,dc=com")

	p := loadPolicy()
	assert.Equal(t, "cn=DefaultGroup,ou=groups,dc=example,dc=com", p.AuthorizedGroupDN)
	assert.Equal(t, "uid=${USER},ou=people,dc=example,dc=com", p.UserBindPattern)
	require.NoError(t, p.Validate())
}

func TestSetupGate_Fixture(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFixture), 0o600))

	viper.Set("directory_fixture", path)
	viper.Set("ldap_authorized_group_dn", "cn=DefaultGroup,ou=groups,dc=example,dc=com")
	viper.Set("ldap_user_bind_pattern", "uid=${USER},ou=people,dc=example,dc=com")

	setup, err := setupGate()
	require.NoError(t, err)
	defer setup.Close()

	require.NoError(t, setup.Ping(context.Background()))

	p, err := setup.Gate.Authenticate(context.Background(), auth.Request{
		Username:   "alice",
		Password:   auth.String("secret"),
		SSLEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.CN())
}

func TestSetupGate_RequiresDirectory(t *testing.T) {
	resetViper(t)

	viper.Set("ldap_authorized_group_dn", "cn=DefaultGroup,ou=groups,dc=example,dc=com")
	viper.Set("ldap_user_bind_pattern", "uid=${USER},ou=people,dc=example,dc=com")

	_, err := setupGate()
	assert.Error(t, err)
}

func TestLoadTrustStoreCache(t *testing.T) {
	resetViper(t)

	stores := t.TempDir()
	truststoretest.WritePEM(t, stores)
	viper.Set("truststore_dir", stores)

	cache := loadTrustStoreCache()
	m, err := cache.Get("ca.pem", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(stores, "ca.pem"), m.Path)

	_, err = cache.Get("/etc/passwd", "")
	assert.ErrorIs(t, err, truststore.ErrOutsideRoot)
}

func TestLoadTrustStoreCache_RefusesWithoutDirectory(t *testing.T) {
	resetViper(t)

	path := truststoretest.WritePEM(t, t.TempDir())
	_, err := loadTrustStoreCache().Get(path, "")
	assert.ErrorIs(t, err, truststore.ErrOutsideRoot)
}
