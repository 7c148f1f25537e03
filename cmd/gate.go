// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/LeeDigitalWorks/ldapgate/pkg/auth"
	"github.com/LeeDigitalWorks/ldapgate/pkg/directory"
	"github.com/LeeDigitalWorks/ldapgate/pkg/directory/rediscache"
	"github.com/LeeDigitalWorks/ldapgate/pkg/env"
	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"
	"github.com/LeeDigitalWorks/ldapgate/pkg/truststore"
	"github.com/LeeDigitalWorks/ldapgate/pkg/utils"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// addGateFlags registers the directory, policy and cache flags shared by
// every command that runs the gate.
func addGateFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	// Directory connection
	f.String("ldap_url", "", "LDAP server URL (ldap://host:389 or ldaps://host:636)")
	f.String("ldap_bind_dn", "", "Service account DN used for user searches")
	f.String("ldap_bind_pass", "", "Service account password")
	f.Bool("ldap_start_tls", false, "Use StartTLS for ldap:// connections")
	f.String("ldap_truststore", "", "PKCS#12 or PEM file with the CA that signed the LDAP server certificate")
	f.String("ldap_truststore_password", "", "Password for ldap_truststore")
	f.String("ldap_server_name", "", "Expected LDAP server certificate name (defaults to the URL host)")
	f.Int("ldap_pool_size", 5, "Pooled service account connections")
	f.Duration("ldap_timeout", 10*time.Second, "LDAP dial and operation timeout")

	// Group membership policy
	f.String("ldap_authorized_group_dn", "", "DN of the group whose direct members may connect")
	f.String("ldap_user_bind_pattern", "", "Bind DN pattern, e.g. uid=${USER},ou=people,dc=example,dc=com")
	f.String("ldap_user_search_base", "", "Base DN for user searches when no bind pattern is set")
	f.String("ldap_user_search_filter", directory.DefaultUserSearchFilter, "User search filter")
	f.String("ldap_group_filter", directory.DefaultGroupFilter, "Filter evaluated on the authorized group entry")
	f.StringSlice("ldap_principal_attributes", []string{"cn", "uid", "mail"}, "Attributes read from the bound principal")

	// Local directory
	f.String("directory_fixture", "", "YAML directory fixture used instead of LDAP (local and testing only)")

	// Client trust stores
	f.String("truststore_dir", "", "Directory client SSLTrustStorePath values are resolved in (client trust stores refused when empty)")
	f.Int("truststore_cache_size", truststore.DefaultCacheSize, "Loaded client trust stores kept in memory")

	// Membership cache
	f.String("redis_addr", "", "Redis address for the membership cache (disabled when empty)")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database")
	f.Duration("membership_cache_ttl", rediscache.DefaultTTL, "How long membership answers are cached")

	f.Duration("attempt_timeout", auth.DefaultAttemptTimeout, "Upper bound on directory work per connection attempt")
}

// ldapKey prefers the flat ldap_key (flag, env, config) and falls back to
// the nested [ldap] key of a TOML config.
func ldapKey(key string) string {
	if !viper.IsSet("ldap_"+key) && viper.IsSet("ldap."+key) {
		return "ldap." + key
	}
	return "ldap_" + key
}

// gateSetup is the gate plus the resources behind it.
type gateSetup struct {
	Gate *auth.Gate
	Ping func(context.Context) error

	closers []func() error
}

func (s *gateSetup) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("failed to release gate resource")
		}
	}
}

func loadPolicy() directory.Policy {
	return directory.Policy{
		AuthorizedGroupDN:   viper.GetString(ldapKey("authorized_group_dn")),
		UserBindPattern:     viper.GetString(ldapKey("user_bind_pattern")),
		UserSearchBase:      viper.GetString(ldapKey("user_search_base")),
		UserSearchFilter:    viper.GetString(ldapKey("user_search_filter")),
		GroupFilter:         viper.GetString(ldapKey("group_filter")),
		PrincipalAttributes: viper.GetStringSlice(ldapKey("principal_attributes")),
	}.WithDefaults()
}

// setupGate builds the directory, optional membership cache and gate from
// configuration.
func setupGate() (*gateSetup, error) {
	setup := &gateSetup{}
	policy := loadPolicy()

	dir, err := setupDirectory(setup, policy)
	if err != nil {
		setup.Close()
		return nil, err
	}

	if addr := viper.GetString("redis_addr"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: viper.GetString("redis_password"),
			DB:       viper.GetInt("redis_db"),
		})
		setup.closers = append(setup.closers, client.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			// The cache falls through to the directory while Redis is down.
			logger.Warn().Err(err).Str("addr", addr).Msg("membership cache unreachable")
		}

		ttl := viper.GetDuration("membership_cache_ttl")
		dir = rediscache.New(dir, client, ttl)
		logger.Info().Str("addr", addr).Dur("ttl", ttl).Msg("membership cache enabled")
	}

	gate, err := auth.NewGate(auth.Config{
		Directory:      dir,
		Policy:         policy,
		TrustStores:    loadTrustStoreCache(),
		AttemptTimeout: viper.GetDuration("attempt_timeout"),
	})
	if err != nil {
		setup.Close()
		return nil, err
	}
	setup.Gate = gate
	return setup, nil
}

// loadTrustStoreCache confines client trust store paths to truststore_dir.
func loadTrustStoreCache() *truststore.Cache {
	var root truststore.Root
	if dir := viper.GetString("truststore_dir"); dir != "" {
		root = truststore.NewRoot(utils.ResolvePath(dir))
		logger.Info().Str("dir", root.Dir()).Msg("client trust stores enabled")
	}
	return truststore.NewCache(root.Load, viper.GetInt("truststore_cache_size"))
}

func setupDirectory(setup *gateSetup, policy directory.Policy) (directory.Directory, error) {
	if fixture := viper.GetString("directory_fixture"); fixture != "" {
		if env.IsProduction() {
			return nil, errors.New("directory_fixture is not allowed in production")
		}
		mem, err := directory.LoadMemory(fixture)
		if err != nil {
			return nil, err
		}
		setup.Ping = func(ctx context.Context) error { return ctx.Err() }
		logger.Warn().Str("fixture", fixture).Msg("using in-memory directory fixture")
		return mem, nil
	}

	ldapURL := viper.GetString(ldapKey("url"))
	if ldapURL == "" {
		return nil, errors.New("ldap_url or directory_fixture is required")
	}

	tlsConfig, err := loadDirectoryTLS(ldapURL)
	if err != nil {
		return nil, err
	}

	ldapDir, err := directory.NewLDAP(directory.LDAPConfig{
		URL:          ldapURL,
		BindDN:       viper.GetString(ldapKey("bind_dn")),
		BindPassword: viper.GetString(ldapKey("bind_pass")),
		StartTLS:     viper.GetBool(ldapKey("start_tls")),
		TLS:          tlsConfig,
		Timeout:      viper.GetDuration(ldapKey("timeout")),
		PoolSize:     viper.GetInt(ldapKey("pool_size")),
		Policy:       policy,
	})
	if err != nil {
		return nil, err
	}
	setup.closers = append(setup.closers, ldapDir.Close)
	setup.Ping = ldapDir.Ping

	logger.Info().
		Str("url", ldapURL).
		Bool("start_tls", viper.GetBool(ldapKey("start_tls"))).
		Str("authorized_group", policy.AuthorizedGroupDN).
		Msg("LDAP directory configured")
	return ldapDir, nil
}

func loadDirectoryTLS(ldapURL string) (*tls.Config, error) {
	u, err := url.Parse(ldapURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ldap_url: %w", err)
	}
	serverName := viper.GetString(ldapKey("server_name"))
	if serverName == "" {
		serverName = u.Hostname()
	}

	path := viper.GetString(ldapKey("truststore"))
	if path == "" {
		return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}, nil
	}
	material, err := truststore.Load(path, viper.GetString(ldapKey("truststore_password")))
	if err != nil {
		return nil, err
	}
	return material.TLSConfig(serverName), nil
}
