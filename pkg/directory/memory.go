// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"

	"github.com/go-ldap/ldap/v3"
	"gopkg.in/yaml.v3"
)

// Memory is an in-process Directory for tests and local development.
// Group members may themselves be groups; IsMember never follows them.
type Memory struct {
	mu     sync.RWMutex
	users  map[string]memoryUser      // username -> user
	groups map[string]map[string]bool // normalized group DN -> normalized member DNs
}

type memoryUser struct {
	dn         string
	password   string
	attributes map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]memoryUser),
		groups: make(map[string]map[string]bool),
	}
}

// AddUser registers a user entry.
func (m *Memory) AddUser(username, dn, password string, attributes map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = memoryUser{dn: dn, password: password, attributes: attributes}
}

// AddGroup registers a group and its direct members (user or group DNs).
func (m *Memory) AddGroup(dn string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeDN(dn)
	set, ok := m.groups[key]
	if !ok {
		set = make(map[string]bool, len(members))
		m.groups[key] = set
	}
	for _, member := range members {
		set[NormalizeDN(member)] = true
	}
}

func (m *Memory) Bind(ctx context.Context, username, password string) (*Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if password == "" {
		return nil, ErrInvalidCredentials
	}

	m.mu.RLock()
	u, ok := m.users[username]
	m.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) != 1 {
		return nil, ErrInvalidCredentials
	}

	attrs := make(map[string][]string, len(u.attributes))
	for k, v := range u.attributes {
		attrs[k] = append([]string(nil), v...)
	}
	return &Principal{DN: u.dn, Username: username, Attributes: attrs}, nil
}

func (m *Memory) IsMember(ctx context.Context, groupDN, memberDN string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[NormalizeDN(groupDN)][NormalizeDN(memberDN)], nil
}

// Fixture is the YAML layout accepted by LoadMemory.
type Fixture struct {
	Users []struct {
		Username   string              `yaml:"username"`
		DN         string              `yaml:"dn"`
		Password   string              `yaml:"password"`
		Attributes map[string][]string `yaml:"attributes"`
	} `yaml:"users"`
	Groups []struct {
		DN      string   `yaml:"dn"`
		Members []string `yaml:"members"`
	} `yaml:"groups"`
}

// LoadMemory builds a Memory directory from a YAML fixture file.
func LoadMemory(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory fixture %q: %w", path, err)
	}
	return ParseMemory(data)
}

// ParseMemory builds a Memory directory from YAML fixture content.
func ParseMemory(data []byte) (*Memory, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory fixture: %w", err)
	}

	m := NewMemory()
	for _, u := range f.Users {
		if u.Username == "" || u.DN == "" {
			return nil, fmt.Errorf("directory fixture: user entries need username and dn")
		}
		m.AddUser(u.Username, u.DN, u.Password, u.Attributes)
	}
	var members int
	for _, g := range f.Groups {
		if g.DN == "" {
			return nil, fmt.Errorf("directory fixture: group entries need a dn")
		}
		groupDN, err := ldap.ParseDN(g.DN)
		if err != nil {
			return nil, fmt.Errorf("directory fixture: group %q: %w", g.DN, err)
		}
		for _, member := range g.Members {
			if err := checkMember(groupDN, member); err != nil {
				return nil, fmt.Errorf("directory fixture: group %q: %w", g.DN, err)
			}
		}
		m.AddGroup(g.DN, g.Members...)
		members += len(g.Members)
	}

	logger.Debug().
		Int("users", len(f.Users)).
		Int("groups", len(f.Groups)).
		Int("members", members).
		Msg("directory fixture parsed")
	return m, nil
}

// checkMember rejects member values that are a fragment of a DN. An unquoted
// DN inside a YAML flow list ([a=1,b=2]) is split at its commas.
func checkMember(group *ldap.DN, member string) error {
	if member == "" {
		return fmt.Errorf("empty member")
	}
	dn, err := ldap.ParseDN(member)
	if err != nil {
		return fmt.Errorf("member %q is not a DN: %w", member, err)
	}
	if len(dn.RDNs) == 0 || (len(dn.RDNs) == 1 && len(group.RDNs) > 1) {
		return fmt.Errorf("member %q is only part of a DN; quote DNs inside [] lists", member)
	}
	return nil
}
