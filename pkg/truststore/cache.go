// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package truststore

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of loaded stores a Cache keeps.
const DefaultCacheSize = 128

// LoadFunc loads trust material. Root.Load serves client supplied paths and
// Load serves operator configured ones.
type LoadFunc func(path, password string) (*Material, error)

// Cache memoizes successfully loaded trust stores by (path, password),
// evicting the least recently used store beyond its size. Passwords are kept
// only as SHA-256 digests. Failed loads are not cached so a fixed file is
// picked up on the next attempt.
type Cache struct {
	load    LoadFunc
	entries *lru.Cache
	group   singleflight.Group
}

// NewCache returns a cache over load holding at most size stores. A nil load
// refuses every path; a non-positive size means DefaultCacheSize.
func NewCache(load LoadFunc, size int) *Cache {
	if load == nil {
		load = Root{}.Load
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New(size)
	if err != nil {
		panic(err) // size is positive
	}
	return &Cache{load: load, entries: entries}
}

// Get returns the cached material for path and password, loading it once if
// needed. Concurrent callers for the same key share one load.
func (c *Cache) Get(path, password string) (*Material, error) {
	key := cacheKey(path, password)
	if m, ok := c.lookup(key); ok {
		return m, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if m, ok := c.lookup(key); ok {
			return m, nil
		}
		m, err := c.load(path, password)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Material), nil
}

// Len reports the number of cached stores.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached store, e.g. after certificates were rotated.
func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) lookup(key string) (*Material, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Material), true
}

func cacheKey(path, password string) string {
	sum := sha256.Sum256([]byte(password))
	return filepath.Clean(path) + "\x00" + hex.EncodeToString(sum[:])
}
