// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package rediscache caches directory membership answers in Redis.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/LeeDigitalWorks/ldapgate/pkg/directory"
	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"
	"github.com/LeeDigitalWorks/ldapgate/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const defaultCachePrefix = "ldapgate:member"

const ttlJitter = 0.1

// DefaultTTL applies when New is given a non-positive ttl.
const DefaultTTL = 2 * time.Minute

// Directory caches IsMember answers in Redis. Negative answers are
// cached too so a denied user cannot hammer the directory. Bind is never
// cached.
type Directory struct {
	inner  directory.Directory
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// New wraps inner. ttl bounds how long a membership change
// can take to be observed.
func New(inner directory.Directory, rdb redis.UniversalClient, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{inner: inner, rdb: rdb, ttl: ttl, prefix: defaultCachePrefix}
}

func (c *Directory) Bind(ctx context.Context, username, password string) (*directory.Principal, error) {
	return c.inner.Bind(ctx, username, password)
}

func (c *Directory) IsMember(ctx context.Context, groupDN, memberDN string) (bool, error) {
	key := c.key(groupDN, memberDN)

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case err != redis.Nil:
		// Degraded but not fatal: ask the directory.
		logger.Ctx(ctx).Debug().Err(err).Msg("membership cache read failed")
	}

	member, err := c.inner.IsMember(ctx, groupDN, memberDN)
	if err != nil {
		return false, err
	}

	val := "0"
	if member {
		val = "1"
	}
	// Spread expiries so answers cached in a burst do not all lapse together.
	if err := c.rdb.Set(ctx, key, val, utils.Jitter(c.ttl, ttlJitter)).Err(); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("membership cache write failed")
	}
	return member, nil
}

// Invalidate drops a cached answer, e.g. after an administrator changed the group.
func (c *Directory) Invalidate(ctx context.Context, groupDN, memberDN string) error {
	return c.rdb.Del(ctx, c.key(groupDN, memberDN)).Err()
}

func (c *Directory) key(groupDN, memberDN string) string {
	sum := sha256.Sum256([]byte(directory.NormalizeDN(groupDN) + "\x00" + directory.NormalizeDN(memberDN)))
	return c.prefix + ":" + hex.EncodeToString(sum[:])
}
