// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter returns base shifted by a random amount within ±fraction of base.
//
// Example: Jitter(time.Minute, 0.1) returns 54s-66s
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(base) * fraction
	return base + time.Duration((rand.Float64()*2-1)*spread)
}
