// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"github.com/LeeDigitalWorks/ldapgate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

const resultAuthorized = "authorized"

var (
	// AttemptsTotal counts finished attempts by result
	AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldapgate",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total number of authentication attempts",
	}, []string{"result"}) // result: "authorized" or an ErrorKind name

	// AttemptDuration tracks end-to-end attempt latency
	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ldapgate",
		Subsystem: "auth",
		Name:      "attempt_duration_seconds",
		Help:      "Time spent authenticating a connection attempt",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"result"})

	// InFlight tracks attempts currently inside the pipeline
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ldapgate",
		Subsystem: "auth",
		Name:      "in_flight",
		Help:      "Authentication attempts currently in progress",
	})
)

func init() {
	debug.Registry().MustRegister(
		AttemptsTotal,
		AttemptDuration,
		InFlight,
	)
}
