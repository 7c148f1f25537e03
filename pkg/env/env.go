// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var (
	Env string

	once sync.Once
)

func IsLocal() bool {
	return Env == Local
}

func IsProduction() bool {
	return Env == Production
}

func IsTesting() bool {
	return Env == Testing
}

// Refresh re-reads ENV after configuration files have been merged into viper.
func Refresh() {
	Env = strings.ToLower(viper.GetString("ENV"))
	if Env == "" {
		Env = Local
	}
}

func init() {
	once.Do(func() {
		viper.BindEnv("ENV", "LDAPGATE_ENV", "ENV")
		Refresh()
	})
}
