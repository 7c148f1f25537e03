// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/LeeDigitalWorks/ldapgate/pkg/auth"
	"github.com/LeeDigitalWorks/ldapgate/pkg/env"
	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"
	"github.com/LeeDigitalWorks/ldapgate/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var authenticateCmd = &cobra.Command{
	Use:   "authenticate",
	Short: "Run a single connection attempt and print the outcome",
	Long: `Run one connection attempt through the gate against the configured
directory and print the outcome as JSON. Exits 1 when the attempt is denied.

Omitting --password sends no password at all, which is denied as
Unauthorized. Pass --password "" to send an empty one.`,
	Run: runAuthenticate,
}

func init() {
	rootCmd.AddCommand(authenticateCmd)

	f := authenticateCmd.Flags()
	f.String("user", "", "Username to authenticate")
	f.String("password", "", "Password (omit to send none)")
	f.Bool("ssl", true, "Whether the client connection uses SSL")
	f.String("truststore", "", "Client trust store path (SSLTrustStorePath)")
	f.String("truststore_password", "", "Client trust store password (SSLTrustStorePassword)")

	addGateFlags(authenticateCmd)
}

type outcome struct {
	Authorized bool   `json:"authorized"`
	DN         string `json:"dn,omitempty"`
	CN         string `json:"cn,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

func runAuthenticate(cmd *cobra.Command, args []string) {
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("ldapgate", false)
	env.Refresh()

	// A trust store named on the command line is local to the operator.
	if path := viper.GetString("truststore"); path != "" && viper.GetString("truststore_dir") == "" {
		viper.Set("truststore_dir", filepath.Dir(utils.ResolvePath(path)))
	}

	setup, err := setupGate()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up gate")
	}
	defer setup.Close()

	f := NewFlagLoader(cmd)
	req := auth.Request{
		Username:       f.String("user"),
		SSLEnabled:     f.Bool("ssl"),
		TrustStorePath: f.String("truststore"),
	}
	if cmd.Flags().Changed("password") {
		req.Password = auth.String(f.String("password"))
	}
	if cmd.Flags().Changed("truststore_password") {
		req.TrustStorePassword = auth.String(f.String("truststore_password"))
	}

	var out outcome
	principal, err := setup.Gate.Authenticate(cmd.Context(), req)
	if err != nil {
		out = outcome{Kind: auth.KindOf(err).String(), Message: err.Error()}
	} else {
		out = outcome{Authorized: true, DN: principal.DN, CN: principal.CN()}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)

	if !out.Authorized {
		setup.Close()
		os.Exit(1)
	}
}
