// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/ldapgate/pkg/debug"
	"github.com/LeeDigitalWorks/ldapgate/pkg/env"
	"github.com/LeeDigitalWorks/ldapgate/pkg/logger"
	"github.com/LeeDigitalWorks/ldapgate/pkg/server"
	"github.com/LeeDigitalWorks/ldapgate/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServeOpts holds configuration for the gate server.
//
// The server uses two ports:
//   - port (default 8443): POST /v1/connect for client protocol front ends
//   - debug_port (default 8445): metrics, health, readiness, pprof
type ServeOpts struct {
	IP          string
	Port        int
	DebugPort   int
	CertFile    string
	KeyFile     string
	LogLevel    string
	IdleTimeout time.Duration

	RateLimit float64
	RateBurst int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the credential gate server",
	Long: `Start the gate server. Client protocol front ends post connection
properties to /v1/connect and relay the outcome:
- credentials require SSL and a loadable trust store
- usernames must be non-empty and free of ':'
- the password must bind against the directory
- the user must be a direct member of the authorized group
`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("ip", "0.0.0.0", "IP address to bind to")
	f.Int("port", 8443, "Port for the connect endpoint")
	f.Int("debug_port", 8445, "Debug HTTP port (metrics, pprof)")
	f.String("cert_file", "", "Path to TLS certificate file for the connect endpoint")
	f.String("key_file", "", "Path to TLS key file for the connect endpoint")
	f.String("log_level", "info", "Log level (debug, info, warn, error, fatal)")
	f.Duration("idle_timeout", 60*time.Second, "Read/write timeout on connect endpoint connections")
	f.Float64("rate_limit", 200, "Connection attempts per second (0 disables limiting)")
	f.Int("rate_burst", 400, "Burst of connection attempts above rate_limit")

	addGateFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("ldapgate", false)
	env.Refresh()
	opts := loadServeOpts(cmd)

	debug.SetNotReady()

	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	setup, err := setupGate()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up gate")
	}
	defer setup.Close()

	debug.SetReadyCheck(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return setup.Ping(ctx) == nil
	})

	handler := server.NewHandler(setup.Gate, server.Config{
		RateLimit: opts.RateLimit,
		Burst:     opts.RateBurst,
	})

	tlsConfig, err := utils.LoadServerTLSConfig(opts.CertFile, opts.KeyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load TLS credentials")
	}
	if tlsConfig == nil && env.IsProduction() {
		logger.Warn().Msg("connect endpoint is serving plaintext; terminate TLS in front of it")
	}

	connectServer := startHTTPServer(handler, opts.IP, opts.Port, opts.IdleTimeout, tlsConfig)
	debugServer := startHTTPServer(debug.GetMux(), opts.IP, opts.DebugPort, 0, nil)

	logger.Info().
		Str("connect_addr", utils.JoinHostPort(opts.IP, opts.Port)).
		Str("debug_addr", utils.JoinHostPort(opts.IP, opts.DebugPort)).
		Bool("tls", tlsConfig != nil).
		Str("env", env.Env).
		Msg("Gate server started")

	debug.SetReady()
	waitForShutdown()
	debug.SetNotReady()

	logger.Info().Msg("Shutting down gate server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connectServer.Shutdown(ctx)
	debugServer.Shutdown(ctx)
	logger.Info().Msg("Gate server stopped")
}

func loadServeOpts(cmd *cobra.Command) ServeOpts {
	f := NewFlagLoader(cmd)
	return ServeOpts{
		IP:          f.String("ip"),
		Port:        f.Int("port"),
		DebugPort:   f.Int("debug_port"),
		CertFile:    f.String("cert_file"),
		KeyFile:     f.String("key_file"),
		LogLevel:    f.String("log_level"),
		IdleTimeout: f.Duration("idle_timeout"),
		RateLimit:   f.Float64("rate_limit"),
		RateBurst:   f.Int("rate_burst"),
	}
}

func startHTTPServer(handler http.Handler, ip string, port int, timeout time.Duration, tlsConfig *tls.Config) *http.Server {
	var listener net.Listener
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port), timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("http_addr", listener.Addr().String()).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
