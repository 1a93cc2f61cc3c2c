// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tetherlabs/tether/lib/clock"
	"github.com/tetherlabs/tether/lib/config"
	"github.com/tetherlabs/tether/lib/llm"
	"github.com/tetherlabs/tether/session"
	"github.com/tetherlabs/tether/store"
	"github.com/tetherlabs/tether/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tether-server:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "configuration file (defaults to $TETHER_CONFIG)")
	pflag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Environment == config.Development {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	systemClock := clock.Real()

	st, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    systemClock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	apiKey, err := cfg.APIKey()
	if err != nil {
		return err
	}
	client, err := llm.NewClient(llm.ClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  apiKey,
	})
	if err != nil {
		return err
	}

	conns := newConnRegistry()

	// Until an external identity provider is wired in, the bearer
	// token is taken as the user id directly. Fine for development
	// and single-tenant deployments; anything multi-tenant wants a
	// real Authenticator here.
	logger.Warn("using pass-through token authentication")

	host, err := session.NewHost(session.Config{
		Store:             st,
		Clock:             systemClock,
		Logger:            logger,
		Provider:          client,
		Forwarder:         client,
		Authenticator:     passthroughAuthenticator{},
		ConnLookup:        conns.lookup,
		IdleTimeout:       cfg.Session.IdleTimeout.Std(),
		ConfigTTL:         cfg.Session.ConfigTTL.Std(),
		QuotaTTL:          cfg.Session.QuotaTTL.Std(),
		HeartbeatInterval: cfg.Hub.HeartbeatInterval.Std(),
		DispatchTimeout:   cfg.Hub.DispatchTimeout.Std(),
		ExecTimeout:       cfg.Hub.ExecTimeout.Std(),
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}

	tunnels, err := tunnel.NewRegistry(tunnel.Config{
		Clock:          systemClock,
		Logger:         logger,
		RequestTimeout: cfg.Tunnel.RequestTimeout.Std(),
	})
	if err != nil {
		return err
	}

	handler := newServer(cfg, logger, host, tunnels, conns)
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	logger.Info("tether server running",
		"listen", cfg.Server.Listen,
		"environment", cfg.Environment,
		"store", cfg.Store.Path,
	)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// passthroughAuthenticator accepts any non-empty bearer token and uses
// it as the user id.
type passthroughAuthenticator struct{}

func (passthroughAuthenticator) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}
