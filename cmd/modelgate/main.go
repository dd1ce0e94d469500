// modelgate - a multi-provider streaming completion gateway.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/modelgate/internal/config"
	"github.com/jeranaias/modelgate/internal/gateway"
	"github.com/jeranaias/modelgate/internal/provider"
	"github.com/jeranaias/modelgate/internal/secrets"
	"github.com/jeranaias/modelgate/internal/server"
	"github.com/jeranaias/modelgate/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (TOML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelgate %s (%s)\n", Version, GitCommit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "modelgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadService(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// The secrets manager is optional: without a master key the gateway
	// still serves ollama models, which need no credential.
	var manager *secrets.Manager
	if masterKey := os.Getenv(cfg.Secrets.MasterKeyEnv); masterKey != "" {
		salt, err := secrets.LoadOrCreateSalt(cfg.Secrets.SaltPath)
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}
		manager, err = secrets.NewManager(masterKey, salt)
		if err != nil {
			return fmt.Errorf("failed to initialize secrets manager: %w", err)
		}
	} else {
		log.Warn().
			Str("env", cfg.Secrets.MasterKeyEnv).
			Msg("no master key set; credential storage disabled, only local models will work")
	}

	var decrypter gateway.Decrypter = disabledSecrets{}
	if manager != nil {
		decrypter = manager
	}

	resolver := gateway.NewResolver(st, decrypter)
	orchestrator := gateway.New(resolver, provider.NewFactory(), st, log)

	srv := server.NewServer(cfg.Server.Listen, orchestrator, st, log)
	if manager != nil {
		srv.WithEncrypter(manager)
	}
	if cfg.Server.AuthToken != "" {
		srv.WithAuth(&server.AuthConfig{Enabled: true, BearerToken: cfg.Server.AuthToken})
	}
	if cfg.Server.RateLimitPerSecond > 0 {
		srv.WithRateLimiter(server.NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst))
	}

	// Reload logging level on config file changes.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, log, func(next *config.Service) {
			if lvl, err := zerolog.ParseLevel(next.Log.Level); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable")
		} else if err := watcher.Watch(); err != nil {
			log.Warn().Err(err).Msg("config watcher failed to start")
		} else {
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.With().Timestamp().Logger()
}

// disabledSecrets rejects every decryption attempt; used when no master key
// is configured.
type disabledSecrets struct{}

func (disabledSecrets) Decrypt(string) (string, error) {
	return "", secrets.ErrNotInitialized
}
