// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// modelgate service.
//
// Supports TOML configuration files with sensible defaults, environment
// variable overrides, validation, and live reload via fsnotify.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (MODELGATE_*)
//   - The TOML file passed on the command line
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.LoadService(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch for changes:
//
//	w, _ := config.NewWatcher(path, logger, func(next *config.Service) {
//	    // apply reloadable settings
//	})
//	w.Watch()
package config
