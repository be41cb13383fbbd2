// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowguard classifies flows from packet captures and serves the
// admin API.
//
// Usage:
//
//	flowguard -config flowguard.hcl [-api 127.0.0.1:9090] [-serve] capture.pcap...
//
// Captures are replayed in order on a clock driven by packet timestamps.
// With no captures, or with -serve, the process keeps running until SIGINT
// or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flowguard", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (.hcl, .json, .yaml)")
	listen := fs.String("api", "", "Admin API listen address, overrides api.listen")
	serve := fs.Bool("serve", false, "Keep running after replaying captures")
	checkOnly := fs.Bool("check", false, "Validate the config and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowguard: %v\n", err)
			return exitConfig
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "flowguard: %v\n", err)
		return exitConfig
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *checkOnly {
		fmt.Fprintln(os.Stderr, "flowguard: config ok")
		return exitOK
	}

	logger := logging.New(cfg.LoggingConfig())
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	captures := fs.Args()
	err := runPipeline(ctx, logger, cfg, captures, *serve || len(captures) == 0)
	switch {
	case err == nil:
		return exitOK
	case errors.IsKind(err, errors.KindConfig):
		logger.Error("Invalid configuration", "error", err)
		return exitConfig
	default:
		logger.Error("flowguard failed", "error", err)
		return exitError
	}
}
