/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshforge/meshbridge/pkg/advertise"
	"github.com/meshforge/meshbridge/pkg/bridge"
	"github.com/meshforge/meshbridge/pkg/config"
	"github.com/meshforge/meshbridge/pkg/identify"
	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/orchestrator"
	"github.com/meshforge/meshbridge/pkg/scan"
	"github.com/meshforge/meshbridge/pkg/supervisor"
	"github.com/meshforge/meshbridge/pkg/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config file (optional)")
	yolo := flag.Bool("yolo", false, "Bridge the first identified device without prompting")
	daemon := flag.Bool("daemon", false, "Continuously bridge every identified device without prompting")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("meshbridge " + version.GetFullVersion())
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info().
		Str("version", version.GetVersion()).
		Str("build", version.GetBuildID()).
		Msg("Starting meshbridge")

	// A missing relay tool cannot be fixed by retrying; fail now.
	if err := supervisor.CheckRelayBinary(cfg.RelayBinary); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := bridge.NewRegistry(cfg.BasePort, appLogger)
	scanner := scan.NewScanner(appLogger)
	identifier := identify.NewIdentifier(cfg.BaudRate, appLogger)
	runner := supervisor.NewSocatRunner(cfg.RelayBinary)
	sup := supervisor.New(runner, cfg.BaudRate, nil, appLogger)
	adv := advertise.NewAdvertiser(appLogger)

	orch := orchestrator.New(scanner, identifier, registry, sup, adv, cfg, appLogger)

	switch {
	case *yolo:
		appLogger.Info().Msg("Automatic mode: bridging first identified device")
		return orch.RunAuto(ctx)
	case *daemon:
		appLogger.Info().Msg("Daemon mode: bridging every identified device")
		return orch.Run(ctx)
	default:
		return orch.RunInteractive(ctx, os.Stdin, os.Stdout)
	}
}
