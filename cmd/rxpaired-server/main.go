/*
 * Copyright 2025 Canal+ Group.
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
	"os/signal"
	"syscall"

	"github.com/canalplus/rxpaired-server/pkg/config"
	"github.com/canalplus/rxpaired-server/pkg/guard"
	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
	"github.com/canalplus/rxpaired-server/pkg/registry"
	"github.com/canalplus/rxpaired-server/pkg/relay"
	"github.com/canalplus/rxpaired-server/pkg/server"
	"github.com/canalplus/rxpaired-server/pkg/store"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to server config file (optional, defaults apply)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := models.DefaultServerConfig()
	if err := config.LoadAndValidate(ctx, *configPath, cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	srvLogger, err := logger.NewComponentLogger("rxpaired-server", cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	relayMetrics := metrics.NewRelayMetrics()
	reg := registry.New(srvLogger, relayMetrics)

	// Exceeding an abuse limit is fatal by design: zerolog's Fatal
	// event terminates the process.
	g := guard.New(cfg, srvLogger, relayMetrics, func(cat guard.Category) {
		srvLogger.Fatal().
			Str("category", cat.String()).
			Msg("Abuse limit exceeded")
	})
	go g.Run(ctx)

	tokenStore := store.New(cfg.PersistentTokensFile, srvLogger)

	records, err := tokenStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load persistent tokens: %w", err)
	}

	for _, rec := range records {
		if _, err := reg.Create(
			registry.TokenTypePersistent,
			rec.TokenID,
			cfg.HistorySize,
			cfg.MaxTokenDuration.Std(),
		); err != nil {
			srvLogger.Warn().
				Err(err).
				Str("token", rec.TokenID).
				Msg("Skipping duplicate persistent token record")
		}
	}

	rel := relay.New(cfg, srvLogger, g, relayMetrics)
	srv := server.New(cfg, srvLogger, reg, g, rel, tokenStore, relayMetrics)

	return srv.Run(ctx)
}
