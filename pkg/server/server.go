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

// Package server accepts device and inspector connections and wires
// them to the relay. One port carries everything: WebSocket upgrades for
// both sides (inspectors under the /!inspector/ path prefix) and HTTP
// POST log batches from devices without WebSocket support.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canalplus/rxpaired-server/pkg/guard"
	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
	"github.com/canalplus/rxpaired-server/pkg/registry"
	"github.com/canalplus/rxpaired-server/pkg/relay"
	"github.com/canalplus/rxpaired-server/pkg/store"
)

const (
	inspectorPathPrefix = "/!inspector/"

	// pingInterval is how often the server pings devices and
	// inspectors over WebSocket.
	pingInterval = 10 * time.Second

	// expirationSweepInterval is the period of the background token
	// expiration check.
	expirationSweepInterval = 5 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Server owns the HTTP listener and the per-connection goroutines.
type Server struct {
	cfg      *models.ServerConfig
	log      logger.Logger
	registry *registry.Registry
	guard    *guard.Guard
	relay    *relay.Relay
	store    *store.Store
	metrics  *metrics.RelayMetrics
	upgrader websocket.Upgrader
}

func New(
	cfg *models.ServerConfig,
	log logger.Logger,
	reg *registry.Registry,
	g *guard.Guard,
	rel *relay.Relay,
	st *store.Store,
	m *metrics.RelayMetrics,
) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		guard:    g,
		relay:    rel,
		store:    st,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The token is the capability; origins are not restricted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP routes each request by transport: WebSocket upgrades go to
// the device or inspector handlers, POSTs carry device log batches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if strings.HasPrefix(r.URL.Path, inspectorPathPrefix) {
			s.handleInspector(w, r, strings.TrimPrefix(r.URL.Path, "/!inspector"))
			return
		}

		s.handleDeviceWebSocket(w, r)

		return
	}

	if r.Method == http.MethodPost {
		s.handleDevicePost(w, r)
		return
	}

	http.NotFound(w, r)
}

// Run serves until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsServer = &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()

	go s.expirationSweep(sweepCtx)

	errCh := make(chan error, 2)

	go func() {
		s.log.Info().
			Str("listen_addr", s.cfg.ListenAddr).
			Msg("Listening for devices and inspectors")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if metricsServer != nil {
		go func() {
			s.log.Info().
				Str("metrics_addr", s.cfg.MetricsAddr).
				Msg("Serving metrics")

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var err error

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return err
}

// expirationSweep periodically removes expired tokens so their sockets
// do not linger until the next inspector asks.
func (s *Server) expirationSweep(ctx context.Context) {
	ticker := time.NewTicker(expirationSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.ExpirationCheck()
		}
	}
}

// startPing pings the given socket every pingInterval until stopped or
// until a write fails. The returned stop function is idempotent and is
// part of every connection's teardown path.
func (s *Server) startPing(wsc *wsConn) (stop func()) {
	stopCh := make(chan struct{})

	var once sync.Once

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := wsc.Send("ping"); err != nil {
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopCh) })
	}
}

// newLogSink creates the per-device-connection log file sink, or nil
// when log files are disabled.
func (s *Server) newLogSink(tokenID string, connectedAt time.Time) *relay.LogSink {
	if !s.cfg.CreateLogFiles {
		return nil
	}

	return relay.NewLogSink(s.cfg.LogFileDirectory, tokenID, connectedAt, s.log)
}
