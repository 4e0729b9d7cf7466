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

package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/models"
	"github.com/canalplus/rxpaired-server/pkg/registry"
)

const (
	// maxTokenIDLength bounds operator-supplied token ids.
	maxTokenIDLength = 100

	// listRefreshInterval is how often "list" subscribers receive a
	// fresh token snapshot.
	listRefreshInterval = 3 * time.Second

	commandList    = "list"
	commandPersist = "persist"
)

var tokenIDRegexp = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// inspectorConn is one attached inspector socket together with its ping
// timer.
type inspectorConn struct {
	conn *wsConn

	mu       sync.Mutex
	stopPing func()
}

func (c *inspectorConn) Send(msg string) error {
	return c.conn.Send(msg)
}

func (c *inspectorConn) setStopPing(stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopPing = stop
}

func (c *inspectorConn) Close() {
	c.mu.Lock()
	stop := c.stopPing
	c.mu.Unlock()

	if stop != nil {
		stop()
	}

	c.conn.Close()
}

// handleInspector services one inspector WebSocket for its whole
// lifetime.
func (s *Server) handleInspector(w http.ResponseWriter, r *http.Request, subPath string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("address", r.RemoteAddr).
			Msg("Failed to upgrade inspector connection")

		return
	}

	wsc := newWSConn(conn)

	parts := parseInspectorURL(subPath, s.cfg.Password != "")
	if parts.password != s.cfg.Password {
		s.log.Warn().
			Str("address", r.RemoteAddr).
			Msg("Received inspector request with invalid password")
		wsc.Close()
		s.guard.CheckBadPassword()

		return
	}

	// The "list" command subscribes to the active-token snapshot
	// instead of attaching to one token.
	if parts.command == commandList {
		s.handleTokenListSubscription(wsc, r.RemoteAddr)
		return
	}

	if parts.tokenID == "" {
		wsc.Close()
		return
	}

	s.guard.CheckNewInspector()

	if len(parts.tokenID) > maxTokenIDLength {
		s.log.Warn().
			Int("length", len(parts.tokenID)).
			Msg("Received inspector request with token too long")
		wsc.Close()

		return
	}

	if !tokenIDRegexp.MatchString(parts.tokenID) {
		s.log.Warn().
			Str("token", parts.tokenID).
			Msg("Received inspector request with invalid token")
		wsc.Close()

		return
	}

	s.log.Info().
		Str("address", r.RemoteAddr).
		Str("token", parts.tokenID).
		Str("command", parts.command).
		Msg("Received authorized inspector connection")

	isPersist := parts.command == commandPersist

	tok := s.registry.Find(parts.tokenID)
	if tok == nil {
		tokenType := registry.TokenTypeFromInspector
		if isPersist {
			tokenType = registry.TokenTypePersistent
		}

		expiration := s.cfg.MaxTokenDuration.Std()
		if parts.hasExpiration {
			expiration = parts.expiration
		}

		tok, err = s.registry.Create(tokenType, parts.tokenID, s.cfg.HistorySize, expiration)
		if err != nil {
			wsc.Close()
			return
		}
	} else {
		if isPersist {
			tok.SetPersistent()
		}

		if parts.hasExpiration {
			tok.UpdateExpirationDelay(parts.expiration)
		}

		s.log.Info().
			Str("token", tok.ID()).
			Msg("Adding new inspector to token")
	}

	if isPersist {
		record := models.PersistentTokenRecord{
			TokenID:   tok.ID(),
			CreatedAt: tok.CreatedAt(),
		}
		if err := s.store.Add(record); err != nil {
			s.log.Warn().
				Err(err).
				Str("token", tok.ID()).
				Msg("Could not persist token record")
		}
	}

	s.metrics.InspectorConnectionsTotal.Inc()

	insp := &inspectorConn{conn: wsc}
	if !tok.AttachInspector(insp) {
		wsc.Close()
		return
	}

	insp.setStopPing(s.startPing(wsc))

	if err := wsc.Send("ack"); err != nil {
		s.log.Warn().
			Err(err).
			Str("token", tok.ID()).
			Msg("Error while acknowledging inspector connection")
	}

	// A late-joining inspector reconstructs state from the Init replay
	// and the current player roster.
	s.relay.ReplayState(tok, insp)

	s.registry.ExpirationCheck()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		s.relay.OnInspectorMessage(tok, insp, string(data))
	}

	insp.Close()

	if tok.DetachInspector(insp) {
		s.log.Info().
			Str("address", r.RemoteAddr).
			Str("token", tok.ID()).
			Msg("Inspector disconnected")
		s.registry.RemoveIfOrphaned(tok)
	}
}

// handleTokenListSubscription pushes the active-token list immediately
// and then on a fixed interval until the inspector disconnects.
func (s *Server) handleTokenListSubscription(wsc *wsConn, remoteAddr string) {
	s.log.Info().
		Str("address", remoteAddr).
		Msg("Received inspector request for list of tokens")

	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(listRefreshInterval)
		defer ticker.Stop()

		s.sendTokenList(wsc)

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sendTokenList(wsc)
			}
		}
	}()

	// Read loop for disconnect detection only; list subscribers have
	// nothing to say beyond pong.
	for {
		if _, _, err := wsc.conn.ReadMessage(); err != nil {
			break
		}
	}

	close(stop)
	wsc.Close()
}

func (s *Server) sendTokenList(wsc *wsConn) {
	s.registry.ExpirationCheck()

	data, err := json.Marshal(models.TokenListMessage{
		IsNoTokenEnabled: !s.cfg.DisableNoToken,
		TokenList:        s.registry.List(),
	})
	if err != nil {
		return
	}

	if err := wsc.Send(string(data)); err != nil {
		s.log.Warn().
			Err(err).
			Msg("Error while sending token list to an inspector")
	}
}
