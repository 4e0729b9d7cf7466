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
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/registry"
)

const (
	// noTokenPath is the device path requesting a server-generated
	// token.
	noTokenPath = "!notoken"

	// httpLivenessInterval is how often HTTP POST devices are checked
	// for liveness; httpDeviceTimeout is the silence after which such a
	// device is considered gone.
	httpLivenessInterval = 2 * time.Second
	httpDeviceTimeout    = 30 * time.Second
)

var (
	errInvalidPassword = errors.New("invalid password")
	errUnknownToken    = errors.New("unknown token")
	errTokenRemoved    = errors.New("token was removed")
	errCannotPush      = errors.New("device connected through HTTP POST cannot receive data")
)

// wsDevice is a device attached over a persistent WebSocket.
type wsDevice struct {
	conn *wsConn

	mu       sync.Mutex
	stopPing func()
}

func (*wsDevice) CanPush() bool { return true }

func (d *wsDevice) Send(msg string) error {
	return d.conn.Send(msg)
}

func (d *wsDevice) setStopPing(stop func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopPing = stop
}

func (d *wsDevice) Close() {
	d.mu.Lock()
	stop := d.stopPing
	d.mu.Unlock()

	if stop != nil {
		stop()
	}

	d.conn.Close()
}

// httpDevice is a device attached through repeated HTTP POST requests.
// There is no close event, so a liveness loop polls for silence.
type httpDevice struct {
	mu                 sync.Mutex
	lastSeen           time.Time
	initialConnectedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newHTTPDevice(now time.Time) *httpDevice {
	return &httpDevice{
		lastSeen:           now,
		initialConnectedAt: now,
		stop:               make(chan struct{}),
	}
}

func (*httpDevice) CanPush() bool { return false }

func (*httpDevice) Send(string) error { return errCannotPush }

func (d *httpDevice) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *httpDevice) seen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastSeen
}

// resolveDeviceToken validates a device connection attempt (WebSocket or
// HTTP POST) against the registry and the no-token policy. It never
// attaches anything: the caller owns the attach so it can evict a
// previous device outside the registry.
func (s *Server) resolveDeviceToken(path, remoteAddr string) (*registry.Token, error) {
	tokenID := strings.TrimPrefix(path, "/")

	if !s.cfg.DisableNoToken && strings.HasPrefix(tokenID, noTokenPath) {
		if s.cfg.Password != "" {
			pw := strings.TrimPrefix(strings.TrimPrefix(tokenID, noTokenPath), "/")
			if pw != s.cfg.Password {
				s.log.Warn().
					Str("address", remoteAddr).
					Msg("Received device request with invalid password")
				s.guard.CheckBadPassword()

				return nil, errInvalidPassword
			}
		}

		return s.registry.Create(
			registry.TokenTypeFromDevice,
			registry.GenerateTokenID(),
			s.cfg.HistorySize,
			s.cfg.MaxTokenDuration.Std(),
		)
	}

	tok := s.registry.Find(tokenID)
	if tok == nil {
		event := s.log.Warn().Str("address", remoteAddr)
		// Avoid filling the logging storage with bad tokens.
		if len(tokenID) <= maxTokenIDLength {
			event = event.Str("token", tokenID)
		}

		event.Msg("Received device request with unknown token")

		return nil, errUnknownToken
	}

	return tok, nil
}

// attachDevice installs conn as tok's device, evicting any previous
// device connection first. Last-writer-wins.
func (s *Server) attachDevice(tok *registry.Token, conn registry.DeviceConnection) (previous registry.DeviceConnection, err error) {
	previous, ok := tok.ReplaceDevice(conn)
	if !ok {
		return nil, errTokenRemoved
	}

	if previous != nil {
		if previous.CanPush() {
			s.log.Warn().
				Str("token", tok.ID()).
				Msg("A device was already connected with this token, closing previous connection")
		}

		previous.Close()
	}

	return previous, nil
}

// handleDeviceWebSocket services one device WebSocket for its whole
// lifetime.
func (s *Server) handleDeviceWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("address", r.RemoteAddr).
			Msg("Failed to upgrade device connection")

		return
	}

	wsc := newWSConn(conn)

	tok, err := s.resolveDeviceToken(r.URL.Path, r.RemoteAddr)
	if err != nil {
		wsc.Close()
		return
	}

	s.guard.CheckNewDevice()
	s.metrics.DeviceConnectionsTotal.Inc()

	s.log.Info().
		Str("address", r.RemoteAddr).
		Str("token", tok.ID()).
		Msg("Received authorized device WebSocket connection")

	dev := &wsDevice{conn: wsc}

	if _, err := s.attachDevice(tok, dev); err != nil {
		wsc.Close()
		return
	}

	sink := s.newLogSink(tok.ID(), time.Now())
	dev.setStopPing(s.startPing(wsc))

	if err := wsc.Send("ack"); err != nil {
		s.log.Warn().
			Err(err).
			Str("token", tok.ID()).
			Msg("Error while acknowledging device connection")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		s.relay.OnDeviceMessage(tok, string(data), sink)
	}

	dev.Close()

	if tok.DetachDevice(dev) {
		s.log.Info().
			Str("address", r.RemoteAddr).
			Str("token", tok.ID()).
			Msg("Device disconnected")
		s.registry.RemoveIfOrphaned(tok)
	}

	sink.Close()
}

// handleDevicePost services one HTTP POST batch from a device that
// cannot use WebSockets. The response body echoes the resolved token id
// so a no-token device can resume with the same token on its next POST.
func (s *Server) handleDevicePost(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	header.Set("Content-Type", "text/plain")
	header.Set("Access-Control-Allow-Origin", "*")

	tok, err := s.resolveDeviceToken(r.URL.Path, r.RemoteAddr)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	s.log.Info().
		Str("address", r.RemoteAddr).
		Str("token", tok.ID()).
		Msg("Received authorized device HTTP connection")

	now := time.Now()
	dev := newHTTPDevice(now)

	previous, err := s.attachDevice(tok, dev)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// Successive POSTs from the same device share one logical
	// connection, and so one log file. Only a fresh logical connection
	// counts as a new one; the connection guard is not checked here at
	// all, a polling device would trip it on its own.
	if prevHTTP, ok := previous.(*httpDevice); ok {
		dev.mu.Lock()
		dev.initialConnectedAt = prevHTTP.initialConnectedAt
		dev.mu.Unlock()
	} else {
		s.metrics.DeviceConnectionsTotal.Inc()
	}

	go s.httpLivenessLoop(tok, dev)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var messages []string
	if err := json.Unmarshal(body, &messages); err != nil {
		s.log.Warn().
			Err(err).
			Str("address", r.RemoteAddr).
			Msg("Received HTTP POST with invalid body")
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	sink := s.newLogSink(tok.ID(), dev.initialConnectedAt)

	for _, msg := range messages {
		s.relay.OnDeviceMessage(tok, msg, sink)
	}

	sink.Close()

	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(tok.ID())); err != nil {
		s.log.Warn().
			Err(err).
			Str("token", tok.ID()).
			Msg("Error while writing HTTP POST response")
	}
}

// httpLivenessLoop detaches an HTTP POST device once it has been silent
// for longer than httpDeviceTimeout. Non-persistent tokens with no
// inspector left are removed outright; persistent tokens only lose the
// device slot.
func (s *Server) httpLivenessLoop(tok *registry.Token, dev *httpDevice) {
	ticker := time.NewTicker(httpLivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dev.stop:
			return
		case <-ticker.C:
		}

		if tok.Device() != dev {
			return
		}

		if time.Since(dev.seen()) < httpDeviceTimeout {
			continue
		}

		if tok.InspectorCount() == 0 && tok.Type() != registry.TokenTypePersistent {
			s.registry.Remove(tok.ID())
		} else if tok.DetachDevice(dev) {
			s.log.Info().
				Str("token", tok.ID()).
				Msg("HTTP device timed out")
		}

		dev.Close()

		return
	}
}
