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

// Package relay routes messages between a token's device and its
// attached inspectors.
package relay

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/canalplus/rxpaired-server/pkg/guard"
	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
	"github.com/canalplus/rxpaired-server/pkg/registry"
)

// initRegex extracts the timestamp and date from the initial "Init" log
// sent by devices. The first number is a timestamp in milliseconds and
// the second the corresponding wall-clock date on the device when that
// timestamp was generated.
var initRegex = regexp.MustCompile(`^Init v1 ([0-9]+(?:\.[0-9]+)?) ([0-9]+(?:\.[0-9]+)?)$`)

// Relay classifies raw messages and applies the resulting history,
// persistence and fan-out side effects on the token.
type Relay struct {
	cfg     *models.ServerConfig
	log     logger.Logger
	guard   *guard.Guard
	metrics *metrics.RelayMetrics
}

func New(cfg *models.ServerConfig, log logger.Logger, g *guard.Guard, m *metrics.RelayMetrics) *Relay {
	return &Relay{
		cfg:     cfg,
		log:     log,
		guard:   g,
		metrics: m,
	}
}

// OnDeviceMessage handles one raw message from the device attached to
// tok, regardless of transport. sink may be nil when log files are
// disabled.
func (r *Relay) OnDeviceMessage(tok *registry.Token, msg string, sink *LogSink) {
	r.guard.CheckDeviceMessage()
	r.metrics.DeviceMessagesTotal.Inc()

	// Oversized messages are dropped without logging their content. The
	// limit counts UTF-16 code units, which is how the deployed clients
	// measure log length; the byte length is a cheap lower bound.
	if len(msg) > r.cfg.MaxLogLength && utf16Length(msg) > r.cfg.MaxLogLength {
		return
	}

	// Keepalive ack for the server's pings.
	if msg == "pong" {
		return
	}

	var (
		inspectorMsg, storedMsg, historyMsg    string
		hasInspectorMsg, hasStored, hasHistory bool
	)

	switch {
	case strings.HasPrefix(msg, "Init "):
		inspectorMsg, storedMsg, hasInspectorMsg = r.handleInit(tok, msg)
		hasStored = hasInspectorMsg

	case strings.HasPrefix(msg, "{"):
		inspectorMsg, storedMsg, hasInspectorMsg, hasStored = r.handleDeviceEnvelope(tok, msg)

	default:
		// Plain free-text log line.
		inspectorMsg, storedMsg, historyMsg = msg, msg, msg
		hasInspectorMsg, hasStored, hasHistory = true, true, true
	}

	if hasHistory {
		tok.AddHistory(historyMsg)
	}

	if hasStored && sink != nil {
		sink.Append(storedMsg)
	}

	// Nothing reaches inspectors before the device's Init handshake.
	if hasInspectorMsg && tok.InitData() != nil {
		r.fanOut(tok, inspectorMsg)
	}
}

// handleInit parses the device handshake. On success the player roster
// is reset and two envelopes are produced: a rich one for inspectors
// embedding the history snapshot, and a compact one for the log file.
func (r *Relay) handleInit(tok *registry.Token, msg string) (inspectorMsg, storedMsg string, ok bool) {
	r.log.Info().
		Str("token", tok.ID()).
		Msg("Received Init message")

	matches := initRegex.FindStringSubmatch(msg)
	if matches == nil {
		r.log.Warn().
			Str("token", tok.ID()).
			Str("message", msg).
			Msg("Could not parse the Init message from a device")

		return "", "", false
	}

	timestamp := normalizeNumber(matches[1])
	dateMs := normalizeNumber(matches[2])

	tok.ClearPlayers()
	tok.SetInitData(models.DeviceInitData{Timestamp: timestamp, DateMs: dateMs})

	history, maxHistorySize := tok.HistorySnapshot()

	inspectorBytes, err := json.Marshal(models.InitMessage{
		Type: models.MessageTypeInit,
		Value: models.InitValue{
			Timestamp:      timestamp,
			DateMs:         dateMs,
			History:        history,
			MaxHistorySize: maxHistorySize,
		},
	})
	if err != nil {
		return "", "", false
	}

	storedBytes, err := json.Marshal(models.StoredInitMessage{
		Type:  models.MessageTypeInit,
		Value: models.StoredInitValue{Timestamp: timestamp, DateMs: dateMs},
	})
	if err != nil {
		return "", "", false
	}

	return string(inspectorBytes), string(storedBytes), true
}

// normalizeNumber reduces a regex-matched decimal to its canonical JSON
// form, the way the clients' number coercion would ("0012" becomes 12).
// json.Marshal rejects json.Number values with leading zeros.
func normalizeNumber(s string) json.Number {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return json.Number(s)
	}

	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}

// utf16Length returns the length of s in UTF-16 code units. It is never
// larger than the byte length.
func utf16Length(s string) int {
	n := 0

	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}

	return n
}

// handleDeviceEnvelope processes JSON messages from a device.
// Unrecognized or malformed envelopes are swallowed without forwarding.
func (r *Relay) handleDeviceEnvelope(tok *registry.Token, msg string) (inspectorMsg, storedMsg string, hasInspectorMsg, hasStored bool) {
	var envelope struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal([]byte(msg), &envelope); err != nil {
		return "", "", false, false
	}

	switch envelope.Type {
	case models.MessageTypeRegisterPlayer:
		player, ok := parsePlayerRegistration(envelope.Value)
		if !ok {
			r.log.Warn().
				Str("token", tok.ID()).
				Str("message", msg).
				Msg("Could not parse a register-player message from a device")

			return "", "", false, false
		}

		r.log.Info().
			Str("token", tok.ID()).
			Str("player", player.PlayerID).
			Msg("Registering player")
		tok.RegisterPlayer(*player)

		canonical, err := json.Marshal(models.RegisterPlayerMessage{
			Type:  models.MessageTypeRegisterPlayer,
			Value: *player,
		})
		if err != nil {
			return "", "", false, false
		}

		return string(canonical), string(canonical), true, true

	case models.MessageTypeUnregisterPlayer:
		playerID, ok := parsePlayerUnregistration(envelope.Value)
		if !ok {
			r.log.Warn().
				Str("token", tok.ID()).
				Str("message", msg).
				Msg("Could not parse an unregister-player message from a device")

			return "", "", false, false
		}

		tok.UnregisterPlayer(playerID)

		canonical, err := json.Marshal(models.UnregisterPlayerMessage{
			Type:  models.MessageTypeUnregisterPlayer,
			Value: models.UnregisterPlayerValue{PlayerID: playerID},
		})
		if err != nil {
			return "", "", false, false
		}

		return string(canonical), string(canonical), true, true

	case models.MessageTypeEvalResult, models.MessageTypeEvalError:
		// Opaque passthrough: forwarded live, never persisted.
		return msg, "", true, false

	default:
		return "", "", false, false
	}
}

// OnInspectorMessage handles one raw message from an inspector attached
// to tok, forwarding it to the device or replying with a synthetic
// eval-error when no push-capable device is there to receive it.
func (r *Relay) OnInspectorMessage(tok *registry.Token, insp registry.InspectorConnection, msg string) {
	r.guard.CheckInspectorMessage()
	r.metrics.InspectorMessagesTotal.Inc()

	if msg == "pong" {
		return
	}

	parsed, ok := parseInspectorMessage(msg)
	if !ok {
		r.log.Warn().
			Str("token", tok.ID()).
			Msg("Unknown message type received from inspector")

		return
	}

	device := tok.Device()

	if device == nil {
		r.log.Warn().
			Str("token", tok.ID()).
			Msg("Could not forward inspector message: no device connected")
		r.replyEvalError(insp, parsed, "Device not connected")

		return
	}

	if !device.CanPush() {
		r.log.Warn().
			Str("token", tok.ID()).
			Msg("Could not forward inspector message: device connected through HTTP POST")
		r.replyEvalError(insp, parsed, "Device connected through HTTP POST")

		return
	}

	if err := device.Send(msg); err != nil {
		r.log.Warn().
			Err(err).
			Str("token", tok.ID()).
			Msg("Error while sending message to a device")
	}
}

// replyEvalError answers an eval request that could not reach a device.
// Commands in the same situation are simply dropped: there is no reply
// channel tied to them.
func (r *Relay) replyEvalError(insp registry.InspectorConnection, parsed *inspectorMessage, message string) {
	if parsed.eval == nil {
		return
	}

	reply, err := json.Marshal(models.EvalErrorMessage{
		Type: models.MessageTypeEvalError,
		Value: models.EvalErrorValue{
			Error: models.EvalErrorDetail{Message: message, Name: "Error"},
			ID:    parsed.eval.ID,
		},
	})
	if err != nil {
		return
	}

	if err := insp.Send(string(reply)); err != nil {
		r.log.Warn().
			Err(err).
			Msg("Error while sending eval-error to an inspector")
	}
}

// fanOut sends msg to every inspector currently attached to tok.
func (r *Relay) fanOut(tok *registry.Token, msg string) {
	for _, insp := range tok.Inspectors() {
		if err := insp.Send(msg); err != nil {
			r.log.Warn().
				Err(err).
				Str("token", tok.ID()).
				Msg("Error while sending log to an inspector")

			continue
		}

		r.metrics.RelayedMessagesTotal.Inc()
	}
}

// ReplayState sends the Init envelope and the current player roster to a
// newly attached inspector so it can reconstruct the device state. It is
// a no-op until the device completed its handshake.
func (r *Relay) ReplayState(tok *registry.Token, insp registry.InspectorConnection) {
	initData := tok.InitData()
	if initData == nil {
		return
	}

	history, maxHistorySize := tok.HistorySnapshot()

	initMsg, err := json.Marshal(models.InitMessage{
		Type: models.MessageTypeInit,
		Value: models.InitValue{
			Timestamp:      initData.Timestamp,
			DateMs:         initData.DateMs,
			History:        history,
			MaxHistorySize: maxHistorySize,
		},
	})
	if err != nil {
		return
	}

	if err := insp.Send(string(initMsg)); err != nil {
		r.log.Warn().
			Err(err).
			Str("token", tok.ID()).
			Msg("Error while replaying Init to an inspector")

		return
	}

	for _, player := range tok.Players() {
		playerMsg, err := json.Marshal(models.RegisterPlayerMessage{
			Type:  models.MessageTypeRegisterPlayer,
			Value: player,
		})
		if err != nil {
			continue
		}

		if err := insp.Send(string(playerMsg)); err != nil {
			r.log.Warn().
				Err(err).
				Str("token", tok.ID()).
				Msg("Error while replaying player roster to an inspector")
		}
	}
}
