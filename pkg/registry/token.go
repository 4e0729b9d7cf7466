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

package registry

import (
	"sync"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/models"
)

// TokenType governs a token's expiration and removal policy.
type TokenType int

const (
	// TokenTypeFromDevice tokens are created by a device connecting on
	// the no-token path.
	TokenTypeFromDevice TokenType = iota
	// TokenTypeFromInspector tokens are created by an inspector
	// connecting with an unknown token id.
	TokenTypeFromInspector
	// TokenTypePersistent tokens never expire and are only removed by
	// explicit administrative action.
	TokenTypePersistent
)

func (t TokenType) String() string {
	switch t {
	case TokenTypeFromDevice:
		return "from-device"
	case TokenTypeFromInspector:
		return "from-inspector"
	case TokenTypePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// DeviceConnection is the capability interface through which the relay
// talks to whatever transport the device used. Routing logic never
// branches on the transport beyond checking CanPush.
type DeviceConnection interface {
	// CanPush reports whether the server can push data to the device.
	// HTTP POST devices cannot receive pushed data.
	CanPush() bool
	// Send forwards a raw message to the device.
	Send(msg string) error
	// Close tears the connection down, cancelling any timer it owns.
	Close()
}

// InspectorConnection is one attached inspector socket.
type InspectorConnection interface {
	Send(msg string) error
	// Close tears the connection down, cancelling its ping timer.
	Close()
}

// Token pairs one device with any number of inspectors. All fields are
// guarded by mu; connection teardown always happens outside the lock.
type Token struct {
	mu sync.Mutex

	id          string
	tokenType   TokenType
	createdAt   time.Time
	expiration  time.Duration
	historySize int

	device     DeviceConnection
	inspectors []InspectorConnection

	initData *models.DeviceInitData
	players  []models.PlayerInfo
	history  []string

	// removed marks a token that left the registry; attach attempts on
	// a removed token must fail so the caller re-resolves it.
	removed bool
}

func newToken(tokenType TokenType, id string, historySize int, expiration time.Duration) *Token {
	return &Token{
		id:          id,
		tokenType:   tokenType,
		createdAt:   time.Now(),
		expiration:  expiration,
		historySize: historySize,
	}
}

func (t *Token) ID() string {
	return t.id
}

func (t *Token) Type() TokenType {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tokenType
}

// SetPersistent upgrades the token so it survives every removal policy
// except explicit deletion.
func (t *Token) SetPersistent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tokenType = TokenTypePersistent
}

func (t *Token) CreatedAt() time.Time {
	return t.createdAt
}

// UpdateExpirationDelay changes the token's lifetime after creation.
func (t *Token) UpdateExpirationDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expiration = d
}

// Remaining returns the time left before expiration, which may be
// negative. Persistent tokens report their nominal delay but are never
// expired by the registry.
func (t *Token) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.createdAt.Add(t.expiration).Sub(now)
}

func (t *Token) expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tokenType != TokenTypePersistent && !now.Before(t.createdAt.Add(t.expiration))
}

// ReplaceDevice attaches conn as the token's device, returning the
// previous connection so the caller can close it outside the lock.
// Last-writer-wins: a second device connecting with the same token evicts
// the first. ok is false when the token already left the registry.
func (t *Token) ReplaceDevice(conn DeviceConnection) (previous DeviceConnection, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return nil, false
	}

	previous = t.device
	t.device = conn

	return previous, true
}

// DetachDevice clears the device slot if conn is still the current
// device. Stale close events from an evicted connection are ignored.
func (t *Token) DetachDevice(conn DeviceConnection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.device == nil || t.device != conn {
		return false
	}

	t.device = nil

	return true
}

func (t *Token) Device() DeviceConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.device
}

// AttachInspector appends conn to the inspector list, in insertion order.
func (t *Token) AttachInspector(conn InspectorConnection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return false
	}

	t.inspectors = append(t.inspectors, conn)

	return true
}

func (t *Token) DetachInspector(conn InspectorConnection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, insp := range t.inspectors {
		if insp == conn {
			t.inspectors = append(t.inspectors[:i], t.inspectors[i+1:]...)
			return true
		}
	}

	return false
}

// Inspectors returns a snapshot of the attached inspectors for fan-out.
func (t *Token) Inspectors() []InspectorConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]InspectorConnection, len(t.inspectors))
	copy(out, t.inspectors)

	return out
}

func (t *Token) InspectorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inspectors)
}

// SetInitData records the device's Init handshake. Until this is set,
// nothing is relayed to inspectors.
func (t *Token) SetInitData(data models.DeviceInitData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.initData = &data
}

func (t *Token) InitData() *models.DeviceInitData {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.initData
}

// ClearPlayers empties the player roster. Every new Init handshake
// starts from a clean roster.
func (t *Token) ClearPlayers() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.players = nil
}

func (t *Token) RegisterPlayer(p models.PlayerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.players = append(t.players, p)
}

func (t *Token) UnregisterPlayer(playerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.players {
		if p.PlayerID == playerID {
			t.players = append(t.players[:i], t.players[i+1:]...)
			return true
		}
	}

	return false
}

func (t *Token) Players() []models.PlayerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.PlayerInfo, len(t.players))
	copy(out, t.players)

	return out
}

// AddHistory appends a raw log line, evicting the oldest line once the
// configured capacity is reached. A capacity of 0 disables history.
func (t *Token) AddHistory(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.historySize <= 0 {
		return
	}

	if len(t.history) >= t.historySize {
		t.history = t.history[1:]
	}

	t.history = append(t.history, line)
}

// HistorySnapshot returns the retained log lines, oldest first, and the
// configured capacity.
func (t *Token) HistorySnapshot() (history []string, maxHistorySize int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history = make([]string, len(t.history))
	copy(history, t.history)

	return history, t.historySize
}

// teardown marks the token as removed and hands back every live
// connection so the registry can close them outside all locks.
func (t *Token) teardown() (device DeviceConnection, inspectors []InspectorConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removed = true
	device = t.device
	t.device = nil
	inspectors = t.inspectors
	t.inspectors = nil

	return device, inspectors
}
