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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
)

type fakeDevice struct {
	canPush bool
	closed  bool
	sent    []string
}

func (d *fakeDevice) CanPush() bool { return d.canPush }

func (d *fakeDevice) Send(msg string) error {
	d.sent = append(d.sent, msg)
	return nil
}

func (d *fakeDevice) Close() { d.closed = true }

type fakeInspector struct {
	closed bool
	sent   []string
}

func (i *fakeInspector) Send(msg string) error {
	i.sent = append(i.sent, msg)
	return nil
}

func (i *fakeInspector) Close() { i.closed = true }

func newTestRegistry() *Registry {
	return New(logger.NewTestLogger(), metrics.NewRelayMetrics())
}

func TestCreateAndFind(t *testing.T) {
	r := newTestRegistry()

	tok, err := r.Create(TokenTypeFromInspector, "abc123", 10, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, tok)

	assert.Same(t, tok, r.Find("abc123"))
	assert.Nil(t, r.Find("missing"))
	assert.Equal(t, 1, r.Size())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(TokenTypeFromDevice, "dup", 0, time.Hour)
	require.NoError(t, err)

	_, err = r.Create(TokenTypeFromInspector, "dup", 0, time.Hour)
	require.ErrorIs(t, err, ErrTokenExists)
	assert.Equal(t, 1, r.Size())
}

func TestGenerateTokenID(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		id := GenerateTokenID()
		require.Len(t, id, tokenIDLength)
		require.False(t, seen[id], "generated duplicate token id")
		seen[id] = true

		for _, c := range id {
			assert.Contains(t, tokenAlphabet, string(c))
		}
	}
}

func TestReplaceDeviceLastWriterWins(t *testing.T) {
	r := newTestRegistry()
	tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, time.Hour)
	require.NoError(t, err)

	first := &fakeDevice{canPush: true}
	previous, ok := tok.ReplaceDevice(first)
	require.True(t, ok)
	assert.Nil(t, previous)

	second := &fakeDevice{canPush: true}
	previous, ok = tok.ReplaceDevice(second)
	require.True(t, ok)
	assert.Same(t, first, previous)
	assert.Same(t, DeviceConnection(second), tok.Device())

	// A stale detach from the evicted connection must not clear the
	// current device.
	assert.False(t, tok.DetachDevice(first))
	assert.Same(t, DeviceConnection(second), tok.Device())

	assert.True(t, tok.DetachDevice(second))
	assert.Nil(t, tok.Device())
}

func TestAttachFailsAfterRemoval(t *testing.T) {
	r := newTestRegistry()
	tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, time.Hour)
	require.NoError(t, err)

	require.True(t, r.Remove("tok1"))
	assert.Nil(t, r.Find("tok1"))

	_, ok := tok.ReplaceDevice(&fakeDevice{canPush: true})
	assert.False(t, ok)
	assert.False(t, tok.AttachInspector(&fakeInspector{}))
}

func TestRemoveClosesConnections(t *testing.T) {
	r := newTestRegistry()
	tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, time.Hour)
	require.NoError(t, err)

	dev := &fakeDevice{canPush: true}
	insp1 := &fakeInspector{}
	insp2 := &fakeInspector{}

	_, ok := tok.ReplaceDevice(dev)
	require.True(t, ok)
	require.True(t, tok.AttachInspector(insp1))
	require.True(t, tok.AttachInspector(insp2))

	require.True(t, r.Remove("tok1"))

	assert.True(t, dev.closed)
	assert.True(t, insp1.closed)
	assert.True(t, insp2.closed)
}

func TestRemoveIfOrphaned(t *testing.T) {
	t.Run("removes token with no connections", func(t *testing.T) {
		r := newTestRegistry()
		tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, time.Hour)
		require.NoError(t, err)

		assert.True(t, r.RemoveIfOrphaned(tok))
		assert.Nil(t, r.Find("tok1"))
	})

	t.Run("keeps token with a device", func(t *testing.T) {
		r := newTestRegistry()
		tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, time.Hour)
		require.NoError(t, err)

		_, ok := tok.ReplaceDevice(&fakeDevice{canPush: true})
		require.True(t, ok)

		assert.False(t, r.RemoveIfOrphaned(tok))
		assert.NotNil(t, r.Find("tok1"))
	})

	t.Run("keeps token with an inspector", func(t *testing.T) {
		r := newTestRegistry()
		tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, time.Hour)
		require.NoError(t, err)

		require.True(t, tok.AttachInspector(&fakeInspector{}))

		assert.False(t, r.RemoveIfOrphaned(tok))
	})

	t.Run("never removes persistent tokens", func(t *testing.T) {
		r := newTestRegistry()
		tok, err := r.Create(TokenTypePersistent, "tok1", 0, time.Hour)
		require.NoError(t, err)

		assert.False(t, r.RemoveIfOrphaned(tok))
		assert.NotNil(t, r.Find("tok1"))
	})
}

func TestExpirationCheck(t *testing.T) {
	r := newTestRegistry()

	// A zero expiration delay is already in the past.
	expired, err := r.Create(TokenTypeFromInspector, "expired", 0, 0)
	require.NoError(t, err)

	_, err = r.Create(TokenTypeFromInspector, "alive", 0, time.Hour)
	require.NoError(t, err)

	persistent, err := r.Create(TokenTypePersistent, "forever", 0, 0)
	require.NoError(t, err)

	insp := &fakeInspector{}
	require.True(t, expired.AttachInspector(insp))

	r.ExpirationCheck()

	assert.Nil(t, r.Find("expired"))
	assert.True(t, insp.closed, "expiration must close attached sockets")
	assert.NotNil(t, r.Find("alive"))
	assert.Same(t, persistent, r.Find("forever"))
}

func TestSetPersistentSurvivesExpiration(t *testing.T) {
	r := newTestRegistry()

	tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, 0)
	require.NoError(t, err)

	tok.SetPersistent()
	r.ExpirationCheck()

	assert.NotNil(t, r.Find("tok1"))
	assert.Equal(t, TokenTypePersistent, tok.Type())
}

func TestListReflectsCreationOrder(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(TokenTypeFromDevice, "first", 0, time.Hour)
	require.NoError(t, err)
	_, err = r.Create(TokenTypePersistent, "second", 0, time.Hour)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)

	assert.Equal(t, "first", list[0].TokenID)
	assert.Equal(t, "second", list[1].TokenID)
	assert.False(t, list[0].IsPersistent)
	assert.True(t, list[1].IsPersistent)
	assert.Greater(t, list[0].MsUntilExpiration, float64(0))
	assert.LessOrEqual(t, list[0].MsUntilExpiration, float64(time.Hour/time.Millisecond))
}

func TestListClampsExpiredRemaining(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(TokenTypePersistent, "old", 0, -time.Hour)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, float64(0), list[0].MsUntilExpiration)
}

func TestUpdateExpirationDelay(t *testing.T) {
	r := newTestRegistry()

	tok, err := r.Create(TokenTypeFromInspector, "tok1", 0, 0)
	require.NoError(t, err)

	tok.UpdateExpirationDelay(time.Hour)
	r.ExpirationCheck()

	assert.NotNil(t, r.Find("tok1"))
}

func TestHistoryEvictsOldest(t *testing.T) {
	r := newTestRegistry()

	tok, err := r.Create(TokenTypeFromDevice, "tok1", 3, time.Hour)
	require.NoError(t, err)

	for _, line := range []string{"a", "b", "c", "d", "e"} {
		tok.AddHistory(line)
	}

	history, maxSize := tok.HistorySnapshot()
	assert.Equal(t, []string{"c", "d", "e"}, history)
	assert.Equal(t, 3, maxSize)
}

func TestHistoryDisabledAtZeroCapacity(t *testing.T) {
	r := newTestRegistry()

	tok, err := r.Create(TokenTypeFromDevice, "tok1", 0, time.Hour)
	require.NoError(t, err)

	tok.AddHistory("a")

	history, maxSize := tok.HistorySnapshot()
	assert.Empty(t, history)
	assert.Equal(t, 0, maxSize)
}

func TestPlayerRoster(t *testing.T) {
	r := newTestRegistry()

	tok, err := r.Create(TokenTypeFromDevice, "tok1", 0, time.Hour)
	require.NoError(t, err)

	tok.RegisterPlayer(models.PlayerInfo{PlayerID: "p1", Commands: []string{"play"}})
	tok.RegisterPlayer(models.PlayerInfo{PlayerID: "p2", Commands: []string{"pause"}})

	players := tok.Players()
	require.Len(t, players, 2)
	assert.Equal(t, "p1", players[0].PlayerID)

	assert.True(t, tok.UnregisterPlayer("p1"))
	assert.False(t, tok.UnregisterPlayer("p1"))

	players = tok.Players()
	require.Len(t, players, 1)
	assert.Equal(t, "p2", players[0].PlayerID)

	// A new handshake starts from an empty roster.
	tok.ClearPlayers()
	assert.Empty(t, tok.Players())
}
