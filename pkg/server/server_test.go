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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rxpaired-server/pkg/guard"
	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
	"github.com/canalplus/rxpaired-server/pkg/registry"
	"github.com/canalplus/rxpaired-server/pkg/relay"
	"github.com/canalplus/rxpaired-server/pkg/store"
)

func newTestServer(t *testing.T, mutate func(*models.ServerConfig)) (*httptest.Server, *registry.Registry) {
	t.Helper()

	cfg := models.DefaultServerConfig()
	if mutate != nil {
		mutate(cfg)
	}

	require.NoError(t, cfg.Validate())

	log := logger.NewTestLogger()
	m := metrics.NewRelayMetrics()
	reg := registry.New(log, m)
	g := guard.New(cfg, log, m, func(guard.Category) {})
	rel := relay.New(cfg, log, g, m)
	st := store.New(cfg.PersistentTokensFile, log)

	ts := httptest.NewServer(New(cfg, log, reg, g, rel, st, m))
	t.Cleanup(ts.Close)

	return ts, reg
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	if resp != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() { conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	return string(data)
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestDeviceNoTokenReceivesAck(t *testing.T) {
	ts, reg := newTestServer(t, nil)

	conn := dialWS(t, ts, "/!notoken")
	require.Equal(t, "ack", readMessage(t, conn))

	assert.Equal(t, 1, reg.Size())
}

func TestDeviceNoTokenDisabled(t *testing.T) {
	ts, reg := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.DisableNoToken = true
	})

	conn := dialWS(t, ts, "/!notoken")
	expectClosed(t, conn)

	assert.Equal(t, 0, reg.Size())
}

func TestDeviceUnknownTokenRejected(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn := dialWS(t, ts, "/doesNotExist")
	expectClosed(t, conn)
}

func TestDeviceNoTokenPassword(t *testing.T) {
	ts, reg := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.Password = "s3cret"
	})

	wrong := dialWS(t, ts, "/!notoken/wrong")
	expectClosed(t, wrong)
	assert.Equal(t, 0, reg.Size())

	right := dialWS(t, ts, "/!notoken/s3cret")
	require.Equal(t, "ack", readMessage(t, right))
	assert.Equal(t, 1, reg.Size())
}

func TestInspectorWrongPassword(t *testing.T) {
	ts, reg := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.Password = "s3cret"
	})

	conn := dialWS(t, ts, "/!inspector/wrong/abc123")
	expectClosed(t, conn)

	assert.Equal(t, 0, reg.Size())
}

func TestInspectorInvalidTokenRejected(t *testing.T) {
	ts, reg := newTestServer(t, nil)

	conn := dialWS(t, ts, "/!inspector/not-alphanumeric!")
	expectClosed(t, conn)

	assert.Equal(t, 0, reg.Size())
}

func TestDeviceInspectorRelay(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.HistorySize = 10
	})

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	device := dialWS(t, ts, "/abc123")
	require.Equal(t, "ack", readMessage(t, device))

	require.NoError(t, device.WriteMessage(websocket.TextMessage,
		[]byte("Init v1 12345 1700000000000")))

	initMsg := readMessage(t, inspector)
	assert.Contains(t, initMsg, `"type":"Init"`)
	assert.Contains(t, initMsg, `"timestamp":12345`)

	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte("a log line")))
	assert.Equal(t, "a log line", readMessage(t, inspector))
}

func TestEvalRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	device := dialWS(t, ts, "/abc123")
	require.Equal(t, "ack", readMessage(t, device))

	evalMsg := `{"type":"eval","value":{"instruction":"1+1","id":"req-1"}}`
	require.NoError(t, inspector.WriteMessage(websocket.TextMessage, []byte(evalMsg)))

	assert.Equal(t, evalMsg, readMessage(t, device))
}

func TestEvalErrorWithoutDevice(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	require.NoError(t, inspector.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"eval","value":{"instruction":"1+1","id":"req-2"}}`)))

	reply := readMessage(t, inspector)
	assert.Contains(t, reply, `"type":"eval-error"`)
	assert.Contains(t, reply, "Device not connected")
	assert.Contains(t, reply, `"id":"req-2"`)
}

func TestLateInspectorReceivesHistory(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.HistorySize = 10
	})

	first := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, first))

	device := dialWS(t, ts, "/abc123")
	require.Equal(t, "ack", readMessage(t, device))

	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte("Init v1 1 2")))
	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte("first line")))

	// Drain so the relay has processed both messages before the late
	// inspector joins.
	readMessage(t, first)
	require.Equal(t, "first line", readMessage(t, first))

	late := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, late))

	replay := readMessage(t, late)
	assert.Contains(t, replay, `"type":"Init"`)
	assert.Contains(t, replay, `"history":["first line"]`)
}

func TestDeviceLastWriterWins(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	first := dialWS(t, ts, "/abc123")
	require.Equal(t, "ack", readMessage(t, first))

	second := dialWS(t, ts, "/abc123")
	require.Equal(t, "ack", readMessage(t, second))

	// The first device's socket is closed by the eviction.
	expectClosed(t, first)
}

func TestHTTPPostDevice(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	body := strings.NewReader(`["Init v1 12345 1700000000000","a post log"]`)

	resp, err := http.Post(ts.URL+"/abc123", "text/plain", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(respBody))

	initMsg := readMessage(t, inspector)
	assert.Contains(t, initMsg, `"type":"Init"`)
	assert.Equal(t, "a post log", readMessage(t, inspector))
}

func TestHTTPPostInvalidBody(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	resp, err := http.Post(ts.URL+"/abc123", "text/plain", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPPostUnknownToken(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/doesNotExist", "text/plain", strings.NewReader(`[]`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenListSubscription(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	creator := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, creator))

	list := dialWS(t, ts, "/!inspector/!list")

	var msg models.TokenListMessage
	require.NoError(t, json.Unmarshal([]byte(readMessage(t, list)), &msg))

	assert.True(t, msg.IsNoTokenEnabled)
	require.Len(t, msg.TokenList, 1)
	assert.Equal(t, "abc123", msg.TokenList[0].TokenID)
	assert.False(t, msg.TokenList[0].IsPersistent)
}

func TestPersistCommandMarksToken(t *testing.T) {
	ts, reg := newTestServer(t, nil)

	conn := dialWS(t, ts, "/!inspector/!persist/abc123")
	require.Equal(t, "ack", readMessage(t, conn))

	tok := reg.Find("abc123")
	require.NotNil(t, tok)
	assert.Equal(t, registry.TokenTypePersistent, tok.Type())
}

func TestOrphanedTokenRemovedOnDisconnect(t *testing.T) {
	ts, reg := newTestServer(t, nil)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))
	require.Equal(t, 1, reg.Size())

	require.NoError(t, inspector.Close())

	require.Eventually(t, func() bool {
		return reg.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// A device falling back to HTTP polling posts a batch every few seconds
// for hours; that must never reach the fatal connection guard, which
// only WebSocket connections count toward.
func TestHTTPPostsDoNotTripDeviceGuard(t *testing.T) {
	cfg := models.DefaultServerConfig()
	cfg.DeviceConnectionLimit = 3
	require.NoError(t, cfg.Validate())

	log := logger.NewTestLogger()
	m := metrics.NewRelayMetrics()
	reg := registry.New(log, m)

	var trips atomic.Int32

	g := guard.New(cfg, log, m, func(guard.Category) { trips.Add(1) })
	rel := relay.New(cfg, log, g, m)

	ts := httptest.NewServer(New(cfg, log, reg, g, rel, store.New("", log), m))
	t.Cleanup(ts.Close)

	inspector := dialWS(t, ts, "/!inspector/abc123")
	require.Equal(t, "ack", readMessage(t, inspector))

	for i := 0; i < 4; i++ {
		resp, err := http.Post(ts.URL+"/abc123", "text/plain", strings.NewReader(`["a log"]`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.Zero(t, trips.Load(), "HTTP polling must not count as new device connections")

	// WebSocket device connections still count.
	for i := 0; i < 4; i++ {
		conn := dialWS(t, ts, "/abc123")
		require.Equal(t, "ack", readMessage(t, conn))
	}

	assert.Equal(t, int32(1), trips.Load())
}

func TestGetRequestNotFound(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/anything")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
