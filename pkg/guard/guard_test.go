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

package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
)

func newTestGuard(cfg *models.ServerConfig) (*Guard, *[]Category) {
	var fired []Category

	g := New(cfg, logger.NewTestLogger(), metrics.NewRelayMetrics(), func(cat Category) {
		fired = append(fired, cat)
	})

	return g, &fired
}

func TestGuardFiresOncePastLimit(t *testing.T) {
	cfg := &models.ServerConfig{WrongPasswordLimit: 3}
	g, fired := newTestGuard(cfg)

	for i := 0; i < 3; i++ {
		g.CheckBadPassword()
	}

	require.Empty(t, *fired, "limit itself must not trip the guard")

	g.CheckBadPassword()
	require.Len(t, *fired, 1)
	assert.Equal(t, CategoryBadPassword, (*fired)[0])

	// Subsequent checks of any category must not fire again.
	g.CheckBadPassword()
	g.CheckNewDevice()
	assert.Len(t, *fired, 1)
}

func TestGuardZeroLimitIsUnlimited(t *testing.T) {
	cfg := &models.ServerConfig{}
	g, fired := newTestGuard(cfg)

	for i := 0; i < 10_000; i++ {
		g.CheckDeviceMessage()
	}

	assert.Empty(t, *fired)
}

func TestGuardTracksCategoriesIndependently(t *testing.T) {
	cfg := &models.ServerConfig{
		DeviceConnectionLimit:    2,
		InspectorConnectionLimit: 5,
	}
	g, fired := newTestGuard(cfg)

	g.CheckNewInspector()
	g.CheckNewInspector()
	g.CheckNewDevice()
	g.CheckNewDevice()
	require.Empty(t, *fired)

	g.CheckNewDevice()
	require.Len(t, *fired, 1)
	assert.Equal(t, CategoryNewDevice, (*fired)[0])
}

func TestGuardResetClearsCounters(t *testing.T) {
	cfg := &models.ServerConfig{InspectorMessageLimit: 2}
	g, fired := newTestGuard(cfg)

	g.CheckInspectorMessage()
	g.CheckInspectorMessage()
	g.reset()

	g.CheckInspectorMessage()
	g.CheckInspectorMessage()
	assert.Empty(t, *fired)
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "bad_password", CategoryBadPassword.String())
	assert.Equal(t, "new_device", CategoryNewDevice.String())
	assert.Equal(t, "new_inspector", CategoryNewInspector.String())
	assert.Equal(t, "device_message", CategoryDeviceMessage.String())
	assert.Equal(t, "inspector_message", CategoryInspectorMessage.String())
}
