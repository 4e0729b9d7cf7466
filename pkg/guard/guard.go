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

// Package guard tracks abuse counters that can terminate the process.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
)

// Category identifies one tracked abuse counter.
type Category int

const (
	CategoryBadPassword Category = iota
	CategoryNewDevice
	CategoryNewInspector
	CategoryDeviceMessage
	CategoryInspectorMessage

	categoryCount
)

func (c Category) String() string {
	switch c {
	case CategoryBadPassword:
		return "bad_password"
	case CategoryNewDevice:
		return "new_device"
	case CategoryNewInspector:
		return "new_inspector"
	case CategoryDeviceMessage:
		return "device_message"
	case CategoryInspectorMessage:
		return "inspector_message"
	default:
		return "unknown"
	}
}

// resetInterval is the rolling window after which every counter starts
// over.
const resetInterval = 24 * time.Hour

// Guard holds per-category rolling counters. Exceeding a configured
// limit is treated as sustained abuse: the OnExceeded callback runs and
// is expected to terminate the whole process. This is deliberate
// fail-closed behavior, not graceful degradation.
type Guard struct {
	mu     sync.Mutex
	counts [categoryCount]int
	limits [categoryCount]int

	log     logger.Logger
	metrics *metrics.RelayMetrics

	// OnExceeded runs at most once, outside the guard lock.
	onExceeded func(Category)
	tripped    bool
}

// New builds a guard from the configured limits. onExceeded must not be
// nil; the binary passes a callback that logs at Fatal level and exits.
func New(cfg *models.ServerConfig, log logger.Logger, m *metrics.RelayMetrics, onExceeded func(Category)) *Guard {
	g := &Guard{
		log:        log,
		metrics:    m,
		onExceeded: onExceeded,
	}

	g.limits[CategoryBadPassword] = cfg.WrongPasswordLimit
	g.limits[CategoryNewDevice] = cfg.DeviceConnectionLimit
	g.limits[CategoryNewInspector] = cfg.InspectorConnectionLimit
	g.limits[CategoryDeviceMessage] = cfg.DeviceMessageLimit
	g.limits[CategoryInspectorMessage] = cfg.InspectorMessageLimit

	return g
}

// Run resets the counters on a rolling window until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(resetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.reset()
		}
	}
}

func (g *Guard) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.counts {
		g.counts[i] = 0
	}
}

// check increments the counter for cat and fires the exceeded path when
// the configured limit is passed. A limit of 0 means unlimited.
func (g *Guard) check(cat Category) {
	g.mu.Lock()

	g.counts[cat]++

	limit := g.limits[cat]
	exceeded := limit > 0 && g.counts[cat] > limit && !g.tripped

	if exceeded {
		g.tripped = true
	}

	g.mu.Unlock()

	if !exceeded {
		return
	}

	g.metrics.GuardTripsTotal.WithLabelValues(cat.String()).Inc()
	g.log.Error().
		Str("category", cat.String()).
		Int("limit", limit).
		Msg("Abuse limit exceeded, shutting down")
	g.onExceeded(cat)
}

func (g *Guard) CheckBadPassword()      { g.check(CategoryBadPassword) }
func (g *Guard) CheckNewDevice()        { g.check(CategoryNewDevice) }
func (g *Guard) CheckNewInspector()     { g.check(CategoryNewInspector) }
func (g *Guard) CheckDeviceMessage()    { g.check(CategoryDeviceMessage) }
func (g *Guard) CheckInspectorMessage() { g.check(CategoryInspectorMessage) }
