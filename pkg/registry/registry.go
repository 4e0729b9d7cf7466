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

// Package registry owns the set of active pairing tokens. It is the only
// place allowed to add or remove tokens, so the ownership and removal
// invariants are enforced at a single choke point.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/metrics"
	"github.com/canalplus/rxpaired-server/pkg/models"
	"github.com/jaevor/go-nanoid"
)

var ErrTokenExists = errors.New("token id already exists")

const (
	tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	tokenIDLength = 8
)

var generateTokenID = mustTokenGenerator()

func mustTokenGenerator() func() string {
	gen, err := nanoid.CustomASCII(tokenAlphabet, tokenIDLength)
	if err != nil {
		panic(err)
	}

	return gen
}

// GenerateTokenID returns a fresh random alphanumeric token id for
// devices connecting on the no-token path.
func GenerateTokenID() string {
	return generateTokenID()
}

// Registry is the arena holding every active token.
type Registry struct {
	mu      sync.RWMutex
	tokens  map[string]*Token
	order   []*Token
	start   time.Time
	log     logger.Logger
	metrics *metrics.RelayMetrics
}

func New(log logger.Logger, m *metrics.RelayMetrics) *Registry {
	return &Registry{
		tokens:  make(map[string]*Token),
		start:   time.Now(),
		log:     log,
		metrics: m,
	}
}

// Create adds a new token. The caller must have checked for an existing
// token first; a duplicate id is an error.
func (r *Registry) Create(tokenType TokenType, id string, historySize int, expiration time.Duration) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[id]; ok {
		return nil, ErrTokenExists
	}

	t := newToken(tokenType, id, historySize, expiration)
	r.tokens[id] = t
	r.order = append(r.order, t)
	r.metrics.ActiveTokens.Set(float64(len(r.tokens)))

	r.log.Info().
		Str("token", id).
		Str("token_type", tokenType.String()).
		Int("remaining", len(r.tokens)).
		Msg("Created token")

	return t, nil
}

// Find returns the token for id, or nil.
func (r *Registry) Find(id string) *Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tokens[id]
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tokens)
}

// Remove deletes a token unconditionally, closing any attached device
// and inspector connections.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()

	t, ok := r.tokens[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	r.deleteLocked(t)
	r.mu.Unlock()

	r.closeConnections(t)

	return true
}

// RemoveIfOrphaned applies the removal rule shared by every detach path:
// a non-persistent token with no device and no inspectors is removed
// immediately.
func (r *Registry) RemoveIfOrphaned(t *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.mu.Lock()
	orphaned := !t.removed &&
		t.tokenType != TokenTypePersistent &&
		t.device == nil &&
		len(t.inspectors) == 0
	if orphaned {
		t.removed = true
	}
	t.mu.Unlock()

	if !orphaned {
		return false
	}

	r.deleteLocked(t)

	return true
}

// deleteLocked removes t from the map and ordered list. Caller holds
// r.mu.
func (r *Registry) deleteLocked(t *Token) {
	delete(r.tokens, t.id)

	for i, tok := range r.order {
		if tok == t {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.metrics.ActiveTokens.Set(float64(len(r.tokens)))

	r.log.Info().
		Str("token", t.id).
		Int("remaining", len(r.tokens)).
		Msg("Removing token")
}

func (r *Registry) closeConnections(t *Token) {
	device, inspectors := t.teardown()

	if device != nil {
		device.Close()
	}

	for _, insp := range inspectors {
		insp.Close()
	}
}

// List returns a summary of every active token, in creation order.
func (r *Registry) List() []models.TokenSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]models.TokenSummary, 0, len(r.order))

	for _, t := range r.order {
		remaining := t.Remaining(now)
		if remaining < 0 {
			remaining = 0
		}

		out = append(out, models.TokenSummary{
			TokenID:           t.id,
			Date:              t.createdAt,
			Timestamp:         float64(t.createdAt.Sub(r.start)) / float64(time.Millisecond),
			IsPersistent:      t.Type() == TokenTypePersistent,
			MsUntilExpiration: float64(remaining) / float64(time.Millisecond),
		})
	}

	return out
}

// ExpirationCheck removes every non-persistent token that outlived its
// expiration delay, closing any attached sockets. It runs on a fixed
// interval and eagerly whenever an inspector attaches or asks for the
// token list, so answers about token liveness are always current.
func (r *Registry) ExpirationCheck() {
	now := time.Now()

	r.mu.Lock()

	var expired []*Token

	for _, t := range r.order {
		if t.expired(now) {
			expired = append(expired, t)
		}
	}

	for _, t := range expired {
		r.log.Info().
			Str("token", t.id).
			Msg("Token expired")
		r.deleteLocked(t)
	}

	r.mu.Unlock()

	for _, t := range expired {
		r.closeConnections(t)
	}
}
