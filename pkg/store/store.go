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

// Package store persists the records of persistent tokens across
// restarts. Only the records survive, never the tokens' log history.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/canalplus/rxpaired-server/pkg/logger"
	"github.com/canalplus/rxpaired-server/pkg/models"
)

// Store is a JSON-lines file of persistent token records: one record per
// line, loaded wholesale at startup and appended to at runtime.
type Store struct {
	mu   sync.Mutex
	path string
	log  logger.Logger
}

// New returns a store backed by the file at path. An empty path yields a
// disabled store: Load returns nothing and Add is a no-op.
func New(path string, log logger.Logger) *Store {
	return &Store{path: path, log: log}
}

// Enabled reports whether a backing file is configured.
func (s *Store) Enabled() bool {
	return s.path != ""
}

// Load reads every valid record from the backing file. A missing file is
// not an error. Corrupt lines are skipped with a warning so one bad write
// cannot take every persistent token down.
func (s *Store) Load() ([]models.PersistentTokenRecord, error) {
	if s.path == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to open persistent tokens file: %w", err)
	}
	defer f.Close()

	var records []models.PersistentTokenRecord

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec models.PersistentTokenRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.TokenID == "" {
			s.log.Warn().
				Str("file", s.path).
				Msg("Skipping corrupt persistent token record")

			continue
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read persistent tokens file: %w", err)
	}

	return records, nil
}

// Add appends one record. Appends are best-effort: a failure is returned
// for logging but must not affect relay behavior.
func (s *Store) Add(rec models.PersistentTokenRecord) error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal persistent token record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open persistent tokens file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append persistent token record: %w", err)
	}

	return nil
}
