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

package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/logger"
)

// logSinkQueueSize bounds the number of pending lines; appends beyond
// that are dropped rather than slowing the relay down.
const logSinkQueueSize = 512

// LogSink appends stored message envelopes to one log file per device
// connection lifetime. Writes are asynchronous and best-effort: a failed
// or dropped append never affects relay behavior.
type LogSink struct {
	path string
	log  logger.Logger
	ch   chan string
	done chan struct{}
}

// LogFileName derives the log file name from the token id and the
// device's initial connection time. Devices connected through HTTP POST
// perform multiple requests sharing one file, so the caller passes the
// time of the first request.
func LogFileName(tokenID string, connectedAt time.Time) string {
	return fmt.Sprintf("logs-%s-%s.txt",
		connectedAt.UTC().Format("2006-01-02T15:04:05.000Z"), tokenID)
}

// NewLogSink opens a sink writing under dir. It returns nil when log
// file creation is disabled, which every caller treats as a no-op sink.
func NewLogSink(dir, tokenID string, connectedAt time.Time, log logger.Logger) *LogSink {
	if dir == "" {
		return nil
	}

	s := &LogSink{
		path: filepath.Join(dir, LogFileName(tokenID, connectedAt)),
		log:  log,
		ch:   make(chan string, logSinkQueueSize),
		done: make(chan struct{}),
	}

	go s.run()

	return s
}

// Append queues one line for writing. It never blocks; lines are dropped
// when the writer cannot keep up.
func (s *LogSink) Append(line string) {
	if s == nil {
		return
	}

	select {
	case s.ch <- line:
	default:
	}
}

// Close flushes pending lines and releases the file.
func (s *LogSink) Close() {
	if s == nil {
		return
	}

	close(s.ch)
	<-s.done
}

func (s *LogSink) run() {
	defer close(s.done)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("file", s.path).
			Msg("Could not open device log file")

		for range s.ch {
			// Drain so Append stays cheap.
		}

		return
	}
	defer f.Close()

	for line := range s.ch {
		if _, err := f.WriteString(line + "\n"); err != nil {
			s.log.Warn().
				Err(err).
				Str("file", s.path).
				Msg("Error while appending to device log file")
		}
	}
}
