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

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/canalplus/rxpaired-server/pkg/logger"
)

const (
	DefaultListenAddr               = ":22626"
	DefaultHistorySize              = 0
	DefaultMaxTokenDuration         = 4 * time.Hour
	DefaultMaxLogLength             = 3000
	DefaultWrongPasswordLimit       = 50
	DefaultDeviceConnectionLimit    = 500
	DefaultInspectorConnectionLimit = 500
	DefaultDeviceMessageLimit       = 1_000_000
	DefaultInspectorMessageLimit    = 1000
)

var (
	errNegativeHistorySize  = errors.New("history_size must not be negative")
	errNegativeMaxLogLength = errors.New("max_log_length must not be negative")
	errNegativeLimit        = errors.New("abuse limits must not be negative")
	errNegativeDuration     = errors.New("max_token_duration must not be negative")
)

// ServerConfig is the top-level configuration of the relay server.
// Zero values are replaced by the defaults above during Validate, so an
// empty JSON object is a valid configuration.
type ServerConfig struct {
	// ListenAddr is the address serving device and inspector traffic
	// (WebSocket upgrades and HTTP POST log batches share one port).
	ListenAddr string `json:"listen_addr,omitempty"`

	// MetricsAddr, when set, serves Prometheus metrics on a separate
	// listener.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// Password restricts inspector connections and no-token device
	// connections. Empty means no password check.
	Password string `json:"password,omitempty"`

	// DisableNoToken refuses device connections on the "!notoken" path.
	DisableNoToken bool `json:"disable_no_token,omitempty"`

	// HistorySize bounds the per-token log history replayed to
	// late-joining inspectors. 0 disables history.
	HistorySize int `json:"history_size,omitempty"`

	// MaxTokenDuration is the default lifetime of non-persistent tokens.
	MaxTokenDuration Duration `json:"max_token_duration,omitempty"`

	// MaxLogLength is the length above which device messages are
	// silently dropped.
	MaxLogLength int `json:"max_log_length,omitempty"`

	// CreateLogFiles enables one append-only log file per device
	// connection, written under LogFileDirectory.
	CreateLogFiles   bool   `json:"create_log_files,omitempty"`
	LogFileDirectory string `json:"log_file_directory,omitempty"`

	// PersistentTokensFile is where persistent token records are kept
	// across restarts. Empty disables persistence.
	PersistentTokensFile string `json:"persistent_tokens_file,omitempty"`

	// Abuse limits. A limit of 0 means unlimited.
	WrongPasswordLimit       int `json:"wrong_password_limit,omitempty"`
	DeviceConnectionLimit    int `json:"device_connection_limit,omitempty"`
	InspectorConnectionLimit int `json:"inspector_connection_limit,omitempty"`
	DeviceMessageLimit       int `json:"device_message_limit,omitempty"`
	InspectorMessageLimit    int `json:"inspector_message_limit,omitempty"`

	Logging *logger.Config `json:"logging,omitempty"`
}

// DefaultServerConfig returns a configuration carrying every default.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:               DefaultListenAddr,
		HistorySize:              DefaultHistorySize,
		MaxTokenDuration:         Duration(DefaultMaxTokenDuration),
		MaxLogLength:             DefaultMaxLogLength,
		WrongPasswordLimit:       DefaultWrongPasswordLimit,
		DeviceConnectionLimit:    DefaultDeviceConnectionLimit,
		InspectorConnectionLimit: DefaultInspectorConnectionLimit,
		DeviceMessageLimit:       DefaultDeviceMessageLimit,
		InspectorMessageLimit:    DefaultInspectorMessageLimit,
	}
}

// Validate checks ranges and fills in defaults for unset fields.
func (c *ServerConfig) Validate() error {
	if c.HistorySize < 0 {
		return errNegativeHistorySize
	}

	if c.MaxLogLength < 0 {
		return errNegativeMaxLogLength
	}

	if c.MaxTokenDuration < 0 {
		return errNegativeDuration
	}

	for _, limit := range []int{
		c.WrongPasswordLimit,
		c.DeviceConnectionLimit,
		c.InspectorConnectionLimit,
		c.DeviceMessageLimit,
		c.InspectorMessageLimit,
	} {
		if limit < 0 {
			return errNegativeLimit
		}
	}

	if c.CreateLogFiles && c.LogFileDirectory == "" {
		return fmt.Errorf("log_file_directory is required when create_log_files is set")
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	if c.MaxTokenDuration == 0 {
		c.MaxTokenDuration = Duration(DefaultMaxTokenDuration)
	}

	if c.MaxLogLength == 0 {
		c.MaxLogLength = DefaultMaxLogLength
	}

	return nil
}
