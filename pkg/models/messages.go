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
	"encoding/json"
	"time"
)

// Message type discriminants shared between devices, inspectors and the
// relay. The wire format is fixed by the deployed client and inspector
// builds and must not change.
const (
	MessageTypeInit             = "Init"
	MessageTypeRegisterPlayer   = "register-player"
	MessageTypeUnregisterPlayer = "unregister-player"
	MessageTypeEval             = "eval"
	MessageTypeEvalResult       = "eval-result"
	MessageTypeEvalError        = "eval-error"
	MessageTypeCommand          = "command"
)

// DeviceInitData is what an "Init v1 <timestamp> <dateMs>" handshake
// carries. Both numbers are kept as json.Number so they are re-emitted
// exactly as the device sent them.
type DeviceInitData struct {
	// Timestamp is the device's monotonic timestamp when the handshake
	// was generated, in milliseconds.
	Timestamp json.Number `json:"timestamp"`
	// DateMs is the device's wall-clock date for that same instant.
	DateMs json.Number `json:"dateMs"`
}

// PlayerInfo describes one player instance registered by the device.
type PlayerInfo struct {
	PlayerID string   `json:"playerId"`
	Commands []string `json:"commands"`
}

// InitValue is the inspector-facing payload of an Init envelope. It
// embeds the history snapshot so a late-joining inspector can catch up.
type InitValue struct {
	Timestamp      json.Number `json:"timestamp"`
	DateMs         json.Number `json:"dateMs"`
	History        []string    `json:"history"`
	MaxHistorySize int         `json:"maxHistorySize"`
}

// StoredInitValue is the compact variant persisted to log files.
type StoredInitValue struct {
	Timestamp json.Number `json:"timestamp"`
	DateMs    json.Number `json:"dateMs"`
}

type InitMessage struct {
	Type  string    `json:"type"`
	Value InitValue `json:"value"`
}

type StoredInitMessage struct {
	Type  string          `json:"type"`
	Value StoredInitValue `json:"value"`
}

type RegisterPlayerMessage struct {
	Type  string     `json:"type"`
	Value PlayerInfo `json:"value"`
}

type UnregisterPlayerValue struct {
	PlayerID string `json:"playerId"`
}

type UnregisterPlayerMessage struct {
	Type  string                `json:"type"`
	Value UnregisterPlayerValue `json:"value"`
}

// EvalValue is the payload of an "eval" request from an inspector.
type EvalValue struct {
	// Instruction is the code to execute on the device.
	Instruction string `json:"instruction"`
	// ID correlates the eventual eval-result / eval-error reply.
	ID string `json:"id"`
}

type EvalMessage struct {
	Type  string    `json:"type"`
	Value EvalValue `json:"value"`
}

// CommandValue is the payload of a "command" request targeting one
// registered player.
type CommandValue struct {
	Command  string   `json:"command"`
	PlayerID string   `json:"playerId"`
	Args     []string `json:"args"`
}

type CommandMessage struct {
	Type  string       `json:"type"`
	Value CommandValue `json:"value"`
}

// EvalErrorDetail mirrors a serialized JavaScript Error.
type EvalErrorDetail struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

type EvalErrorValue struct {
	Error EvalErrorDetail `json:"error"`
	ID    string          `json:"id"`
}

type EvalErrorMessage struct {
	Type  string         `json:"type"`
	Value EvalErrorValue `json:"value"`
}

// TokenSummary is one entry of the token list pushed to "list"
// subscribers.
type TokenSummary struct {
	TokenID string `json:"tokenId"`
	// Date is the wall-clock creation time, for display.
	Date time.Time `json:"date"`
	// Timestamp is the server-relative creation instant in
	// milliseconds.
	Timestamp         float64 `json:"timestamp"`
	IsPersistent      bool    `json:"isPersistent"`
	MsUntilExpiration float64 `json:"msUntilExpiration"`
}

// TokenListMessage is the recurring snapshot sent to "list" subscribers.
type TokenListMessage struct {
	IsNoTokenEnabled bool           `json:"isNoTokenEnabled"`
	TokenList        []TokenSummary `json:"tokenList"`
}

// PersistentTokenRecord is the durable record kept for persistent tokens.
// Only the record survives a restart, never the token's history.
type PersistentTokenRecord struct {
	TokenID   string    `json:"token_id"`
	CreatedAt time.Time `json:"created_at"`
}
