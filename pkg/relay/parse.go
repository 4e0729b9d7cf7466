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
	"encoding/json"

	"github.com/canalplus/rxpaired-server/pkg/models"
)

// Validation structs use pointer fields so a missing required field is
// distinguishable from an explicit empty value, matching the structural
// checks the inspector UI relies on.

type playerRegistrationValue struct {
	PlayerID *string   `json:"playerId"`
	Commands *[]string `json:"commands"`
}

func parsePlayerRegistration(raw json.RawMessage) (*models.PlayerInfo, bool) {
	var value playerRegistrationValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}

	if value.PlayerID == nil || value.Commands == nil {
		return nil, false
	}

	return &models.PlayerInfo{
		PlayerID: *value.PlayerID,
		Commands: *value.Commands,
	}, true
}

type playerUnregistrationValue struct {
	PlayerID *string `json:"playerId"`
}

func parsePlayerUnregistration(raw json.RawMessage) (string, bool) {
	var value playerUnregistrationValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}

	if value.PlayerID == nil {
		return "", false
	}

	return *value.PlayerID, true
}

// inspectorMessage is the tagged union of the two message shapes an
// inspector may send. Exactly one of eval / command is non-nil.
type inspectorMessage struct {
	eval    *models.EvalValue
	command *models.CommandValue
}

type evalValue struct {
	Instruction *string `json:"instruction"`
	ID          *string `json:"id"`
}

type commandValue struct {
	Command  *string   `json:"command"`
	PlayerID *string   `json:"playerId"`
	Args     *[]string `json:"args"`
}

// parseInspectorMessage validates an inspector message structurally.
// Anything that is not a well-formed eval or command message is
// rejected.
func parseInspectorMessage(msg string) (*inspectorMessage, bool) {
	var envelope struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal([]byte(msg), &envelope); err != nil {
		return nil, false
	}

	switch envelope.Type {
	case models.MessageTypeEval:
		var value evalValue
		if err := json.Unmarshal(envelope.Value, &value); err != nil {
			return nil, false
		}

		if value.Instruction == nil || value.ID == nil {
			return nil, false
		}

		return &inspectorMessage{
			eval: &models.EvalValue{Instruction: *value.Instruction, ID: *value.ID},
		}, true

	case models.MessageTypeCommand:
		var value commandValue
		if err := json.Unmarshal(envelope.Value, &value); err != nil {
			return nil, false
		}

		if value.Command == nil || value.PlayerID == nil || value.Args == nil {
			return nil, false
		}

		return &inspectorMessage{
			command: &models.CommandValue{
				Command:  *value.Command,
				PlayerID: *value.PlayerID,
				Args:     *value.Args,
			},
		}, true

	default:
		return nil, false
	}
}
