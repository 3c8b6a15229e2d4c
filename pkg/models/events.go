/*
 * Copyright (c) 2018 ARM Limited
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

// Package models defines the shared data types for the live-device relay.
package models

const (
	// EventTypeUpdate is published when a sensor reports a new value.
	EventTypeUpdate = "update"
	// EventTypeRemoveBoard is published when a board de-registers.
	EventTypeRemoveBoard = "remove-board"
)

// SensorData is one cached reading: which board, which resource path, and
// the decoded value.
type SensorData struct {
	Board  string      `json:"board"`
	Sensor string      `json:"sensor"`
	Value  interface{} `json:"value"`
}

// Event is the canonical message published to live subscribers. Exactly two
// shapes exist: {"type":"update","update":{...}} and
// {"type":"remove-board","board":"..."}.
type Event struct {
	Type   string      `json:"type"`
	Board  string      `json:"board,omitempty"`
	Update *SensorData `json:"update,omitempty"`
}

// NewUpdateEvent builds an update event for a single sensor reading.
func NewUpdateEvent(board, sensor string, value interface{}) Event {
	return Event{
		Type: EventTypeUpdate,
		Update: &SensorData{
			Board:  board,
			Sensor: sensor,
			Value:  value,
		},
	}
}

// NewRemoveBoardEvent builds a remove-board event for a de-registered board.
func NewRemoveBoardEvent(board string) Event {
	return Event{
		Type:  EventTypeRemoveBoard,
		Board: board,
	}
}
