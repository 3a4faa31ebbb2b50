// Copyright 2024 The Caldera.im Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stateres

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventFields are the fields of an event needed for authorisation and
// state resolution. This is a deliberately minimal projection of a full
// persistent event: the resolver only ever needs the graph edges, the
// sender, the type/state key pair and the raw content.
type EventFields struct {
	EventID      string          `json:"event_id"`
	RoomID       string          `json:"room_id"`
	Sender       string          `json:"sender"`
	Type         string          `json:"type"`
	StateKey     *string         `json:"state_key,omitempty"`
	AuthEventIDs []string        `json:"auth_events,omitempty"`
	PrevEventIDs []string        `json:"prev_events,omitempty"`
	Depth        int64           `json:"depth"`
	Content      json.RawMessage `json:"content"`
}

// An Event is a concrete PDU backed by a set of event fields.
type Event struct {
	roomVersion RoomVersion
	fields      EventFields
}

// NewEvent creates an event from the given fields. The fields are trusted
// to be well formed; use NewEventFromTrustedJSON to load an event from its
// wire representation.
func NewEvent(roomVersion RoomVersion, fields EventFields) *Event {
	return &Event{roomVersion: roomVersion, fields: fields}
}

// NewEventFromTrustedJSON loads an event from JSON that is trusted to have
// come from a reliable source, e.g. the local database. No signature or
// hash checks are performed here.
func NewEventFromTrustedJSON(data []byte, roomVersion RoomVersion) (*Event, error) {
	var fields EventFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("stateres: failed to unmarshal event: %w", err)
	}
	if fields.EventID == "" {
		return nil, fmt.Errorf("stateres: event has no event_id")
	}
	if fields.RoomID == "" {
		return nil, fmt.Errorf("stateres: event %q has no room_id", fields.EventID)
	}
	if fields.Type == "" {
		return nil, fmt.Errorf("stateres: event %q has no type", fields.EventID)
	}
	return &Event{roomVersion: roomVersion, fields: fields}, nil
}

// EventID returns the event ID of the event.
func (e *Event) EventID() string { return e.fields.EventID }

// RoomID returns the room ID of the room the event is in.
func (e *Event) RoomID() string { return e.fields.RoomID }

// Version returns the room version of the room the event is in.
func (e *Event) Version() RoomVersion { return e.roomVersion }

// Sender returns the user ID of the sender of the event.
func (e *Event) Sender() string { return e.fields.Sender }

// Type returns the type of the event.
func (e *Event) Type() string { return e.fields.Type }

// StateKey returns the state key of the event, or nil if the event is not
// a state event.
func (e *Event) StateKey() *string { return e.fields.StateKey }

// StateKeyEquals returns true if the event is a state event and the state
// key equals the given string.
func (e *Event) StateKeyEquals(s string) bool {
	if e.fields.StateKey == nil {
		return false
	}
	return *e.fields.StateKey == s
}

// AuthEventIDs returns the event IDs of the events needed to authorise
// this event.
func (e *Event) AuthEventIDs() []string { return e.fields.AuthEventIDs }

// PrevEventIDs returns the event IDs of the direct ancestors of the event.
func (e *Event) PrevEventIDs() []string { return e.fields.PrevEventIDs }

// Depth returns the depth of the event: the length of the longest path
// from the event back to the room creation.
func (e *Event) Depth() int64 { return e.fields.Depth }

// Content returns the raw JSON content of the event.
func (e *Event) Content() []byte { return e.fields.Content }

// Membership returns the value of the "membership" key of the event
// content. It returns an error if the event is not an m.room.member event
// or if the content is missing a valid membership.
func (e *Event) Membership() (string, error) {
	if e.fields.Type != MRoomMember {
		return "", fmt.Errorf("stateres: not an m.room.member event")
	}
	result := gjson.GetBytes(e.fields.Content, "membership")
	if result.Type != gjson.String {
		return "", fmt.Errorf("stateres: missing membership key in %q", e.fields.EventID)
	}
	return result.Str, nil
}
