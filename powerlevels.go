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
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// PowerLevelContent is the normalised content of an m.room.power_levels
// event. Room versions before 10 allow levels to be encoded either as JSON
// integers or as numeric strings; both encodings are converted into the
// same signed integer representation here so levels are always comparable.
// The JSON key names are preserved so it's possible to marshal the struct
// back into JSON easily.
type PowerLevelContent struct {
	Ban           int64            `json:"ban"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
}

// UserLevel returns the power level a user has in the room.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	if level, ok := c.Users[userID]; ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send an event in the room.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if level, ok := c.Events[eventType]; ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// Defaults sets the power levels to their default values.
// See https://spec.matrix.org/latest/client-server-api/#mroompower_levels
// for defaults.
func (c *PowerLevelContent) Defaults() {
	c.Invite = 50
	c.Ban = 50
	c.Kick = 50
	c.Redact = 50
	c.UsersDefault = 0
	c.EventsDefault = 0
	c.StateDefault = 50
}

// NewPowerLevelContentFromAuthEvents loads the power level content from the
// power level event in the auth events or returns the default values if
// there is no power level event.
func NewPowerLevelContentFromAuthEvents(authEvents AuthEventProvider, creatorUserID string) (c PowerLevelContent, err error) {
	powerLevelsEvent, err := authEvents.PowerLevels()
	if err != nil {
		return
	}
	if powerLevelsEvent != nil {
		return NewPowerLevelContentFromEvent(powerLevelsEvent)
	}

	// If there are no power levels then fall back to defaults. The room
	// creator gets level 100 in that case.
	c.Defaults()
	c.Users = map[string]int64{creatorUserID: 100}
	return
}

// NewPowerLevelContentFromEvent loads the power level content from an
// event, picking the deserialisation path for the event's room version.
func NewPowerLevelContentFromEvent(event PDU) (c PowerLevelContent, err error) {
	// Set the levels to their default values.
	c.Defaults()

	var strict bool
	if strict, err = event.Version().RequireIntegerPowerLevels(); err != nil {
		return
	} else if strict {
		// Unmarshal directly to PowerLevelContent, since that will kick up
		// an error if one of the power levels isn't an int64.
		if err = json.Unmarshal(event.Content(), &c); err != nil {
			err = errorf("unparsable power_levels event content: %s", err.Error())
			return
		}
	} else {
		// We can't extract the JSON directly to the PowerLevelContent
		// because we need to convert string values to int values.
		var content struct {
			InviteLevel       levelJSONValue            `json:"invite"`
			BanLevel          levelJSONValue            `json:"ban"`
			KickLevel         levelJSONValue            `json:"kick"`
			RedactLevel       levelJSONValue            `json:"redact"`
			UserLevels        map[string]levelJSONValue `json:"users"`
			UsersDefaultLevel levelJSONValue            `json:"users_default"`
			EventLevels       map[string]levelJSONValue `json:"events"`
			StateDefaultLevel levelJSONValue            `json:"state_default"`
			EventDefaultLevel levelJSONValue            `json:"events_default"`
		}
		if err = json.Unmarshal(event.Content(), &content); err != nil {
			err = errorf("unparsable power_levels event content: %s", err.Error())
			return
		}

		// Update the levels with the values that are present in the event
		// content.
		content.InviteLevel.assignIfExists(&c.Invite)
		content.BanLevel.assignIfExists(&c.Ban)
		content.KickLevel.assignIfExists(&c.Kick)
		content.RedactLevel.assignIfExists(&c.Redact)
		content.UsersDefaultLevel.assignIfExists(&c.UsersDefault)
		content.StateDefaultLevel.assignIfExists(&c.StateDefault)
		content.EventDefaultLevel.assignIfExists(&c.EventsDefault)

		for k, v := range content.UserLevels {
			if c.Users == nil {
				c.Users = make(map[string]int64)
			}
			c.Users[k] = v.value
		}

		for k, v := range content.EventLevels {
			if c.Events == nil {
				c.Events = make(map[string]int64)
			}
			c.Events[k] = v.value
		}
	}

	return
}

// UsersDefaultAndMapFromEvent extracts only the "users_default" and "users"
// fields from an m.room.power_levels event. Unlike the full parse above,
// malformed sibling fields don't fail the lookup: each field falls back to
// its default independently. This is used on the hot path of the resolver,
// where only the sender's level matters and a malformed "events" map must
// not change the outcome.
func UsersDefaultAndMapFromEvent(event PDU) (usersDefault int64, users map[string]int64) {
	strict, err := event.Version().RequireIntegerPowerLevels()
	if err != nil {
		strict = false
	}
	if v, err := parseLevelResult(gjson.GetBytes(event.Content(), "users_default"), strict); err == nil {
		usersDefault = v
	}
	userLevels := gjson.GetBytes(event.Content(), "users")
	if !userLevels.IsObject() {
		return
	}
	users = map[string]int64{}
	userLevels.ForEach(func(key, value gjson.Result) bool {
		if v, err := parseLevelResult(value, strict); err == nil {
			users[key.Str] = v
		} else {
			logrus.WithFields(logrus.Fields{
				"event_id": event.EventID(),
				"user_id":  key.Str,
			}).Warn("Ignoring unparsable user power level")
		}
		return true
	})
	return
}

// InviteLevelFromEvent extracts only the "invite" level from an
// m.room.power_levels event, falling back to the default of 50 if the
// field is absent or malformed.
func InviteLevelFromEvent(event PDU) int64 {
	return narrowLevelFromEvent(event, "invite", 50)
}

// RedactLevelFromEvent extracts only the "redact" level from an
// m.room.power_levels event, falling back to the default of 50 if the
// field is absent or malformed.
func RedactLevelFromEvent(event PDU) int64 {
	return narrowLevelFromEvent(event, "redact", 50)
}

func narrowLevelFromEvent(event PDU, field string, def int64) int64 {
	strict, err := event.Version().RequireIntegerPowerLevels()
	if err != nil {
		strict = false
	}
	result := gjson.GetBytes(event.Content(), field)
	if !result.Exists() {
		return def
	}
	level, err := parseLevelResult(result, strict)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"field":    field,
		}).Warn("Ignoring unparsable power level")
		return def
	}
	return level
}

// parseLevelResult normalises a single power level value. In strict mode
// only JSON integers are accepted. Otherwise the value may be an integer, a
// numeric string with an optional leading sign and surrounding whitespace,
// or a float.
func parseLevelResult(result gjson.Result, strict bool) (int64, error) {
	if strict {
		return strconv.ParseInt(result.Raw, 10, 64)
	}
	if int64Value, err := strconv.ParseInt(result.Raw, 10, 64); err == nil {
		return int64Value, nil
	}
	if result.Type == gjson.String {
		return strconv.ParseInt(strings.TrimSpace(result.Str), 10, 64)
	}
	floatValue, err := strconv.ParseFloat(result.Raw, 64)
	if err != nil {
		return 0, err
	}
	return int64(floatValue), nil
}

// A levelJSONValue is used for unmarshalling power levels from JSON in
// room versions with lenient level encodings. It is intended to replicate
// the effects of x = int(content["key"]) in python.
type levelJSONValue struct {
	// Was a value loaded from the JSON?
	exists bool
	// The integer value of the power level.
	value int64
}

func (v *levelJSONValue) UnmarshalJSON(data []byte) error {
	var stringValue string
	var int64Value int64
	var floatValue float64
	var err error

	// First try to unmarshal as an int64.
	if int64Value, err = strconv.ParseInt(string(data), 10, 64); err != nil {
		// If unmarshalling as an int64 fails try as a string.
		if err = json.Unmarshal(data, &stringValue); err != nil {
			// If unmarshalling as a string fails try as a float.
			if floatValue, err = strconv.ParseFloat(string(data), 64); err != nil {
				return err
			}
			int64Value = int64(floatValue)
		} else {
			// If we managed to get a string, try parsing the string as an
			// int.
			int64Value, err = strconv.ParseInt(strings.TrimSpace(stringValue), 10, 64)
			if err != nil {
				return err
			}
		}
	}
	v.exists = true
	v.value = int64Value
	return nil
}

// assign the power level if a value was present in the JSON.
func (v *levelJSONValue) assignIfExists(to *int64) {
	if v.exists {
		*to = v.value
	}
}
