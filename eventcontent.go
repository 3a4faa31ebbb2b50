/* Copyright 2024 The Caldera.im Authors
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

package stateres

import (
	"encoding/json"
	"strings"
)

// CreateContent is the JSON content of an m.room.create event along with
// the top level keys needed for auth.
type CreateContent struct {
	// We need the domain of the create event when checking federatability.
	senderDomain string
	// We need the roomID to check that events are in the same room as the
	// create event.
	roomID string
	// We need the eventID to check the first join event in the room.
	eventID string
	// The "m.federate" flag tells us whether the room can be federated to
	// other servers.
	Federate *bool `json:"m.federate,omitempty"`
	// The creator of the room tells us what the default power levels are.
	Creator string `json:"creator"`
	// The version of the room. Should be treated as "1" when the key
	// doesn't exist.
	RoomVersion *RoomVersion `json:"room_version,omitempty"`
}

// NewCreateContentFromAuthEvents loads the create event content from the
// create event in the auth events.
func NewCreateContentFromAuthEvents(authEvents AuthEventProvider) (c CreateContent, err error) {
	var createEvent PDU
	if createEvent, err = authEvents.Create(); err != nil {
		return
	}
	if createEvent == nil {
		err = errorf("missing create event")
		return
	}
	if err = json.Unmarshal(createEvent.Content(), &c); err != nil {
		err = errorf("unparsable create event content: %s", err.Error())
		return
	}
	c.roomID = createEvent.RoomID()
	c.eventID = createEvent.EventID()
	if c.Creator == "" {
		// Room versions without an explicit creator key use the sender of
		// the create event.
		c.Creator = createEvent.Sender()
	}
	if c.senderDomain, err = domainFromID(createEvent.Sender()); err != nil {
		return
	}
	return
}

// DomainAllowed checks whether the domain is allowed in the room by the
// "m.federate" flag.
func (c *CreateContent) DomainAllowed(domain string) error {
	if domain == c.senderDomain {
		// If the domain matches the domain of the create event then the
		// event is always allowed regardless of the value of the
		// "m.federate" flag.
		return nil
	}
	if c.Federate == nil || *c.Federate {
		// The m.federate field defaults to true.
		// If the domains are different then event is only allowed if the
		// "m.federate" flag is absent or true.
		return nil
	}
	return errorf("room is unfederatable")
}

// UserIDAllowed checks whether the domain part of the user ID is allowed in
// the room by the "m.federate" flag.
func (c *CreateContent) UserIDAllowed(id string) error {
	domain, err := domainFromID(id)
	if err != nil {
		return err
	}
	return c.DomainAllowed(domain)
}

// domainFromID returns everything after the first ":" character to extract
// the domain part of a matrix ID.
func domainFromID(id string) (string, error) {
	// IDs have the format: SIGIL LOCALPART ":" DOMAIN
	// Split on the first ":" character since the domain can contain ":"
	// characters.
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		// The ID must have a ":" character.
		return "", errorf("invalid ID: %q", id)
	}
	// Return everything after the first ":" character.
	return parts[1], nil
}

// MemberContent is the JSON content of an m.room.member event needed for
// auth checks.
type MemberContent struct {
	// We use the membership key in order to check if the user is in the
	// room.
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// membershipContent is a stripped-down member content used as a fallback
// when the full content doesn't parse.
type membershipContent struct {
	Membership string `json:"membership"`
}

// NewMemberContentFromAuthEvents loads the member content from the member
// event for the user ID in the auth events. Returns an error if there was
// an error loading the member event or parsing the event content.
func NewMemberContentFromAuthEvents(authEvents AuthEventProvider, userID string) (c MemberContent, err error) {
	var memberEvent PDU
	if memberEvent, err = authEvents.Member(userID); err != nil {
		return
	}
	if memberEvent == nil {
		// If there isn't a member event then the membership for the user
		// defaults to leave.
		c.Membership = Leave
		return
	}
	return NewMemberContentFromEvent(memberEvent)
}

// NewMemberContentFromEvent parses the member content from an event.
// Returns an error if the content couldn't be parsed.
func NewMemberContentFromEvent(event PDU) (c MemberContent, err error) {
	if err = json.Unmarshal(event.Content(), &c); err != nil {
		var partial membershipContent
		if err = json.Unmarshal(event.Content(), &partial); err != nil {
			err = errorf("unparsable member event content: %s", err.Error())
			return
		}
		c.Membership = partial.Membership
	}
	return
}

// JoinRuleContent is the JSON content of an m.room.join_rules event needed
// for auth checks.
type JoinRuleContent struct {
	// We use the join_rule key to check whether join m.room.member events
	// are allowed.
	JoinRule string `json:"join_rule"`
}

// NewJoinRuleContentFromAuthEvents loads the join rule content from the
// join rules event in the auth events.
func NewJoinRuleContentFromAuthEvents(authEvents AuthEventProvider) (c JoinRuleContent, err error) {
	// Start off with "invite" as the default. Hopefully the unmarshal step
	// later will replace it with a better value.
	c.JoinRule = Invite
	joinRulesEvent, err := authEvents.JoinRules()
	if err != nil {
		return
	}
	if joinRulesEvent == nil {
		return
	}
	if err = json.Unmarshal(joinRulesEvent.Content(), &c); err != nil {
		err = errorf("unparsable join_rules event content: %s", err.Error())
		return
	}
	return
}

// Check if the user ID is a valid user ID.
func isValidUserID(userID string) bool {
	return len(userID) > 0 && userID[0] == '@' && strings.IndexByte(userID, ':') != -1
}
