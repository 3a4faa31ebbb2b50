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
	"github.com/sirupsen/logrus"
)

// StateNeeded lists the state entries needed to authenticate an event.
type StateNeeded struct {
	// Is the m.room.create event needed to auth the event.
	Create bool
	// Is the m.room.join_rules event needed to auth the event.
	JoinRules bool
	// Is the m.room.power_levels event needed to auth the event.
	PowerLevels bool
	// List of m.room.member state_keys needed to auth the event
	Member []string
}

// Tuples returns the needed state key tuples for performing auth on an
// event.
func (s StateNeeded) Tuples() (res []StateKeyTuple) {
	if s.Create {
		res = append(res, StateKeyTuple{MRoomCreate, ""})
	}
	if s.JoinRules {
		res = append(res, StateKeyTuple{MRoomJoinRules, ""})
	}
	if s.PowerLevels {
		res = append(res, StateKeyTuple{MRoomPowerLevels, ""})
	}
	for _, userID := range s.Member {
		res = append(res, StateKeyTuple{MRoomMember, userID})
	}
	return
}

// StateNeededForAuth returns the event types and state_keys needed to
// authenticate an event. This takes a list of events to facilitate bulk
// processing when doing auth checks as part of state conflict resolution.
func StateNeededForAuth(events []PDU) (result StateNeeded) {
	members := make(map[string]struct{})
	for _, event := range events {
		switch event.Type() {
		case MRoomCreate:
			// The create event doesn't require any state to authenticate.
		case MRoomMember:
			// Member events need the create event, the current power
			// levels, the join rules and the membership of the sender and
			// of the target.
			result.Create = true
			result.PowerLevels = true
			result.JoinRules = true
			members[event.Sender()] = struct{}{}
			if stateKey := event.StateKey(); stateKey != nil {
				members[*stateKey] = struct{}{}
			}
		default:
			// All other events need the create event, the power levels and
			// the membership of the sender.
			result.Create = true
			result.PowerLevels = true
			members[event.Sender()] = struct{}{}
		}
	}
	for member := range members {
		result.Member = append(result.Member, member)
	}
	return
}

// AuthEventProvider provides auth_events for the authentication checks.
type AuthEventProvider interface {
	// Create returns the m.room.create event for the room or nil if there
	// isn't a m.room.create event.
	Create() (PDU, error)
	// JoinRules returns the m.room.join_rules event for the room or nil if
	// there isn't a m.room.join_rules event.
	JoinRules() (PDU, error)
	// PowerLevels returns the m.room.power_levels event for the room or
	// nil if there isn't a m.room.power_levels event.
	PowerLevels() (PDU, error)
	// Member returns the m.room.member event for the given user ID
	// state_key or nil if there isn't one.
	Member(stateKey string) (PDU, error)
	// Valid verifies that all auth events are from the same room.
	Valid() bool
}

// AuthEvents is an implementation of AuthEventProvider backed by a map.
type AuthEvents struct {
	events  map[StateKeyTuple]PDU
	roomIDs map[string]struct{}
}

// Valid verifies that all auth events are from the same room.
func (a *AuthEvents) Valid() bool {
	return len(a.roomIDs) <= 1
}

// AddEvent adds an event to the provider. If an event already existed for
// the (type, state_key) then the event is replaced with the new event. Only
// returns an error if the event is not a state event.
func (a *AuthEvents) AddEvent(event PDU) error {
	if event.StateKey() == nil {
		return errorf("AddEvent: event %q does not have a state key", event.Type())
	}
	a.roomIDs[event.RoomID()] = struct{}{}
	a.events[StateKeyTuple{event.Type(), *event.StateKey()}] = event
	return nil
}

// Create implements AuthEventProvider
func (a *AuthEvents) Create() (PDU, error) {
	return a.events[StateKeyTuple{MRoomCreate, ""}], nil
}

// JoinRules implements AuthEventProvider
func (a *AuthEvents) JoinRules() (PDU, error) {
	return a.events[StateKeyTuple{MRoomJoinRules, ""}], nil
}

// PowerLevels implements AuthEventProvider
func (a *AuthEvents) PowerLevels() (PDU, error) {
	return a.events[StateKeyTuple{MRoomPowerLevels, ""}], nil
}

// Member implements AuthEventProvider
func (a *AuthEvents) Member(stateKey string) (PDU, error) {
	return a.events[StateKeyTuple{MRoomMember, stateKey}], nil
}

// Clear removes all entries from the AuthEventProvider.
func (a *AuthEvents) Clear() {
	for k := range a.events {
		delete(a.events, k)
	}
	for k := range a.roomIDs {
		delete(a.roomIDs, k)
	}
}

// NewAuthEvents returns an AuthEventProvider backed by the given events.
// New events can be added by calling AddEvent().
func NewAuthEvents(events []PDU) AuthEvents {
	a := AuthEvents{
		events:  make(map[StateKeyTuple]PDU, len(events)),
		roomIDs: make(map[string]struct{}),
	}
	for _, e := range events {
		a.AddEvent(e) // nolint: errcheck
	}
	return a
}

// allowerContext allows auth checks to be run using cached create, power
// level and join rule contents. This can help when authing a large state
// set for a specific room.
type allowerContext struct {
	// The auth event provider. This must be set.
	provider AuthEventProvider

	// Event references used to see when we need to update.
	createEvent      PDU // The m.room.create event for the room.
	powerLevelsEvent PDU // The m.room.power_levels event for the room.
	joinRuleEvent    PDU // The m.room.join_rules event for the room.

	// Event contents used for quick lookup.
	create      CreateContent     // The m.room.create content for the room.
	powerLevels PowerLevelContent // The m.room.power_levels content for the room.
	joinRule    JoinRuleContent   // The m.room.join_rules content for the room.
}

func newAllowerContext(provider AuthEventProvider) *allowerContext {
	a := &allowerContext{}
	a.update(provider)
	return a
}

// update refreshes the cached event contents from the auth event provider.
// It will wipe the cache if a new provider is given. If the same provider
// is given then it will only unmarshal event contents if the provided
// events have changed, to reduce allocations in state resolution.
func (a *allowerContext) update(provider AuthEventProvider) {
	if provider != a.provider {
		a.provider = provider
		a.createEvent, a.powerLevelsEvent, a.joinRuleEvent = nil, nil, nil
	}
	if e, _ := provider.Create(); e != nil && a.createEvent != e {
		if c, err := NewCreateContentFromAuthEvents(provider); err == nil {
			a.createEvent = e
			a.create = c
		}
	}
	if e, _ := provider.PowerLevels(); a.powerLevelsEvent != e {
		creator := ""
		if a.createEvent != nil {
			creator = a.create.Creator
		}
		if p, err := NewPowerLevelContentFromAuthEvents(provider, creator); err == nil {
			a.powerLevelsEvent = e
			a.powerLevels = p
		} else if e != nil {
			// The whole-struct parse failed, so rebuild what we can from
			// the individual fields. A malformed "events" map must not
			// wipe out a perfectly good "users" map, or vice versa.
			logrus.WithFields(logrus.Fields{
				"event_id": e.EventID(),
				"room_id":  e.RoomID(),
			}).Warn("Falling back to field-by-field power level parsing")
			p := PowerLevelContent{}
			p.Defaults()
			p.UsersDefault, p.Users = UsersDefaultAndMapFromEvent(e)
			p.Invite = InviteLevelFromEvent(e)
			p.Redact = RedactLevelFromEvent(e)
			a.powerLevelsEvent = e
			a.powerLevels = p
		}
	}
	if e, _ := provider.JoinRules(); a.joinRuleEvent != e {
		if j, err := NewJoinRuleContentFromAuthEvents(provider); err == nil {
			a.joinRuleEvent = e
			a.joinRule = j
		}
	}
}

// allowed checks whether an event is allowed by the auth events, using the
// cached create, power level and join rule contents. It returns a
// NotAllowed error if the event is not allowed.
func (a *allowerContext) allowed(event PDU) error {
	switch event.Type() {
	case MRoomCreate:
		return a.createEventAllowed(event)
	case MRoomMember:
		return a.memberEventAllowed(event)
	case MRoomPowerLevels:
		return a.powerLevelsEventAllowed(event)
	default:
		return a.defaultEventAllowed(event)
	}
}

// Allowed checks whether an event is allowed by the auth events.
// It returns a NotAllowed error if the event is not allowed.
// If there was an error loading the auth events then it returns that error.
func Allowed(event PDU, authEvents AuthEventProvider) error {
	if !authEvents.Valid() {
		return errorf("authEvents contains events from different rooms")
	}
	return newAllowerContext(authEvents).allowed(event)
}

// createEventAllowed checks whether the m.room.create event is allowed.
// It returns an error if the event is not allowed.
func (a *allowerContext) createEventAllowed(event PDU) error {
	if !event.StateKeyEquals("") {
		return errorf("create event state key is not empty: %v", event.StateKey())
	}
	if len(event.PrevEventIDs()) > 0 {
		return errorf("create event must be the first event in the room: found %d prev_events", len(event.PrevEventIDs()))
	}
	roomIDDomain, err := domainFromID(event.RoomID())
	if err != nil {
		return err
	}
	senderDomain, err := domainFromID(event.Sender())
	if err != nil {
		return err
	}
	if senderDomain != roomIDDomain {
		return errorf("create event room ID domain does not match sender: %q != %q", roomIDDomain, senderDomain)
	}
	return nil
}

// memberEventAllowed checks whether the m.room.member event is allowed.
// Membership events have different authentication rules to ordinary events.
func (a *allowerContext) memberEventAllowed(event PDU) error {
	allower, err := a.newMembershipAllower(a.provider, event)
	if err != nil {
		return err
	}
	return allower.membershipAllowed(event)
}

// powerLevelsEventAllowed checks whether the m.room.power_levels event is
// allowed. It returns an error if the event is not allowed or if there was
// a problem loading the auth events needed.
func (a *allowerContext) powerLevelsEventAllowed(event PDU) error {
	allower, err := a.newEventAllower(event.Sender())
	if err != nil {
		return err
	}

	// Power level events must pass the default checks. These checks will
	// catch if the user has a high enough level to set a
	// m.room.power_levels state event.
	if err = allower.commonChecks(event); err != nil {
		return err
	}

	// Parse the power levels.
	newPowerLevels, err := NewPowerLevelContentFromEvent(event)
	if err != nil {
		return err
	}

	// Check that the user levels are all valid user IDs.
	for userID := range newPowerLevels.Users {
		if !isValidUserID(userID) {
			return errorf("Not a valid user ID: %q", userID)
		}
	}

	// Grab the old levels so that we can compare the new levels against
	// them.
	oldPowerLevels := a.powerLevels
	senderLevel := oldPowerLevels.UserLevel(event.Sender())

	// Check that the changes in event levels are allowed.
	if err = checkEventLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}

	// Check that the changes in user levels are allowed.
	return checkUserLevels(senderLevel, event.Sender(), oldPowerLevels, newPowerLevels)
}

// checkEventLevels checks that the changes in event levels are allowed.
func checkEventLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	type levelPair struct {
		old  int64
		new  int64
		name string
	}
	levelChecks := []levelPair{
		{oldPowerLevels.Ban, newPowerLevels.Ban, "ban"},
		{oldPowerLevels.Invite, newPowerLevels.Invite, "invite"},
		{oldPowerLevels.Kick, newPowerLevels.Kick, "kick"},
		{oldPowerLevels.Redact, newPowerLevels.Redact, "redact"},
		{oldPowerLevels.StateDefault, newPowerLevels.StateDefault, "state_default"},
		{oldPowerLevels.EventsDefault, newPowerLevels.EventsDefault, "events_default"},
		{oldPowerLevels.UsersDefault, newPowerLevels.UsersDefault, "users_default"},
	}

	// Then add checks for each event key in the new levels. This is to
	// handle the case where a new key is added to the levels.
	for eventType := range newPowerLevels.Events {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, true),
			newPowerLevels.EventLevel(eventType, true),
			eventType,
		})
	}
	// Then add checks for each event key in the old levels. This is to
	// handle the case where a key is removed from the levels.
	for eventType := range oldPowerLevels.Events {
		if _, ok := newPowerLevels.Events[eventType]; ok {
			continue
		}
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, true),
			newPowerLevels.EventLevel(eventType, true),
			eventType,
		})
	}

	for _, l := range levelChecks {
		if l.old == l.new {
			continue
		}
		// The users are only allowed to change the level if it is less
		// than or equal to their own level.
		if l.old > senderLevel {
			return errorf(
				"sender with level %d is not allowed to change the level for %q from %d to %d"+
					" because the current level is above their own",
				senderLevel, l.name, l.old, l.new,
			)
		}
		if l.new > senderLevel {
			return errorf(
				"sender with level %d is not allowed to change the level for %q from %d to %d"+
					" because the new level is above their own",
				senderLevel, l.name, l.old, l.new,
			)
		}
	}
	return nil
}

// checkUserLevels checks that the changes in user levels are allowed.
func checkUserLevels(senderLevel int64, senderID string, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	type levelPair struct {
		old    int64
		new    int64
		userID string
	}
	var levelChecks []levelPair

	for userID := range newPowerLevels.Users {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.UserLevel(userID), newPowerLevels.UserLevel(userID), userID,
		})
	}
	for userID := range oldPowerLevels.Users {
		if _, ok := newPowerLevels.Users[userID]; ok {
			continue
		}
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.UserLevel(userID), newPowerLevels.UserLevel(userID), userID,
		})
	}

	for _, l := range levelChecks {
		if l.old == l.new {
			continue
		}
		// The sender can always change their own level to something lower.
		if l.userID == senderID {
			if l.new > senderLevel {
				return errorf(
					"sender with level %d is not allowed to raise their own level to %d",
					senderLevel, l.new,
				)
			}
			continue
		}
		// Changing another user's level requires the current level to be
		// strictly below the sender's, and the new level at most the
		// sender's.
		if l.old >= senderLevel {
			return errorf(
				"sender with level %d is not allowed to change the level of %q from %d to %d"+
					" because the current level is not below their own",
				senderLevel, l.userID, l.old, l.new,
			)
		}
		if l.new > senderLevel {
			return errorf(
				"sender with level %d is not allowed to change the level of %q from %d to %d"+
					" because the new level is above their own",
				senderLevel, l.userID, l.old, l.new,
			)
		}
	}
	return nil
}

// defaultEventAllowed checks whether the event is allowed by the default
// checks for events.
func (a *allowerContext) defaultEventAllowed(event PDU) error {
	allower, err := a.newEventAllower(event.Sender())
	if err != nil {
		return err
	}
	return allower.commonChecks(event)
}

// An eventAllower has the information needed to authorise all event types
// other than m.room.create and m.room.member which are special.
type eventAllower struct {
	*allowerContext
	// The content of the m.room.member event for the sender.
	member MemberContent
}

// newEventAllower loads the information needed to authorise an event sent
// by a given user ID from the auth events.
func (a *allowerContext) newEventAllower(senderID string) (e eventAllower, err error) {
	e.allowerContext = a
	if e.member, err = NewMemberContentFromAuthEvents(a.provider, senderID); err != nil {
		return
	}
	return
}

// commonChecks does the checks that are applied to all event types other
// than m.room.create or m.room.member.
func (e *eventAllower) commonChecks(event PDU) error {
	if event.RoomID() != e.create.roomID {
		return errorf(
			"create event has different roomID: %q (%s) != %q (%s)",
			event.RoomID(), event.EventID(), e.create.roomID, e.create.eventID,
		)
	}

	if err := e.create.UserIDAllowed(event.Sender()); err != nil {
		return err
	}

	// Check that the sender is in the room. Every event other than
	// m.room.create and m.room.member requires this.
	if e.member.Membership != Join {
		return errorf("sender %q not in room", event.Sender())
	}

	stateKey := event.StateKey()
	senderLevel := e.powerLevels.UserLevel(event.Sender())
	eventLevel := e.powerLevels.EventLevel(event.Type(), stateKey != nil)
	if senderLevel < eventLevel {
		return errorf(
			"sender %q is not allowed to send event. %d < %d",
			event.Sender(), senderLevel, eventLevel,
		)
	}

	// Check that all state_keys that begin with '@' are only updated by
	// users with that ID.
	if stateKey != nil && len(*stateKey) > 0 && (*stateKey)[0] == '@' {
		if *stateKey != event.Sender() {
			return errorf(
				"sender %q is not allowed to modify the state belonging to %q",
				event.Sender(), *stateKey,
			)
		}
	}

	return nil
}

// A membershipAllower has the information needed to authenticate an
// m.room.member event.
type membershipAllower struct {
	*allowerContext
	// The user ID of the user whose membership is changing.
	targetID string
	// The user ID of the user who sent the membership event.
	senderID string
	// The membership of the user who sent the membership event.
	senderMember MemberContent
	// The previous membership of the user whose membership is changing.
	oldMember MemberContent
	// The new membership of the user if this event is accepted.
	newMember MemberContent
}

// newMembershipAllower loads the information needed to authenticate the
// m.room.member event from the auth events.
func (a *allowerContext) newMembershipAllower(authEvents AuthEventProvider, event PDU) (m membershipAllower, err error) {
	m.allowerContext = a
	stateKey := event.StateKey()
	if stateKey == nil {
		err = errorf("m.room.member must be a state event")
		return
	}
	m.targetID = *stateKey
	m.senderID = event.Sender()
	if m.newMember, err = NewMemberContentFromEvent(event); err != nil {
		return
	}
	if m.oldMember, err = NewMemberContentFromAuthEvents(authEvents, m.targetID); err != nil {
		return
	}
	if m.senderMember, err = NewMemberContentFromAuthEvents(authEvents, m.senderID); err != nil {
		return
	}
	return
}

// membershipAllowed checks whether the membership event is allowed.
func (m *membershipAllower) membershipAllowed(event PDU) error {
	if m.create.roomID != event.RoomID() {
		return errorf(
			"create event has different roomID: %q (%s) != %q (%s)",
			event.RoomID(), event.EventID(), m.create.roomID, m.create.eventID,
		)
	}
	if err := m.create.UserIDAllowed(m.senderID); err != nil {
		return err
	}
	if err := m.create.UserIDAllowed(m.targetID); err != nil {
		return err
	}

	// Special case the first join event in the room to allow the creator
	// to join.
	if m.targetID == m.create.Creator &&
		m.newMember.Membership == Join &&
		m.senderID == m.targetID &&
		len(event.PrevEventIDs()) == 1 {

		// Grab the event ID of the previous event.
		prevEventID := event.PrevEventIDs()[0]

		if prevEventID == m.create.eventID {
			// If this is the room creator joining the room directly after
			// the create event, then allow.
			return nil
		}
		// Otherwise fall back to the normal checks.
	}

	if m.targetID == m.senderID {
		// If the state_key and the sender are the same then this is an
		// attempt by a user to update their own membership.
		return m.membershipAllowedSelf()
	}
	// Otherwise this is an attempt to modify the membership of somebody
	// else.
	return m.membershipAllowedOther()
}

// membershipAllowedSelf determines if the change made by the user to their
// own membership is allowed.
func (m *membershipAllower) membershipAllowedSelf() error {
	// NOTSPEC: Leave -> Leave is benign but not allowed according to the
	// spec. We allow this because of historical bad events in the wild.
	if m.oldMember.Membership == Leave && m.newMember.Membership == Leave {
		return nil
	}

	switch m.newMember.Membership {
	case Join:
		// A user that is not in the room is allowed to join if the room
		// join rules are "public".
		if m.oldMember.Membership == Leave && m.joinRule.JoinRule == Public {
			return nil
		}
		// An invited user is always allowed to join, regardless of the
		// join rule.
		if m.oldMember.Membership == Invite {
			return nil
		}
		// A joined user is allowed to update their join.
		if m.oldMember.Membership == Join {
			return nil
		}
		return m.membershipFailed(
			"join rule %q forbids it", m.joinRule.JoinRule,
		)

	case Leave:
		switch m.oldMember.Membership {
		case Join:
			// A joined user is allowed to leave the room.
			return nil
		case Invite:
			// An invited user can reject the invite.
			return nil
		default:
			return m.membershipFailed(
				"sender cannot leave from membership state %q",
				m.oldMember.Membership,
			)
		}

	case Invite, Ban:
		return m.membershipFailed(
			"sender cannot set their own membership to %q", m.newMember.Membership,
		)

	default:
		return m.membershipFailed(
			"membership %q is unknown", m.newMember.Membership,
		)
	}
}

// membershipAllowedOther determines if the user is allowed to change the
// membership of another user.
func (m *membershipAllower) membershipAllowedOther() error {
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	targetLevel := m.powerLevels.UserLevel(m.targetID)

	// You may only modify the membership of another user if you are in the
	// room.
	if m.senderMember.Membership != Join {
		return errorf("sender %q is not in the room", m.senderID)
	}

	switch m.newMember.Membership {
	case Ban:
		// A user may ban another user if their level is high enough.
		if senderLevel >= m.powerLevels.Ban && senderLevel > targetLevel {
			return nil
		}
		return m.membershipFailed(
			"sender has insufficient power to ban (sender level %d, target level %d, ban level %d)",
			senderLevel, targetLevel, m.powerLevels.Ban,
		)

	case Leave:
		// A user may unban another user if their level is high enough.
		// This doesn't require the same power level checks as banning:
		// you can unban someone with a higher level than you.
		if m.oldMember.Membership == Ban {
			if senderLevel >= m.powerLevels.Ban {
				return nil
			}
			return m.membershipFailed(
				"sender has insufficient power to unban (sender level %d, ban level %d)",
				senderLevel, m.powerLevels.Ban,
			)
		}
		// A user may kick another user if their level is high enough.
		if senderLevel >= m.powerLevels.Kick && senderLevel > targetLevel {
			return nil
		}
		return m.membershipFailed(
			"sender has insufficient power to kick (sender level %d, target level %d, kick level %d)",
			senderLevel, targetLevel, m.powerLevels.Kick,
		)

	case Invite:
		// A user may only invite another user if they have sufficient
		// power to do so.
		if senderLevel < m.powerLevels.Invite {
			return m.membershipFailed(
				"sender has insufficient power to invite (sender level %d, invite level %d)",
				senderLevel, m.powerLevels.Invite,
			)
		}

		switch m.oldMember.Membership {
		case Join, Ban:
			// A user cannot be invited while joined or banned.
			return m.membershipFailed(
				"target cannot be invited when their membership is %q",
				m.oldMember.Membership,
			)
		default:
			return nil
		}

	case Join:
		return m.membershipFailed(
			"sender cannot set membership of another user to %q", m.newMember.Membership,
		)

	default:
		return m.membershipFailed(
			"membership %q is unknown", m.newMember.Membership,
		)
	}
}

// membershipFailed returns an error explaining why the membership change
// was disallowed.
func (m *membershipAllower) membershipFailed(format string, args ...interface{}) error {
	if m.senderID == m.targetID {
		return errorf(
			"%q is not allowed to change their membership from %q to %q as "+format,
			append([]interface{}{m.targetID, m.oldMember.Membership, m.newMember.Membership}, args...)...,
		)
	}

	return errorf(
		"%q is not allowed to change the membership of %q from %q to %q as "+format,
		append([]interface{}{m.senderID, m.targetID, m.oldMember.Membership, m.newMember.Membership}, args...)...,
	)
}
