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
	"container/heap"
	"sort"

	set "github.com/hashicorp/go-set/v3"
	"github.com/sirupsen/logrus"
)

// Resolve performs state resolution on the given state maps and returns the
// resolved state of the room. The store supplies the events named by the
// state maps along with their auth chains; events that the store can't
// supply are skipped rather than failing the resolution, since a single
// missing or malformed event must never make the whole room unresolvable.
//
// Resolve only errors on structural problems: no state maps, or a room
// version whose resolution algorithm isn't supported. Events that fail
// their auth checks are rejected and simply don't contribute to the result.
func Resolve(roomID string, roomVersion RoomVersion, stateMaps []StateMap, store EventStore) (StateMap, error) {
	if len(stateMaps) == 0 {
		return nil, ErrNoStateMaps
	}
	algorithm, err := roomVersion.StateResAlgorithm()
	if err != nil {
		return nil, err
	}
	if algorithm != StateResV2 {
		return nil, UnsupportedRoomVersionError{Version: roomVersion}
	}
	if len(stateMaps) == 1 {
		return stateMaps[0].Copy(), nil
	}

	unconflicted, conflicted := SeparateStateMaps(stateMaps)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	r := &stateResolver{
		store:   store,
		version: roomVersion,
		logger:  logrus.WithField("room_id", roomID),
		chains:  newAuthChainBuilder(store),

		authProvider:      NewAuthEvents(nil),
		senderLevels:      make(map[string]*senderLevelLookup),
		mainlinePositions: make(map[string]int),
	}
	r.allower = newAllowerContext(&r.authProvider)
	return r.resolve(stateMaps, unconflicted, conflicted), nil
}

// A stateResolver carries the per-call scratch state of a single Resolve
// run: the memoized auth chains, the reusable auth event provider and the
// lookup caches that keep the orderings from re-parsing power level events.
type stateResolver struct {
	store   EventStore
	version RoomVersion
	logger  *logrus.Entry
	chains  *authChainBuilder

	authProvider AuthEvents
	allower      *allowerContext

	// senderLevels caches the user level lookup of each power level event
	// seen in auth events, keyed by the power level event ID.
	senderLevels map[string]*senderLevelLookup

	// mainlinePositions caches the mainline position of each event seen
	// while computing the mainline ordering.
	mainlinePositions map[string]int

	resolved StateMap
}

type senderLevelLookup struct {
	usersDefault int64
	users        map[string]int64
}

func (s *senderLevelLookup) level(userID string) int64 {
	if level, ok := s.users[userID]; ok {
		return level
	}
	return s.usersDefault
}

func (r *stateResolver) resolve(stateMaps []StateMap, unconflicted StateMap, conflicted map[StateKeyTuple][]string) StateMap {
	// The full conflicted set is the conflicted state entries plus the
	// auth difference of the forks.
	fullConflicted := authDifference(r.chains, stateMaps)
	for _, eventIDs := range conflicted {
		for _, eventID := range eventIDs {
			fullConflicted.Insert(eventID)
		}
	}

	// Split the full conflicted set into the power events plus the part of
	// their auth chains that is itself conflicted, and everything else.
	// The former are ordered topologically and resolved first so that the
	// power levels and join rules they establish govern the rest.
	powerSet := set.New[string](0)
	fullConflictedIDs := fullConflicted.Slice()
	sort.Strings(fullConflictedIDs)
	for _, eventID := range fullConflictedIDs {
		event, ok := r.store.GetEvent(eventID)
		if !ok {
			r.logger.WithField("event_id", eventID).Debug("Dropping unknown event from the conflicted set")
			continue
		}
		if !isPowerEvent(event) {
			continue
		}
		powerSet.Insert(eventID)
		for _, chainEventID := range r.chains.chainFor(eventID).Slice() {
			if fullConflicted.Contains(chainEventID) {
				powerSet.Insert(chainEventID)
			}
		}
	}

	otherEventIDs := make([]string, 0, len(fullConflictedIDs))
	for _, eventID := range fullConflictedIDs {
		if _, ok := r.store.GetEvent(eventID); !ok {
			continue
		}
		if !powerSet.Contains(eventID) {
			otherEventIDs = append(otherEventIDs, eventID)
		}
	}

	// Resolve the power events on top of the unconflicted state.
	r.resolved = unconflicted.Copy()
	r.applyIterativeAuthChecks(r.reverseTopologicalPowerSort(powerSet))

	// Then resolve the remaining conflicted events in mainline order,
	// anchored on the power level event that the first pass resolved.
	r.applyIterativeAuthChecks(r.mainlineOrdering(otherEventIDs))

	// Finally reapply the unconflicted state. The iterative auth checks
	// only ever fill in conflicted entries, but an entry every fork agreed
	// on must survive resolution verbatim, so the unconflicted state wins
	// unconditionally.
	for tuple, eventID := range unconflicted {
		r.resolved[tuple] = eventID
	}
	return r.resolved
}

// isPowerEvent returns true if the event is a power event: an event that
// can change who is allowed to do what in the room.
func isPowerEvent(event PDU) bool {
	switch event.Type() {
	case MRoomCreate, MRoomPowerLevels, MRoomJoinRules:
		return event.StateKeyEquals("")
	case MRoomMember:
		membership, err := event.Membership()
		if err != nil {
			return false
		}
		if membership != Leave && membership != Ban {
			return false
		}
		return !event.StateKeyEquals(event.Sender())
	default:
		return false
	}
}

// reverseTopologicalPowerSort sorts the given events so that every event
// appears after the events in its auth chain, using Kahn's algorithm over
// the auth edges within the set. Where several events are ready at once the
// event with the highest sender power level is emitted first, then the
// shallowest, then the lowest event ID.
func (r *stateResolver) reverseTopologicalPowerSort(eventIDs *set.Set[string]) []string {
	// In-degree of an event is the number of its auth events within the
	// set; dependents is the reverse adjacency used to decrement them.
	inDegree := make(map[string]int, eventIDs.Size())
	dependents := make(map[string][]string, eventIDs.Size())
	for _, eventID := range eventIDs.Slice() {
		event, ok := r.store.GetEvent(eventID)
		if !ok {
			continue
		}
		if _, ok := inDegree[eventID]; !ok {
			inDegree[eventID] = 0
		}
		for _, authEventID := range event.AuthEventIDs() {
			if !eventIDs.Contains(authEventID) {
				continue
			}
			// An unfetchable ancestor can never be emitted, so it must not
			// hold back the events that cite it.
			if _, ok := r.store.GetEvent(authEventID); !ok {
				continue
			}
			inDegree[eventID]++
			dependents[authEventID] = append(dependents[authEventID], eventID)
		}
	}

	block := conflictedPowerLevelEventHeap{}
	for eventID, degree := range inDegree {
		if degree == 0 {
			heap.Push(&block, r.newConflictedPowerLevelEvent(eventID))
		}
	}

	sorted := make([]string, 0, len(inDegree))
	for block.Len() > 0 {
		next := heap.Pop(&block).(*conflictedPowerLevelEvent)
		sorted = append(sorted, next.eventID)
		for _, dependent := range dependents[next.eventID] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(&block, r.newConflictedPowerLevelEvent(dependent))
			}
		}
	}
	return sorted
}

func (r *stateResolver) newConflictedPowerLevelEvent(eventID string) *conflictedPowerLevelEvent {
	event, _ := r.store.GetEvent(eventID)
	return &conflictedPowerLevelEvent{
		powerLevel: r.senderPowerLevel(event),
		depth:      event.Depth(),
		eventID:    eventID,
	}
}

// senderPowerLevel works out the power level the sender of an event had at
// the time they sent it, judged by the power level event in the event's own
// auth events. If there is no power level event then the room creator has
// level 100 and everybody else level 0.
func (r *stateResolver) senderPowerLevel(event PDU) int64 {
	var createEvent PDU
	for _, authEvent := range r.store.GetEvents(event.AuthEventIDs()) {
		switch {
		case authEvent.Type() == MRoomPowerLevels && authEvent.StateKeyEquals(""):
			lookup, ok := r.senderLevels[authEvent.EventID()]
			if !ok {
				lookup = &senderLevelLookup{}
				lookup.usersDefault, lookup.users = UsersDefaultAndMapFromEvent(authEvent)
				r.senderLevels[authEvent.EventID()] = lookup
			}
			return lookup.level(event.Sender())
		case authEvent.Type() == MRoomCreate && authEvent.StateKeyEquals(""):
			createEvent = authEvent
		}
	}
	if event.Type() == MRoomCreate && event.StateKeyEquals("") {
		createEvent = event
	}
	if createEvent != nil {
		create, err := NewCreateContentFromAuthEvents(singleCreateProvider{createEvent})
		if err == nil && create.Creator == event.Sender() {
			return 100
		}
	}
	return 0
}

// singleCreateProvider is an AuthEventProvider that only knows about a
// create event, used for the creator lookup in senderPowerLevel.
type singleCreateProvider struct {
	create PDU
}

func (p singleCreateProvider) Create() (PDU, error)       { return p.create, nil }
func (p singleCreateProvider) JoinRules() (PDU, error)    { return nil, nil }
func (p singleCreateProvider) PowerLevels() (PDU, error)  { return nil, nil }
func (p singleCreateProvider) Member(string) (PDU, error) { return nil, nil }
func (p singleCreateProvider) Valid() bool                { return true }

// applyIterativeAuthChecks applies the events in the given order on top of
// the partially resolved state. Each event is checked against the auth
// events it cites, overridden by whatever the partially resolved state
// already holds for the state the event needs. Events that pass update the
// resolved state; events that fail are rejected and logged, never bubbled
// up as errors.
func (r *stateResolver) applyIterativeAuthChecks(eventIDs []string) {
	for _, eventID := range eventIDs {
		event, ok := r.store.GetEvent(eventID)
		if !ok {
			r.logger.WithField("event_id", eventID).Debug("Skipping auth checks for unknown event")
			continue
		}

		r.authProvider.Clear()
		for _, authEvent := range r.store.GetEvents(event.AuthEventIDs()) {
			r.authProvider.AddEvent(authEvent) // nolint: errcheck
		}
		for _, tuple := range StateNeededForAuth([]PDU{event}).Tuples() {
			resolvedID, ok := r.resolved[tuple]
			if !ok {
				continue
			}
			if resolvedEvent, ok := r.store.GetEvent(resolvedID); ok {
				r.authProvider.AddEvent(resolvedEvent) // nolint: errcheck
			}
		}
		r.allower.update(&r.authProvider)

		if err := r.allower.allowed(event); err != nil {
			r.logger.WithFields(logrus.Fields{
				"event_id": event.EventID(),
				"type":     event.Type(),
			}).WithError(err).Debug("Rejecting event")
			continue
		}
		if stateKey := event.StateKey(); stateKey != nil {
			r.resolved[StateKeyTuple{event.Type(), *stateKey}] = event.EventID()
		}
	}
}

// mainlineOrdering sorts the given events by their position relative to the
// mainline of the resolved power level event: the chain of power level
// events reachable by recursively following the power level event cited in
// auth events. Events closer to the start of the mainline sort first, with
// depth and then event ID breaking ties.
func (r *stateResolver) mainlineOrdering(eventIDs []string) []string {
	mainline := r.buildMainline()
	mainlineMap := make(map[string]int, len(mainline))
	for position, eventID := range mainline {
		mainlineMap[eventID] = position
	}

	events := make(conflictedOtherEventHeap, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		event, ok := r.store.GetEvent(eventID)
		if !ok {
			continue
		}
		events = append(events, &conflictedOtherEvent{
			mainlinePosition: r.mainlinePosition(event, mainlineMap),
			depth:            event.Depth(),
			eventID:          eventID,
		})
	}
	sort.Sort(events)

	sorted := make([]string, 0, len(events))
	for _, event := range events {
		sorted = append(sorted, event.eventID)
	}
	return sorted
}

// buildMainline walks backwards from the resolved power level event through
// the power level events cited in auth events, and returns the chain in
// oldest-first order so that mainline positions ascend over time.
func (r *stateResolver) buildMainline() []string {
	var mainline []string
	eventID, ok := r.resolved[StateKeyTuple{MRoomPowerLevels, ""}]
	if !ok {
		return mainline
	}
	seen := set.New[string](0)
	for eventID != "" && !seen.Contains(eventID) {
		seen.Insert(eventID)
		mainline = append(mainline, eventID)
		event, ok := r.store.GetEvent(eventID)
		if !ok {
			break
		}
		eventID = authPowerLevelID(r.store, event)
	}
	// Reverse so that the oldest mainline entry has the lowest position.
	for i, j := 0, len(mainline)-1; i < j; i, j = i+1, j-1 {
		mainline[i], mainline[j] = mainline[j], mainline[i]
	}
	return mainline
}

// mainlinePosition finds the position of the closest mainline event in the
// event's auth ancestry, walking power level auth events until one is on
// the mainline. Events with no mainline ancestor have position 0.
func (r *stateResolver) mainlinePosition(event PDU, mainlineMap map[string]int) int {
	var walked []string
	for event != nil {
		if position, ok := r.mainlinePositions[event.EventID()]; ok {
			return r.memoizeMainlinePositions(walked, position)
		}
		if position, ok := mainlineMap[event.EventID()]; ok {
			return r.memoizeMainlinePositions(walked, position)
		}
		walked = append(walked, event.EventID())
		parentID := authPowerLevelID(r.store, event)
		if parentID == "" {
			break
		}
		parent, ok := r.store.GetEvent(parentID)
		if !ok {
			break
		}
		event = parent
	}
	return r.memoizeMainlinePositions(walked, 0)
}

func (r *stateResolver) memoizeMainlinePositions(walked []string, position int) int {
	for _, eventID := range walked {
		r.mainlinePositions[eventID] = position
	}
	return position
}

// authPowerLevelID returns the ID of the power level event cited in the
// event's auth events, or "" if there isn't one in the store.
func authPowerLevelID(store EventStore, event PDU) string {
	for _, authEvent := range store.GetEvents(event.AuthEventIDs()) {
		if authEvent.Type() == MRoomPowerLevels && authEvent.StateKeyEquals("") {
			return authEvent.EventID()
		}
	}
	return ""
}
