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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var (
	ALICE   = "@alice:example.com"
	BOB     = "@bob:example.com"
	CHARLIE = "@charlie:example.com"
	EVELYN  = "@evelyn:example.com"
	ZARA    = "@zara:example.com"
)

var emptyStateKey = ""

const testRoomID = "!ROOM:example.com"

func makeTestEvent(eventID, eventType, sender string, stateKey *string, depth int64, content string, authEventIDs, prevEventIDs []string) *Event {
	return NewEvent(RoomVersionV2, EventFields{
		EventID:      eventID,
		RoomID:       testRoomID,
		Sender:       sender,
		Type:         eventType,
		StateKey:     stateKey,
		AuthEventIDs: authEventIDs,
		PrevEventIDs: prevEventIDs,
		Depth:        depth,
		Content:      json.RawMessage(content),
	})
}

// baseRoomEvents is the uncontroversial start of the room: the create
// event, the creator joining, the initial power levels, public join rules
// and two more users joining.
func baseRoomEvents() []*Event {
	return []*Event{
		makeTestEvent(
			"$CREATE:example.com", MRoomCreate, ALICE, &emptyStateKey, 1,
			`{"creator": "`+ALICE+`"}`,
			nil, nil,
		),
		makeTestEvent(
			"$IMA:example.com", MRoomMember, ALICE, &ALICE, 2,
			`{"membership": "join"}`,
			[]string{"$CREATE:example.com"},
			[]string{"$CREATE:example.com"},
		),
		makeTestEvent(
			"$IPOWER:example.com", MRoomPowerLevels, ALICE, &emptyStateKey, 3,
			`{"users": {"`+ALICE+`": 100}}`,
			[]string{"$CREATE:example.com", "$IMA:example.com"},
			[]string{"$IMA:example.com"},
		),
		makeTestEvent(
			"$IJR:example.com", MRoomJoinRules, ALICE, &emptyStateKey, 4,
			`{"join_rule": "public"}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$IPOWER:example.com"},
			[]string{"$IPOWER:example.com"},
		),
		makeTestEvent(
			"$IMB:example.com", MRoomMember, BOB, &BOB, 5,
			`{"membership": "join"}`,
			[]string{"$CREATE:example.com", "$IJR:example.com", "$IPOWER:example.com"},
			[]string{"$IJR:example.com"},
		),
		makeTestEvent(
			"$IMC:example.com", MRoomMember, CHARLIE, &CHARLIE, 6,
			`{"membership": "join"}`,
			[]string{"$CREATE:example.com", "$IJR:example.com", "$IPOWER:example.com"},
			[]string{"$IMB:example.com"},
		),
	}
}

func baseStateMap() StateMap {
	return StateMap{
		{MRoomCreate, ""}:      "$CREATE:example.com",
		{MRoomMember, ALICE}:   "$IMA:example.com",
		{MRoomPowerLevels, ""}: "$IPOWER:example.com",
		{MRoomJoinRules, ""}:   "$IJR:example.com",
		{MRoomMember, BOB}:     "$IMB:example.com",
		{MRoomMember, CHARLIE}: "$IMC:example.com",
	}
}

func resolveForks(t *testing.T, store EventStore, forks ...StateMap) StateMap {
	t.Helper()
	resolved, err := Resolve(testRoomID, RoomVersionV2, forks, store)
	require.NoError(t, err)
	return resolved
}

func TestResolveNoStateMaps(t *testing.T) {
	store := NewMemoryEventStore()
	_, err := Resolve(testRoomID, RoomVersionV2, nil, store)
	require.ErrorIs(t, err, ErrNoStateMaps)
}

func TestResolveUnsupportedRoomVersion(t *testing.T) {
	store := NewMemoryEventStore(ToPDUs(baseRoomEvents())...)
	for _, version := range []RoomVersion{RoomVersionV1, "not-a-version"} {
		_, err := Resolve(testRoomID, version, []StateMap{baseStateMap()}, store)
		var unsupported UnsupportedRoomVersionError
		require.ErrorAs(t, err, &unsupported)
		require.Equal(t, version, unsupported.Version)
	}
}

func TestResolveSingleStateMapIsCopied(t *testing.T) {
	store := NewMemoryEventStore(ToPDUs(baseRoomEvents())...)
	fork := baseStateMap()

	resolved := resolveForks(t, store, fork)
	if diff := cmp.Diff(fork, resolved); diff != "" {
		t.Fatalf("unexpected resolved state (-want +got):\n%s", diff)
	}

	// Mutating the result must not leak into the caller's map.
	resolved[StateKeyTuple{MRoomName, ""}] = "$BOGUS:example.com"
	if _, ok := fork[StateKeyTuple{MRoomName, ""}]; ok {
		t.Fatalf("mutation of the resolved state leaked into the input")
	}
}

func TestResolveNoConflicts(t *testing.T) {
	store := NewMemoryEventStore(ToPDUs(baseRoomEvents())...)

	// The second fork is missing a couple of entries but doesn't disagree
	// about anything, so the union resolves without running the algorithm.
	partial := baseStateMap()
	delete(partial, StateKeyTuple{MRoomMember, CHARLIE})
	delete(partial, StateKeyTuple{MRoomJoinRules, ""})

	resolved := resolveForks(t, store, baseStateMap(), partial)
	if diff := cmp.Diff(baseStateMap(), resolved); diff != "" {
		t.Fatalf("unexpected resolved state (-want +got):\n%s", diff)
	}
}

// banVsPowerLevelFixture builds the classic divergence: Alice promotes Bob,
// then one fork sees Alice ban Bob while the other sees Bob update the
// power levels. The ban must win: with Bob banned in the partially resolved
// state, his power level event no longer passes its auth checks.
func banVsPowerLevelFixture() (store *MemoryEventStore, fork1, fork2 StateMap) {
	events := append(baseRoomEvents(),
		makeTestEvent(
			"$PA:example.com", MRoomPowerLevels, ALICE, &emptyStateKey, 7,
			`{"users": {"`+ALICE+`": 100, "`+BOB+`": 50}}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$IPOWER:example.com"},
			[]string{"$IMC:example.com"},
		),
		makeTestEvent(
			"$MB:example.com", MRoomMember, ALICE, &BOB, 8,
			`{"membership": "ban"}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$PA:example.com", "$IMB:example.com"},
			[]string{"$PA:example.com"},
		),
		makeTestEvent(
			"$PB:example.com", MRoomPowerLevels, BOB, &emptyStateKey, 8,
			`{"users": {"`+ALICE+`": 100, "`+BOB+`": 50, "`+EVELYN+`": 50}}`,
			[]string{"$CREATE:example.com", "$IMB:example.com", "$PA:example.com"},
			[]string{"$PA:example.com"},
		),
	)
	store = NewMemoryEventStore(ToPDUs(events)...)

	fork1 = baseStateMap()
	fork1[StateKeyTuple{MRoomPowerLevels, ""}] = "$PA:example.com"
	fork1[StateKeyTuple{MRoomMember, BOB}] = "$MB:example.com"

	fork2 = baseStateMap()
	fork2[StateKeyTuple{MRoomPowerLevels, ""}] = "$PB:example.com"
	return
}

func TestResolveBanVsPowerLevel(t *testing.T) {
	store, fork1, fork2 := banVsPowerLevelFixture()

	expected := baseStateMap()
	expected[StateKeyTuple{MRoomPowerLevels, ""}] = "$PA:example.com"
	expected[StateKeyTuple{MRoomMember, BOB}] = "$MB:example.com"

	resolved := resolveForks(t, store, fork1, fork2)
	if diff := cmp.Diff(expected, resolved); diff != "" {
		t.Fatalf("unexpected resolved state (-want +got):\n%s", diff)
	}
}

// mainlineFixture forks the room so that each side renames it under a
// different power levels regime. The rename anchored on the newer power
// level event must win even though it has the smaller depth.
func mainlineFixture() (store *MemoryEventStore, fork1, fork2 StateMap) {
	events := append(baseRoomEvents(),
		makeTestEvent(
			"$PA:example.com", MRoomPowerLevels, ALICE, &emptyStateKey, 7,
			`{"users": {"`+ALICE+`": 100}}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$IPOWER:example.com"},
			[]string{"$IMC:example.com"},
		),
		makeTestEvent(
			"$NA:example.com", MRoomName, ALICE, &emptyStateKey, 9,
			`{"name": "Fork one"}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$IPOWER:example.com"},
			[]string{"$IMC:example.com"},
		),
		makeTestEvent(
			"$NB:example.com", MRoomName, ALICE, &emptyStateKey, 8,
			`{"name": "Fork two"}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$PA:example.com"},
			[]string{"$PA:example.com"},
		),
	)
	store = NewMemoryEventStore(ToPDUs(events)...)

	fork1 = baseStateMap()
	fork1[StateKeyTuple{MRoomName, ""}] = "$NA:example.com"

	fork2 = baseStateMap()
	fork2[StateKeyTuple{MRoomPowerLevels, ""}] = "$PA:example.com"
	fork2[StateKeyTuple{MRoomName, ""}] = "$NB:example.com"
	return
}

func TestResolveMainlineOrdering(t *testing.T) {
	store, fork1, fork2 := mainlineFixture()

	expected := baseStateMap()
	expected[StateKeyTuple{MRoomPowerLevels, ""}] = "$PA:example.com"
	expected[StateKeyTuple{MRoomName, ""}] = "$NB:example.com"

	resolved := resolveForks(t, store, fork1, fork2)
	if diff := cmp.Diff(expected, resolved); diff != "" {
		t.Fatalf("unexpected resolved state (-want +got):\n%s", diff)
	}
}

func TestResolveDepthAndEventIDTieBreaks(t *testing.T) {
	// Two renames by the same sender under the same power levels: the
	// mainline positions are equal so depth decides, and with equal depths
	// the higher event ID is applied last and wins.
	makeName := func(eventID string, depth int64, name string) *Event {
		return makeTestEvent(
			eventID, MRoomName, ALICE, &emptyStateKey, depth,
			`{"name": "`+name+`"}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$IPOWER:example.com"},
			[]string{"$IMC:example.com"},
		)
	}

	t.Run("depth", func(t *testing.T) {
		events := append(baseRoomEvents(),
			makeName("$NA:example.com", 8, "Older"),
			makeName("$NB:example.com", 7, "Newer"),
		)
		store := NewMemoryEventStore(ToPDUs(events)...)
		fork1, fork2 := baseStateMap(), baseStateMap()
		fork1[StateKeyTuple{MRoomName, ""}] = "$NA:example.com"
		fork2[StateKeyTuple{MRoomName, ""}] = "$NB:example.com"

		resolved := resolveForks(t, store, fork1, fork2)
		require.Equal(t, "$NA:example.com", resolved[StateKeyTuple{MRoomName, ""}])
	})

	t.Run("event ID", func(t *testing.T) {
		events := append(baseRoomEvents(),
			makeName("$NA:example.com", 7, "First"),
			makeName("$NB:example.com", 7, "Second"),
		)
		store := NewMemoryEventStore(ToPDUs(events)...)
		fork1, fork2 := baseStateMap(), baseStateMap()
		fork1[StateKeyTuple{MRoomName, ""}] = "$NA:example.com"
		fork2[StateKeyTuple{MRoomName, ""}] = "$NB:example.com"

		resolved := resolveForks(t, store, fork1, fork2)
		require.Equal(t, "$NB:example.com", resolved[StateKeyTuple{MRoomName, ""}])
	})
}

func TestResolveDeterministicUnderPermutation(t *testing.T) {
	store, fork1, fork2 := banVsPowerLevelFixture()

	first := resolveForks(t, store, fork1, fork2)
	second := resolveForks(t, store, fork2, fork1)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("resolution depends on state map order (-first +second):\n%s", diff)
	}
}

func TestResolveIdempotent(t *testing.T) {
	store, fork1, fork2 := banVsPowerLevelFixture()

	resolved := resolveForks(t, store, fork1, fork2)
	again := resolveForks(t, store, resolved, resolved.Copy())
	if diff := cmp.Diff(resolved, again); diff != "" {
		t.Fatalf("resolving the resolved state changed it (-want +got):\n%s", diff)
	}
}

func TestResolveAgreementPreserved(t *testing.T) {
	store, fork1, fork2 := banVsPowerLevelFixture()

	resolved := resolveForks(t, store, fork1, fork2)
	for tuple, eventID := range baseStateMap() {
		if tuple == (StateKeyTuple{MRoomPowerLevels, ""}) || tuple == (StateKeyTuple{MRoomMember, BOB}) {
			continue // conflicted in this fixture
		}
		require.Equal(t, eventID, resolved[tuple], "unconflicted entry %v changed", tuple)
	}
}

func TestResolveMissingEventsDegradeGracefully(t *testing.T) {
	_, fork1, fork2 := banVsPowerLevelFixture()

	// Rebuild the store without Bob's power level event. The resolver
	// should drop the candidate it can't fetch and still converge.
	var events []*Event
	for _, event := range append(baseRoomEvents(),
		makeTestEvent(
			"$PA:example.com", MRoomPowerLevels, ALICE, &emptyStateKey, 7,
			`{"users": {"`+ALICE+`": 100, "`+BOB+`": 50}}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$IPOWER:example.com"},
			[]string{"$IMC:example.com"},
		),
		makeTestEvent(
			"$MB:example.com", MRoomMember, ALICE, &BOB, 8,
			`{"membership": "ban"}`,
			[]string{"$CREATE:example.com", "$IMA:example.com", "$PA:example.com", "$IMB:example.com"},
			[]string{"$PA:example.com"},
		),
	) {
		events = append(events, event)
	}
	store := NewMemoryEventStore(ToPDUs(events)...)

	expected := baseStateMap()
	expected[StateKeyTuple{MRoomPowerLevels, ""}] = "$PA:example.com"
	expected[StateKeyTuple{MRoomMember, BOB}] = "$MB:example.com"

	resolved := resolveForks(t, store, fork1, fork2)
	if diff := cmp.Diff(expected, resolved); diff != "" {
		t.Fatalf("unexpected resolved state (-want +got):\n%s", diff)
	}
}

func BenchmarkResolveBanVsPowerLevel(b *testing.B) {
	store, fork1, fork2 := banVsPowerLevelFixture()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Resolve(testRoomID, RoomVersionV2, []StateMap{fork1, fork2}, store); err != nil {
			b.Fatal(err)
		}
	}
}
