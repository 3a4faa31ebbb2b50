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
	"sort"

	set "github.com/hashicorp/go-set/v3"
)

// SeparateStateMaps splits the given state maps into the unconflicted state
// and the conflicted state. A state key tuple is unconflicted if every map
// that has an entry for it agrees on the event ID; a tuple missing from
// some maps but agreed on by the rest is still unconflicted. The conflicted
// entries are returned as a map from tuple to the distinct candidate event
// IDs, sorted for determinism.
func SeparateStateMaps(stateMaps []StateMap) (StateMap, map[StateKeyTuple][]string) {
	unconflicted := StateMap{}
	conflicted := map[StateKeyTuple][]string{}

	candidates := map[StateKeyTuple]*set.Set[string]{}
	for _, stateMap := range stateMaps {
		for tuple, eventID := range stateMap {
			if _, ok := candidates[tuple]; !ok {
				candidates[tuple] = set.New[string](1)
			}
			candidates[tuple].Insert(eventID)
		}
	}

	for tuple, eventIDs := range candidates {
		if eventIDs.Size() == 1 {
			unconflicted[tuple] = eventIDs.Slice()[0]
			continue
		}
		ids := eventIDs.Slice()
		sort.Strings(ids)
		conflicted[tuple] = ids
	}
	return unconflicted, conflicted
}

// authDifference computes the auth difference of the forks: the union of
// the full auth chains of each fork's state, minus their intersection. Each
// fork's chain is computed over the complete state map of that fork, not
// just its conflicted entries.
func authDifference(builder *authChainBuilder, stateMaps []StateMap) *set.Set[string] {
	difference := set.New[string](0)
	if len(stateMaps) < 2 {
		return difference
	}

	// Count in how many forks each chain member appears. Anything seen in
	// fewer forks than there are forks is in the union but not the
	// intersection.
	occurrences := map[string]int{}
	for _, stateMap := range stateMaps {
		chain := builder.chain(stateMap.EventIDs())
		for _, eventID := range chain.Slice() {
			occurrences[eventID]++
		}
	}
	for eventID, count := range occurrences {
		if count < len(stateMaps) {
			difference.Insert(eventID)
		}
	}
	return difference
}
