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

// A conflictedPowerLevelEvent is a representation of a conflicted power
// event with the keys that the incremental topological sort uses to break
// ties between events at the same depth in the auth DAG.
type conflictedPowerLevelEvent struct {
	powerLevel int64
	depth      int64
	eventID    string
}

// A conflictedPowerLevelEventHeap is a min-heap of conflicted power events:
// the root is the event that the topological sort should emit next out of
// the currently in-degree-zero candidates. Ties are resolved by sender
// power level (descending), then depth (ascending), then by a
// lexicographical comparison of event IDs.
type conflictedPowerLevelEventHeap []*conflictedPowerLevelEvent

func (s conflictedPowerLevelEventHeap) Len() int {
	return len(s)
}

func (s conflictedPowerLevelEventHeap) Less(i, j int) bool {
	if s[i].powerLevel != s[j].powerLevel {
		return s[i].powerLevel > s[j].powerLevel
	}
	if s[i].depth != s[j].depth {
		return s[i].depth < s[j].depth
	}
	return s[i].eventID < s[j].eventID
}

func (s conflictedPowerLevelEventHeap) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s *conflictedPowerLevelEventHeap) Push(x interface{}) {
	*s = append(*s, x.(*conflictedPowerLevelEvent))
}

func (s *conflictedPowerLevelEventHeap) Pop() interface{} {
	old := *s
	n := len(old)
	x := old[n-1]
	*s = old[:n-1]
	return x
}

// A conflictedOtherEvent is a representation of a conflicted non-power
// event with the keys that the mainline ordering sorts on.
type conflictedOtherEvent struct {
	mainlinePosition int
	depth            int64
	eventID          string
}

// A conflictedOtherEventHeap is a min-heap of conflicted non-power events,
// ordered by mainline position (ascending), then depth (ascending), then by
// a lexicographical comparison of event IDs.
type conflictedOtherEventHeap []*conflictedOtherEvent

func (s conflictedOtherEventHeap) Len() int {
	return len(s)
}

func (s conflictedOtherEventHeap) Less(i, j int) bool {
	if s[i].mainlinePosition != s[j].mainlinePosition {
		return s[i].mainlinePosition < s[j].mainlinePosition
	}
	if s[i].depth != s[j].depth {
		return s[i].depth < s[j].depth
	}
	return s[i].eventID < s[j].eventID
}

func (s conflictedOtherEventHeap) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s *conflictedOtherEventHeap) Push(x interface{}) {
	*s = append(*s, x.(*conflictedOtherEvent))
}

func (s *conflictedOtherEventHeap) Pop() interface{} {
	old := *s
	n := len(old)
	x := old[n-1]
	*s = old[:n-1]
	return x
}
