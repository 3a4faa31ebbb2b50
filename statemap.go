package stateres

import "sort"

// A StateKeyTuple is the combination of an event type and a state key.
// It is used as a key in a StateMap.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// A StateMap is one possible view of the room state: a mapping of event
// type and state key to the event ID currently holding that piece of
// state. Multiple StateMaps, one per fork of the room, are the input to
// Resolve; a single converged StateMap is its output.
type StateMap map[StateKeyTuple]string

// Copy returns a copy of the state map which can be modified without
// affecting the original.
func (m StateMap) Copy() StateMap {
	c := make(StateMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// EventIDs returns the event IDs referenced by the state map, sorted
// lexicographically and deduplicated.
func (m StateMap) EventIDs() []string {
	seen := make(map[string]struct{}, len(m))
	ids := make([]string, 0, len(m))
	for _, id := range m {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
