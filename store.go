package stateres

// MemoryEventStore is an EventStore backed by a map. It is useful as a
// snapshot of the subset of a room's events that a resolution call needs,
// and as the store implementation in tests.
type MemoryEventStore struct {
	events map[string]PDU
}

// NewMemoryEventStore creates a store holding the given events. Events with
// duplicate IDs keep the first copy seen.
func NewMemoryEventStore(events ...PDU) *MemoryEventStore {
	s := &MemoryEventStore{
		events: make(map[string]PDU, len(events)),
	}
	for _, event := range events {
		s.AddEvent(event)
	}
	return s
}

// AddEvent adds an event to the store if the store doesn't already have an
// event with the same ID.
func (s *MemoryEventStore) AddEvent(event PDU) {
	if _, ok := s.events[event.EventID()]; !ok {
		s.events[event.EventID()] = event
	}
}

// GetEvent implements EventStore.
func (s *MemoryEventStore) GetEvent(eventID string) (PDU, bool) {
	event, ok := s.events[eventID]
	return event, ok
}

// GetEvents implements EventStore.
func (s *MemoryEventStore) GetEvents(eventIDs []string) []PDU {
	result := make([]PDU, 0, len(eventIDs))
	for _, id := range eventIDs {
		if event, ok := s.events[id]; ok {
			result = append(result, event)
		}
	}
	return result
}
