package stateres

// PDU is a single immutable event in the room's event graph. The resolver
// only ever reads events; it never mutates or persists them.
type PDU interface {
	EventID() string
	RoomID() string
	Version() RoomVersion
	Sender() string
	Type() string
	StateKey() *string
	StateKeyEquals(s string) bool
	AuthEventIDs() []string
	PrevEventIDs() []string
	Depth() int64
	Content() []byte
	Membership() (string, error)
}

// EventStore provides read access to the events of a room. Implementations
// are expected to be externally synchronised: the resolver performs no
// writes and assumes events are immutable once persisted.
//
// A lookup miss is an omission, never an error. Partial federation data is
// expected in practice and the resolver degrades gracefully around missing
// events.
type EventStore interface {
	// GetEvent returns the event with the given ID, or false if the store
	// does not have it.
	GetEvent(eventID string) (PDU, bool)
	// GetEvents returns the events for the given IDs. IDs that the store
	// does not have are omitted from the result.
	GetEvents(eventIDs []string) []PDU
}

// ToPDUs converts a slice of concrete PDU implementations to a slice of
// PDUs. This is useful when interfacing with functions which require []PDU.
func ToPDUs[T PDU](events []T) []PDU {
	result := make([]PDU, len(events))
	for i := range events {
		result[i] = events[i]
	}
	return result
}
