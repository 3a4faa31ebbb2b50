package stateres

import (
	"errors"
	"fmt"
)

// ErrNoStateMaps is returned by Resolve when the caller supplies no
// candidate state maps at all. Resolution over nothing has no meaningful
// result, so this is a caller contract violation rather than a recoverable
// condition.
var ErrNoStateMaps = errors.New("stateres: no state maps were provided")

// UnsupportedRoomVersionError occurs when a call has been made with a room
// version that is not known to this library.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("stateres: unsupported room version %q", e.Version)
}

// A NotAllowed error is returned if an event does not pass the auth checks.
type NotAllowed struct {
	Message string
}

func (a *NotAllowed) Error() string {
	return "eventauth: " + a.Message
}

func errorf(message string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(message, args...)}
}
