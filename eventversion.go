package stateres

// RoomVersion refers to the room version for a specific room.
type RoomVersion string

// StateResAlgorithm refers to a version of the state resolution algorithm.
type StateResAlgorithm int

// Room version constants. These are strings because the version grammar
// allows for future expansion.
// https://spec.matrix.org/latest/rooms/#room-version-grammar
const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// State resolution constants
const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// roomVersion contains the capabilities of a given room version, e.g. which
// state resolution algorithm to use or how power levels are encoded on the
// wire. The table is closed: new versions are added here, not discovered at
// runtime.
type roomVersion struct {
	stateResAlgorithm  StateResAlgorithm
	integerPowerLevels bool
}

var roomVersionMeta = map[RoomVersion]roomVersion{
	RoomVersionV1: {
		stateResAlgorithm:  StateResV1,
		integerPowerLevels: false,
	},
	RoomVersionV2: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV3: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV4: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV5: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV6: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV7: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV8: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV9: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: false,
	},
	RoomVersionV10: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: true,
	},
	RoomVersionV11: {
		stateResAlgorithm:  StateResV2,
		integerPowerLevels: true,
	},
}

// Supported returns true if the given room version is known to this library.
func (v RoomVersion) Supported() bool {
	_, ok := roomVersionMeta[v]
	return ok
}

// StateResAlgorithm returns the state resolution algorithm for the given
// room version.
func (v RoomVersion) StateResAlgorithm() (StateResAlgorithm, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.stateResAlgorithm, nil
	}
	return 0, UnsupportedRoomVersionError{Version: v}
}

// RequireIntegerPowerLevels returns true if the given room version calls for
// strict integer power levels (room version 10 and onward) or false if power
// levels may also be encoded as numeric strings.
func (v RoomVersion) RequireIntegerPowerLevels() (bool, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.integerPowerLevels, nil
	}
	return false, UnsupportedRoomVersionError{Version: v}
}
