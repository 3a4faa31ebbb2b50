package stateres

// Event types for the state events consulted during authorisation and
// state resolution.
const (
	MRoomCreate            = "m.room.create"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomMember            = "m.room.member"
	MRoomName              = "m.room.name"
	MRoomTopic             = "m.room.topic"
	MRoomAliases           = "m.room.aliases"
	MRoomHistoryVisibility = "m.room.history_visibility"
)

// Membership values for the "membership" key of an m.room.member event.
const (
	Join   = "join"
	Invite = "invite"
	Leave  = "leave"
	Ban    = "ban"
	Knock  = "knock"
)

// Join rules for the "join_rule" key of an m.room.join_rules event.
const (
	Public = "public"
)
