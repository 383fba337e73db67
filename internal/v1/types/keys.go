package types

// Hot store key layout. Everything the fleet shares lives under these names,
// so they are defined once next to the channel names.

// GeoUsersKey is the fleet-wide geo index of latest positions.
const GeoUsersKey = "geo:users"

// LocationKey holds the user's full latest ping.
func LocationKey(user UserIDType) string { return "location:" + string(user) }

// ConnectionsKey is the user's cross-node connection handle set.
func ConnectionsKey(user UserIDType) string { return "connections:" + string(user) }

// ChatCacheKey is the room's capped message cache, head newest.
func ChatCacheKey(room RoomIDType) string { return "chat:" + string(room) + ":messages" }

// TypingKey marks "user is typing in room" while it exists.
func TypingKey(room RoomIDType, user UserIDType) string {
	return "typing:" + string(room) + ":" + string(user)
}

// TypingPattern matches every typing flag of a room.
func TypingPattern(room RoomIDType) string { return "typing:" + string(room) + ":*" }

// UserRoomsKey is the bookkeeping set of rooms the user has joined.
func UserRoomsKey(user UserIDType) string { return "user:" + string(user) + ":rooms" }

// RoomMembersKey is the bookkeeping set of users who joined the room.
func RoomMembersKey(room RoomIDType) string { return "room:" + string(room) + ":members" }
