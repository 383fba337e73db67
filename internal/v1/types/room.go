package types

import (
	"fmt"
	"strings"
)

// RoomKind distinguishes group rooms from direct-message rooms.
type RoomKind int

const (
	RoomKindGroup RoomKind = iota
	RoomKindDM
)

// Room is the derived identity of a chat channel. It is never stored; it is
// resolved from a group id or from a canonically ordered pair of user ids,
// so access checks and channel naming can never disagree.
type Room struct {
	kind  RoomKind
	group GroupIDType
	a, b  UserIDType
}

// GroupRoom returns the room for a group.
func GroupRoom(id GroupIDType) Room {
	return Room{kind: RoomKindGroup, group: id}
}

// DMRoom returns the canonical direct-message room between two users. The
// pair is ordered so that either side resolves to the same room.
func DMRoom(a, b UserIDType) Room {
	if b < a {
		a, b = b, a
	}
	return Room{kind: RoomKindDM, a: a, b: b}
}

// RoomForTarget resolves the room addressed by a chat payload. Exactly one
// of groupId and recipientId must be set.
func RoomForTarget(sender UserIDType, t ChatTarget) (Room, error) {
	switch {
	case t.GroupID != nil && t.RecipientID != nil:
		return Room{}, fmt.Errorf("both groupId and recipientId set: %w", ErrValidation)
	case t.GroupID != nil:
		if *t.GroupID == "" {
			return Room{}, fmt.Errorf("empty groupId: %w", ErrValidation)
		}
		return GroupRoom(*t.GroupID), nil
	case t.RecipientID != nil:
		if *t.RecipientID == "" {
			return Room{}, fmt.Errorf("empty recipientId: %w", ErrValidation)
		}
		if *t.RecipientID == sender {
			return Room{}, fmt.Errorf("recipient is sender: %w", ErrValidation)
		}
		return DMRoom(sender, *t.RecipientID), nil
	default:
		return Room{}, fmt.Errorf("neither groupId nor recipientId set: %w", ErrValidation)
	}
}

// ParseRoomID recovers a Room from its string identity. For DM rooms the
// participant split happens at the first underscore; since user ids may
// themselves contain underscores, the pair is kept exactly as written
// rather than re-ordered, so the identity always round-trips. Rooms are
// only ever built from canonical ids, so no re-canonicalization is needed
// here.
func ParseRoomID(id RoomIDType) (Room, error) {
	s := string(id)
	switch {
	case strings.HasPrefix(s, "group:"):
		g := strings.TrimPrefix(s, "group:")
		if g == "" {
			return Room{}, fmt.Errorf("empty group room id: %w", ErrValidation)
		}
		return GroupRoom(GroupIDType(g)), nil
	case strings.HasPrefix(s, "dm:"):
		pair := strings.TrimPrefix(s, "dm:")
		a, b, ok := strings.Cut(pair, "_")
		if !ok || a == "" || b == "" {
			return Room{}, fmt.Errorf("malformed dm room id: %w", ErrValidation)
		}
		return Room{kind: RoomKindDM, a: UserIDType(a), b: UserIDType(b)}, nil
	default:
		return Room{}, fmt.Errorf("unknown room id form %q: %w", s, ErrValidation)
	}
}

// Kind reports whether the room is a group or a DM.
func (r Room) Kind() RoomKind { return r.kind }

// ID returns the canonical room identity: "group:{id}" or "dm:{min}_{max}".
func (r Room) ID() RoomIDType {
	if r.kind == RoomKindGroup {
		return RoomIDType("group:" + string(r.group))
	}
	return RoomIDType("dm:" + string(r.a) + "_" + string(r.b))
}

// Group returns the group id for group rooms.
func (r Room) Group() (GroupIDType, bool) {
	if r.kind != RoomKindGroup {
		return "", false
	}
	return r.group, true
}

// Participants returns the canonical DM pair for DM rooms.
func (r Room) Participants() (UserIDType, UserIDType, bool) {
	if r.kind != RoomKindDM {
		return "", "", false
	}
	return r.a, r.b, true
}

// Other returns the DM peer of u, if the room is a DM containing u.
func (r Room) Other(u UserIDType) (UserIDType, bool) {
	if r.kind != RoomKindDM {
		return "", false
	}
	switch u {
	case r.a:
		return r.b, true
	case r.b:
		return r.a, true
	default:
		return "", false
	}
}

// Channel returns the backplane channel for this room.
func (r Room) Channel() string { return RoomChannel(r.ID()) }

// RoomChannel names the backplane channel for a room id.
func RoomChannel(id RoomIDType) string { return "room:" + string(id) }

// UserChannel names the backplane channel for direct user delivery.
func UserChannel(id UserIDType) string { return "user:" + string(id) }
