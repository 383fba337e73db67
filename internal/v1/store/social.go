package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/slopeline/slopeline/internal/v1/types"
)

// The social tables are owned by the account service; everything here is
// read-only.
const (
	friendIDsSQL = `SELECT friend_id FROM friendships WHERE user_id = $1 AND status = 'accepted' UNION SELECT user_id FROM friendships WHERE friend_id = $1 AND status = 'accepted'`

	areFriendsSQL = `SELECT EXISTS (SELECT 1 FROM friendships WHERE status = 'accepted' AND ((user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)))`

	isGroupMemberSQL = `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`

	displayNameSQL = `SELECT display_name FROM users WHERE id = $1`
)

// FriendIDs returns the accepted friends of userID, whichever side of the
// friendship row they sit on.
func (s *Store) FriendIDs(ctx context.Context, userID types.UserIDType) ([]types.UserIDType, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, friendIDsSQL, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var ids []types.UserIDType
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend id: %w", err)
		}
		ids = append(ids, types.UserIDType(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read friends: %w", err)
	}
	return ids, nil
}

// AreFriends reports whether a and b have an accepted friendship.
func (s *Store) AreFriends(ctx context.Context, a, b types.UserIDType) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var ok bool
	if err := s.db.QueryRow(ctx, areFriendsSQL, string(a), string(b)).Scan(&ok); err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return ok, nil
}

// IsGroupMember reports whether userID belongs to the group.
func (s *Store) IsGroupMember(ctx context.Context, groupID types.GroupIDType, userID types.UserIDType) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var ok bool
	if err := s.db.QueryRow(ctx, isGroupMemberSQL, string(groupID), string(userID)).Scan(&ok); err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	return ok, nil
}

// DisplayName returns the user's display name, or "" when the user row is
// missing; callers fall back to the name carried in the token.
func (s *Store) DisplayName(ctx context.Context, userID types.UserIDType) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var name string
	err := s.db.QueryRow(ctx, displayNameSQL, string(userID)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load display name: %w", err)
	}
	return name, nil
}
