package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/slopeline/slopeline/internal/v1/types"
)

const (
	insertMessageSQL = `INSERT INTO messages (sender_id, group_id, recipient_id, content, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING id::text, sent_at`

	messageByIDSQL = `SELECT id::text, sender_id, group_id::text, recipient_id, content, metadata, read_by, sent_at FROM messages WHERE id = $1`

	markMessageReadSQL = `UPDATE messages SET read_by = array_append(read_by, $2) WHERE id = $1 AND NOT ($2 = ANY(read_by))`

	recentGroupMessagesSQL = `SELECT id::text, sender_id, group_id::text, recipient_id, content, metadata, read_by, sent_at FROM messages WHERE group_id = $1 ORDER BY sent_at DESC, id DESC LIMIT $2`

	recentDMMessagesSQL = `SELECT id::text, sender_id, group_id::text, recipient_id, content, metadata, read_by, sent_at FROM messages WHERE group_id IS NULL AND ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)) ORDER BY sent_at DESC, id DESC LIMIT $3`
)

// InsertMessage persists a new message and fills in its server-assigned id
// and sent_at timestamp.
func (s *Store) InsertMessage(ctx context.Context, msg *types.ChatMessage) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var metadata []byte
	if msg.Metadata != nil {
		var err error
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
	}

	var groupID, recipientID *string
	if msg.GroupID != nil {
		g := string(*msg.GroupID)
		groupID = &g
	}
	if msg.RecipientID != nil {
		r := string(*msg.RecipientID)
		recipientID = &r
	}

	var id string
	var sentAt time.Time
	err := s.db.QueryRow(ctx, insertMessageSQL, string(msg.SenderID), groupID, recipientID, msg.Content, metadata).
		Scan(&id, &sentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID = types.MessageIDType(id)
	msg.SentAt = sentAt.UnixMilli()
	return nil
}

// MessageByID loads one message. Missing rows are ErrNotFound.
func (s *Store) MessageByID(ctx context.Context, id types.MessageIDType) (*types.ChatMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	msg, err := scanMessage(s.db.QueryRow(ctx, messageByIDSQL, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	return msg, nil
}

// MarkMessageRead appends userID to the message's read set. Returns false
// without error when the user already read it, so retries are idempotent.
func (s *Store) MarkMessageRead(ctx context.Context, id types.MessageIDType, userID types.UserIDType) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, markMessageReadSQL, string(id), string(userID))
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentMessages returns the newest messages of a room, newest first.
func (s *Store) RecentMessages(ctx context.Context, room types.Room, limit int) ([]types.ChatMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows pgx.Rows
	var err error
	if group, ok := room.Group(); ok {
		rows, err = s.db.Query(ctx, recentGroupMessagesSQL, string(group), limit)
	} else {
		a, b, _ := room.Participants()
		rows, err = s.db.Query(ctx, recentDMMessagesSQL, string(a), string(b), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read recent messages: %w", err)
	}
	return msgs, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.ChatMessage, error) {
	var (
		msg         types.ChatMessage
		id          string
		senderID    string
		groupID     *string
		recipientID *string
		metadata    []byte
		readBy      []string
		sentAt      time.Time
	)
	if err := row.Scan(&id, &senderID, &groupID, &recipientID, &msg.Content, &metadata, &readBy, &sentAt); err != nil {
		return nil, err
	}
	msg.ID = types.MessageIDType(id)
	msg.SenderID = types.UserIDType(senderID)
	if groupID != nil {
		g := types.GroupIDType(*groupID)
		msg.GroupID = &g
	}
	if recipientID != nil {
		r := types.UserIDType(*recipientID)
		msg.RecipientID = &r
	}
	if len(metadata) > 0 {
		var md types.MessageMetadata
		if err := json.Unmarshal(metadata, &md); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
		msg.Metadata = &md
	}
	for _, r := range readBy {
		msg.ReadBy = append(msg.ReadBy, types.UserIDType(r))
	}
	msg.SentAt = sentAt.UnixMilli()
	return &msg, nil
}
