package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/slopeline/slopeline/internal/v1/geo"
	"github.com/slopeline/slopeline/internal/v1/types"
)

const (
	closePriorSessionsSQL = `UPDATE ski_sessions SET is_active = FALSE, end_time = NOW() WHERE user_id = $1 AND is_active = TRUE`

	insertSessionSQL = `INSERT INTO ski_sessions (user_id, resort_id) VALUES ($1, $2) RETURNING id::text, start_time`

	endSessionSQL = `UPDATE ski_sessions SET is_active = FALSE, end_time = NOW() WHERE id = $1 AND user_id = $2 AND is_active = TRUE RETURNING start_time, end_time, total_distance_m, total_vertical_m, max_speed_mps`

	applySessionDeltaSQL = `UPDATE ski_sessions SET total_distance_m = total_distance_m + $2, total_vertical_m = total_vertical_m + $3, max_speed_mps = GREATEST(max_speed_mps, $4) WHERE id = $1`
)

// StartedSession is the result of opening a session.
type StartedSession struct {
	ID        types.SessionIDType
	StartTime time.Time
}

// SessionTotals is the final state of a closed session.
type SessionTotals struct {
	StartTime   time.Time
	EndTime     time.Time
	DistanceM   float64
	VerticalM   float64
	MaxSpeedMPS float64
}

// StartSession opens a session for userID, closing any session the user left
// active first. One transaction, so a crash can never leave two active rows.
func (s *Store) StartSession(ctx context.Context, userID types.UserIDType, resortID *string) (*StartedSession, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session start: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, closePriorSessionsSQL, string(userID)); err != nil {
		return nil, fmt.Errorf("close prior sessions: %w", err)
	}

	var started StartedSession
	var id string
	if err := tx.QueryRow(ctx, insertSessionSQL, string(userID), resortID).Scan(&id, &started.StartTime); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	started.ID = types.SessionIDType(id)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit session start: %w", err)
	}
	return &started, nil
}

// EndSession closes the session if it is active and owned by userID, returning
// its totals. A missing, foreign or already-closed session is ErrNotFound.
func (s *Store) EndSession(ctx context.Context, sessionID types.SessionIDType, userID types.UserIDType) (*SessionTotals, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var totals SessionTotals
	err := s.db.QueryRow(ctx, endSessionSQL, string(sessionID), string(userID)).
		Scan(&totals.StartTime, &totals.EndTime, &totals.DistanceM, &totals.VerticalM, &totals.MaxSpeedMPS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("end session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return &totals, nil
}

// AppendPings persists a batch of pings and folds their aggregates into the
// owning sessions, all in one transaction. Aggregates are computed from
// consecutive pings of the same session inside the batch, so totals are a
// lower bound when a run straddles batches.
func (s *Store) AppendPings(ctx context.Context, batch []types.PingJob) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ping batch: %w", err)
	}
	defer tx.Rollback(ctx)

	sql, args := insertPingsQuery(batch)
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert pings: %w", err)
	}

	for _, d := range sessionDeltas(batch) {
		if _, err := tx.Exec(ctx, applySessionDeltaSQL, string(d.SessionID), d.DistanceM, d.VerticalM, d.MaxSpeedMPS); err != nil {
			return fmt.Errorf("apply session delta: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ping batch: %w", err)
	}
	return nil
}

// insertPingsQuery builds one multi-row INSERT for the whole batch.
func insertPingsQuery(batch []types.PingJob) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO location_pings (session_id, user_id, point, altitude_m, speed_mps, accuracy_m, heading_deg, recorded_at) VALUES `)
	args := make([]any, 0, len(batch)*9)
	for i, p := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 9
		fmt.Fprintf(&b, "($%d, $%d, ST_SetSRID(ST_MakePoint($%d, $%d), 4326), $%d, $%d, $%d, $%d, to_timestamp($%d / 1000.0))",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9)
		args = append(args, string(p.SessionID), string(p.UserID), p.Lon, p.Lat, p.Altitude, p.Speed, p.Accuracy, p.Heading, p.Timestamp)
	}
	return b.String(), args
}

type sessionDelta struct {
	SessionID   types.SessionIDType
	DistanceM   float64
	VerticalM   float64
	MaxSpeedMPS float64
}

// sessionDeltas groups the batch by session, orders each group by timestamp,
// and sums distance over consecutive pairs, vertical over altitude drops, and
// the running max speed. Returned in session id order so the transaction
// touches rows deterministically.
func sessionDeltas(batch []types.PingJob) []sessionDelta {
	groups := make(map[types.SessionIDType][]types.PingJob)
	for _, p := range batch {
		groups[p.SessionID] = append(groups[p.SessionID], p)
	}

	deltas := make([]sessionDelta, 0, len(groups))
	for id, pings := range groups {
		sort.SliceStable(pings, func(i, j int) bool { return pings[i].Timestamp < pings[j].Timestamp })
		d := sessionDelta{SessionID: id}
		for i, p := range pings {
			if p.Speed > d.MaxSpeedMPS {
				d.MaxSpeedMPS = p.Speed
			}
			if i == 0 {
				continue
			}
			prev := pings[i-1]
			d.DistanceM += geo.Haversine(prev.Lat, prev.Lon, p.Lat, p.Lon)
			if drop := prev.Altitude - p.Altitude; drop > 0 {
				d.VerticalM += drop
			}
		}
		deltas = append(deltas, d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].SessionID < deltas[j].SessionID })
	return deltas
}
