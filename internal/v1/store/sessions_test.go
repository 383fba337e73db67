package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopeline/slopeline/internal/v1/types"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock, time.Second), mock
}

func TestStartSession_ClosesPriorActive(t *testing.T) {
	st, mock := newMockStore(t)
	start := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ski_sessions SET is_active = FALSE").
		WithArgs("alice").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO ski_sessions").
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "start_time"}).AddRow("sess-1", start))
	mock.ExpectCommit()

	resort := "chamonix"
	started, err := st.StartSession(context.Background(), "alice", &resort)
	require.NoError(t, err)
	assert.Equal(t, types.SessionIDType("sess-1"), started.ID)
	assert.Equal(t, start, started.StartTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartSession_RollsBackOnInsertFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ski_sessions SET is_active = FALSE").
		WithArgs("alice").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("INSERT INTO ski_sessions").
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := st.StartSession(context.Background(), "alice", nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSession_ReturnsTotals(t *testing.T) {
	st, mock := newMockStore(t)
	start := time.Now().Add(-2 * time.Hour)
	end := time.Now()

	mock.ExpectQuery("UPDATE ski_sessions SET is_active = FALSE, end_time = NOW").
		WithArgs("sess-1", "alice").
		WillReturnRows(pgxmock.NewRows([]string{"start_time", "end_time", "total_distance_m", "total_vertical_m", "max_speed_mps"}).
			AddRow(start, end, 12500.0, 2100.0, 22.5))

	totals, err := st.EndSession(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 12500.0, totals.DistanceM)
	assert.Equal(t, 2100.0, totals.VerticalM)
	assert.Equal(t, 22.5, totals.MaxSpeedMPS)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSession_NotFoundForForeignOrClosedSession(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE ski_sessions SET is_active = FALSE, end_time = NOW").
		WithArgs("sess-1", "mallory").
		WillReturnRows(pgxmock.NewRows([]string{"start_time", "end_time", "total_distance_m", "total_vertical_m", "max_speed_mps"}))

	_, err := st.EndSession(context.Background(), "sess-1", "mallory")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPings_EmptyBatchIsNoop(t *testing.T) {
	st, mock := newMockStore(t)
	require.NoError(t, st.AppendPings(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// anyPingArgs matches the n positional arguments of a batched ping insert.
func anyPingArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestAppendPings_InsertsAndAppliesDeltas(t *testing.T) {
	st, mock := newMockStore(t)

	batch := []types.PingJob{
		{SessionID: "s1", UserID: "alice", Lat: 45.9237, Lon: 6.8694, Altitude: 2400, Speed: 10, Timestamp: 1000},
		{SessionID: "s1", UserID: "alice", Lat: 45.9246, Lon: 6.8694, Altitude: 2380, Speed: 14, Timestamp: 2000},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO location_pings").
		WithArgs(anyPingArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("UPDATE ski_sessions SET total_distance_m").
		WithArgs("s1", pgxmock.AnyArg(), 20.0, 14.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, st.AppendPings(context.Background(), batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPings_RollsBackOnDeltaFailure(t *testing.T) {
	st, mock := newMockStore(t)

	batch := []types.PingJob{{SessionID: "s1", UserID: "alice", Lat: 45.9, Lon: 6.8, Timestamp: 1000}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO location_pings").
		WithArgs(anyPingArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE ski_sessions SET total_distance_m").
		WithArgs("s1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := st.AppendPings(context.Background(), batch)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPingsQuery_NumbersPlaceholders(t *testing.T) {
	batch := []types.PingJob{
		{SessionID: "s1", UserID: "alice", Lat: 45.9, Lon: 6.8, Timestamp: 1000},
		{SessionID: "s1", UserID: "alice", Lat: 45.91, Lon: 6.81, Timestamp: 2000},
	}
	sql, args := insertPingsQuery(batch)

	assert.Contains(t, sql, "($1, $2, ST_SetSRID(ST_MakePoint($3, $4), 4326)")
	assert.Contains(t, sql, "($10, $11, ST_SetSRID(ST_MakePoint($12, $13), 4326)")
	assert.Len(t, args, 18)
	assert.Equal(t, "s1", args[0])
	assert.Equal(t, 6.8, args[2], "point takes lon first")
	assert.Equal(t, 45.9, args[3])
}

func TestSessionDeltas_AggregatesPerSession(t *testing.T) {
	batch := []types.PingJob{
		// Out of order on purpose; deltas sort by timestamp first.
		{SessionID: "s1", Lat: 45.9246, Lon: 6.8694, Altitude: 2380, Speed: 14, Timestamp: 2000},
		{SessionID: "s1", Lat: 45.9237, Lon: 6.8694, Altitude: 2400, Speed: 10, Timestamp: 1000},
		{SessionID: "s1", Lat: 45.9237, Lon: 6.8694, Altitude: 2410, Speed: 2, Timestamp: 3000}, // back uphill
		{SessionID: "s2", Lat: 46.0, Lon: 7.7, Altitude: 3000, Speed: 30, Timestamp: 1000},
	}

	deltas := sessionDeltas(batch)
	require.Len(t, deltas, 2)

	s1 := deltas[0]
	assert.Equal(t, types.SessionIDType("s1"), s1.SessionID)
	// Two legs of ~100 m each.
	assert.InDelta(t, 200, s1.DistanceM, 2)
	// Only the drop counts; the climb back up does not.
	assert.Equal(t, 20.0, s1.VerticalM)
	assert.Equal(t, 14.0, s1.MaxSpeedMPS)

	s2 := deltas[1]
	assert.Equal(t, types.SessionIDType("s2"), s2.SessionID)
	assert.Zero(t, s2.DistanceM, "a single ping has no pair to measure")
	assert.Zero(t, s2.VerticalM)
	assert.Equal(t, 30.0, s2.MaxSpeedMPS)
}
