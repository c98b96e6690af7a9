package audit

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyArg accepts any value (used for generated ids and timestamps).
var anyArg = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

func testSession() schemas.AttachSession {
	return schemas.AttachSession{
		ID:          "sess-1",
		ProfileID:   "default",
		Fingerprint: schemas.BinaryFingerprint{ID: "fp-1"},
	}
}

func TestNewSink(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func newTestSink(t *testing.T) (*Sink, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	sink, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return sink, mockPool
}

func TestRecordExecution(t *testing.T) {
	t.Run("should insert one execution row", func(t *testing.T) {
		sink, mockPool := newTestSink(t)

		result := schemas.ActionExecutionResult{
			RequestID:     "req-1",
			ActionID:      "set_hp",
			Succeeded:     true,
			Reason:        schemas.ReasonExecutionOK,
			Backend:       schemas.BackendMemory,
			AddressSource: schemas.SourceSignature,
			Diagnostics:   map[string]string{"probe_state": "verified"},
		}

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertExecution)).
			WithArgs(anyArg, "sess-1", "default", "fp-1", "req-1", "set_hp",
				true, "EXECUTION_OK", "memory", "signature", "",
				anyArg, anyArg).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := sink.RecordExecution(context.Background(), testSession(), result)
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate insert failure", func(t *testing.T) {
		sink, mockPool := newTestSink(t)

		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertExecution)).
			WithArgs(anyArg, anyArg, anyArg, anyArg, anyArg, anyArg,
				anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, anyArg).
			WillReturnError(dbErr)

		err := sink.RecordExecution(context.Background(), testSession(), schemas.ActionExecutionResult{})
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecordRoute(t *testing.T) {
	sink, mockPool := newTestSink(t)

	decision := schemas.BackendRouteDecision{
		Allowed: false,
		Reason:  schemas.ReasonHostMismatch,
		Diagnostics: map[string]string{
			"host_role": "launcher",
		},
	}

	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRoute)).
		WithArgs(anyArg, "sess-1", "god_mode", false, "", "HOST_MISMATCH", anyArg, anyArg).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := sink.RecordRoute(context.Background(), testSession(), "god_mode", decision)
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentExecutions(t *testing.T) {
	sink, mockPool := newTestSink(t)

	recordedAt := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "session_id", "request_id", "action_id", "succeeded", "reason", "backend", "message", "recorded_at",
	}).AddRow(
		"rec-1", "sess-1", "req-1", "set_hp", true, "EXECUTION_OK", "memory", "", recordedAt,
	).AddRow(
		"rec-2", "sess-1", "req-2", "set_hp", false, "READBACK_MISMATCH", "memory", "player_hp reads 600 after writing 750", recordedAt,
	)

	mockPool.ExpectQuery("SELECT id, session_id, request_id").
		WithArgs("sess-1", 10).
		WillReturnRows(rows)

	records, err := sink.RecentExecutions(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, schemas.ReasonExecutionOK, records[0].Reason)
	assert.Equal(t, schemas.ReasonReadbackMismatch, records[1].Reason)
	assert.Equal(t, schemas.BackendMemory, records[1].Backend)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
