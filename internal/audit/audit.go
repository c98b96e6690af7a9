// Package audit persists execution outcomes and routing decisions to
// PostgreSQL. Every mutation sigil performs against a target leaves a row
// here; the trail is what lets an operator reconstruct, after the fact, why
// a given write was allowed and which backend carried it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts the pgxpool.Pool so tests can run against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Sink is the PostgreSQL implementation of schemas.AuditSink.
type Sink struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a Sink and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Sink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Sink{
		pool: pool,
		log:  logger.Named("audit"),
	}, nil
}

const sqlInsertExecution = `
        INSERT INTO executions (id, session_id, profile_id, fingerprint_id, request_id, action_id, succeeded, reason, backend, address_source, message, diagnostics, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
    `

// RecordExecution persists one action execution outcome.
func (s *Sink) RecordExecution(ctx context.Context, session schemas.AttachSession, result schemas.ActionExecutionResult) error {
	diagnostics, err := marshalDiagnostics(result.Diagnostics)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, sqlInsertExecution,
		uuid.NewString(), session.ID, session.ProfileID, session.Fingerprint.ID,
		result.RequestID, result.ActionID,
		result.Succeeded, string(result.Reason),
		string(result.Backend), string(result.AddressSource),
		result.Message, diagnostics,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

const sqlInsertRoute = `
        INSERT INTO routes (id, session_id, feature_id, allowed, backend, reason, diagnostics, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `

// RecordRoute persists one backend routing decision.
func (s *Sink) RecordRoute(ctx context.Context, session schemas.AttachSession, featureID string, decision schemas.BackendRouteDecision) error {
	diagnostics, err := marshalDiagnostics(decision.Diagnostics)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, sqlInsertRoute,
		uuid.NewString(), session.ID, featureID,
		decision.Allowed, string(decision.Backend), string(decision.Reason),
		diagnostics,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert route record: %w", err)
	}
	return nil
}

// ExecutionRecord is one persisted execution row.
type ExecutionRecord struct {
	ID         string
	SessionID  string
	RequestID  string
	ActionID   string
	Succeeded  bool
	Reason     schemas.ReasonCode
	Backend    schemas.BackendKind
	Message    string
	RecordedAt time.Time
}

// RecentExecutions returns the newest execution records for a session.
func (s *Sink) RecentExecutions(ctx context.Context, sessionID string, limit int) ([]ExecutionRecord, error) {
	query := `
        SELECT id, session_id, request_id, action_id, succeeded, reason, backend, message, recorded_at
        FROM executions
        WHERE session_id = $1
        ORDER BY recorded_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var reason, backend string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RequestID, &r.ActionID, &r.Succeeded, &reason, &backend, &r.Message, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		r.Reason = schemas.ReasonCode(reason)
		r.Backend = schemas.BackendKind(backend)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func marshalDiagnostics(diags map[string]string) (json.RawMessage, error) {
	if len(diags) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := jsonx.Marshal(diags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	return raw, nil
}
