// Package directory is the call-directory store: a thin write-behind audit
// trail over Postgres that mirrors a Call's lifecycle independent of the
// in-memory bridge. It is not a resumable work queue - a crash mid-call
// leaves its row at status=active and nothing ever auto-resumes it.
//
// The shape is a plain insert-then-update-by-call-ID pattern (no upsert)
// over a single wide table, keyed on call lifecycle columns
// rather than any particular platform's call-outcome fields.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is the durable row mirroring one bridge's lifecycle.
type Record struct {
	CallID             uuid.UUID
	PeerSessionID      string
	Status             string
	MediaFormat        MediaFormat
	StartedAt          time.Time
	EndedAt            *time.Time
	CloseReasonCode    string
	CloseReason        string
	FunctionCallsCount int
	RecordingDir       *string
}

// MediaFormat mirrors session.MediaFormat for JSON storage; directory
// doesn't import pkg/session to keep the two packages independently
// testable against a fake/real pool.
type MediaFormat struct {
	Encoding string `json:"encoding"`
	Rate     int    `json:"rate"`
	Channels int    `json:"channels"`
}

// Store is a pgxpool-backed call directory. A nil pool makes Insert and
// Update no-ops that return nil, so the bridge can run memory-only when
// database_url is unset (§6 Configuration); Get and ListRecent return an
// error instead.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps pool. pool may be nil.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes the initial row for a call transitioning to Active.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if s.pool == nil {
		return nil
	}
	mediaJSON, err := json.Marshal(rec.MediaFormat)
	if err != nil {
		return fmt.Errorf("directory: marshal media format: %w", err)
	}
	const query = `
		INSERT INTO bridge_calls (
			call_id, peer_session_id, status, media_format, started_at
		) VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.pool.Exec(ctx, query, rec.CallID, rec.PeerSessionID, rec.Status, mediaJSON, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("directory: insert call %s: %w", rec.CallID, err)
	}
	return nil
}

// Update writes the terminal row for a call transitioning to Closed.
func (s *Store) Update(ctx context.Context, rec Record) error {
	if s.pool == nil {
		return nil
	}
	const query = `
		UPDATE bridge_calls SET
			peer_session_id = $1,
			status = $2,
			ended_at = $3,
			close_reason_code = $4,
			close_reason = $5,
			function_calls_count = $6,
			recording_dir = $7
		WHERE call_id = $8
	`
	_, err := s.pool.Exec(ctx, query,
		rec.PeerSessionID, rec.Status, rec.EndedAt, rec.CloseReasonCode,
		rec.CloseReason, rec.FunctionCallsCount, rec.RecordingDir, rec.CallID,
	)
	if err != nil {
		return fmt.Errorf("directory: update call %s: %w", rec.CallID, err)
	}
	return nil
}

// Get retrieves one call by id.
func (s *Store) Get(ctx context.Context, callID uuid.UUID) (*Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("directory: store has no database configured")
	}
	const query = `
		SELECT call_id, peer_session_id, status, media_format,
		       started_at, ended_at, close_reason_code, close_reason,
		       function_calls_count, recording_dir
		FROM bridge_calls
		WHERE call_id = $1
	`
	row := s.pool.QueryRow(ctx, query, callID)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("directory: call %s not found", callID)
		}
		return nil, fmt.Errorf("directory: get call %s: %w", callID, err)
	}
	return rec, nil
}

// ListRecent returns the most recently started calls, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("directory: store has no database configured")
	}
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT call_id, peer_session_id, status, media_format,
		       started_at, ended_at, close_reason_code, close_reason,
		       function_calls_count, recording_dir
		FROM bridge_calls
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: list recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan call row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var mediaJSON []byte
	if err := row.Scan(
		&rec.CallID, &rec.PeerSessionID, &rec.Status, &mediaJSON,
		&rec.StartedAt, &rec.EndedAt, &rec.CloseReasonCode, &rec.CloseReason,
		&rec.FunctionCallsCount, &rec.RecordingDir,
	); err != nil {
		return nil, err
	}
	if len(mediaJSON) > 0 {
		if err := json.Unmarshal(mediaJSON, &rec.MediaFormat); err != nil {
			return nil, fmt.Errorf("unmarshal media_format: %w", err)
		}
	}
	return &rec, nil
}

// Schema is the DDL for the bridge_calls table, applied by an external
// migration step (not run by this package - it only issues DML).
const Schema = `
CREATE TABLE IF NOT EXISTS bridge_calls (
	call_id              uuid PRIMARY KEY,
	peer_session_id      text NOT NULL DEFAULT '',
	status               text NOT NULL,
	media_format         jsonb NOT NULL,
	started_at           timestamptz NOT NULL,
	ended_at             timestamptz,
	close_reason_code    text NOT NULL DEFAULT '',
	close_reason         text NOT NULL DEFAULT '',
	function_calls_count integer NOT NULL DEFAULT 0,
	recording_dir        text
);
`
