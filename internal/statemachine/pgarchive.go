package statemachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/medicoord/model"
)

// PgHistoryArchive is a PostgreSQL-backed HistoryStore using pgx/v5.
//
// Schema:
//
//	CREATE TABLE state_history (
//	    id            BIGSERIAL PRIMARY KEY,
//	    subject_id    TEXT        NOT NULL,
//	    from_state    TEXT        NOT NULL,
//	    to_state      TEXT        NOT NULL,
//	    occurred_at   TIMESTAMPTZ NOT NULL,
//	    context       JSONB,
//	    forced        BOOLEAN     NOT NULL DEFAULT FALSE,
//	    reason        TEXT,
//	    transition_id TEXT
//	);
//	CREATE INDEX state_history_subject_idx ON state_history (subject_id, occurred_at);
type PgHistoryArchive struct {
	pool *pgxpool.Pool
}

// NewPgHistoryArchive creates a PostgreSQL history archive.
func NewPgHistoryArchive(pool *pgxpool.Pool) *PgHistoryArchive {
	return &PgHistoryArchive{pool: pool}
}

// Append inserts a history entry.
func (a *PgHistoryArchive) Append(ctx context.Context, subjectID string, entry model.HistoryEntry) error {
	var contextJSON []byte
	if entry.Context != nil {
		var err error
		contextJSON, err = json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("marshal transition context: %w", err)
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO state_history (
			subject_id, from_state, to_state, occurred_at,
			context, forced, reason, transition_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		subjectID, string(entry.From), string(entry.To), entry.Timestamp,
		contextJSON, entry.Forced, entry.Reason, entry.TransitionID,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// List returns all archived entries for the subject, oldest first.
func (a *PgHistoryArchive) List(ctx context.Context, subjectID string) ([]model.HistoryEntry, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT from_state, to_state, occurred_at, context, forced, reason, transition_id
		FROM state_history
		WHERE subject_id = $1
		ORDER BY occurred_at, id`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history entries: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var entry model.HistoryEntry
		var from, to string
		var contextJSON []byte
		if err := rows.Scan(&from, &to, &entry.Timestamp, &contextJSON,
			&entry.Forced, &entry.Reason, &entry.TransitionID); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.From = model.State(from)
		entry.To = model.State(to)
		if contextJSON != nil {
			if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
				return nil, fmt.Errorf("unmarshal transition context: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// HealthCheck verifies database connectivity.
func (a *PgHistoryArchive) HealthCheck(ctx context.Context) error {
	return a.pool.Ping(ctx)
}
