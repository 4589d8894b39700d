package adapters

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/voicebroker/broker/internal/turnlog"
)

// PostgresPersistence mirrors sealed turns to PostgreSQL, adapting the
// teacher's internal/trace/store.go (database/sql over the pgx stdlib
// driver). The teacher's Store reads migrations/*.sql via go:embed; this
// module's migrations directory never existed, so the one table this
// adapter needs is created inline with CREATE TABLE IF NOT EXISTS instead
// of introducing an embed dependency for a single statement.
type PostgresPersistence struct {
	db *sql.DB
}

// OpenPostgresPersistence connects to connStr and ensures the turns table
// exists.
func OpenPostgresPersistence(connStr string) (*PostgresPersistence, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("persistence open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence ping: %w", err)
	}
	if err = ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence schema: %w", err)
	}
	return &PostgresPersistence{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			turn_id         TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			user_id         TEXT,
			started_at      TIMESTAMPTZ NOT NULL,
			sealed_at       TIMESTAMPTZ NOT NULL,
			transcript      TEXT,
			response        TEXT,
			status          TEXT NOT NULL,
			error_reason    TEXT,
			tts_chunks_sent INTEGER,
			duration_ms     DOUBLE PRECISION
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS turns_session_id_idx ON turns (session_id, started_at)`)
	return err
}

// AppendTurn inserts rec, or no-ops if turn_id already exists (idempotent
// append, mirroring the Turn Log's semantics).
func (p *PostgresPersistence) AppendTurn(ctx context.Context, rec turnlog.TurnRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO turns (turn_id, session_id, user_id, started_at, sealed_at, transcript, response, status, error_reason, tts_chunks_sent, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (turn_id) DO NOTHING`,
		rec.TurnID, rec.SessionID, rec.UserID, rec.StartedAt, rec.SealedAt,
		rec.Transcript, rec.Response, rec.Status, rec.ErrorReason, rec.TTSChunksSent, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetSession returns all turns for sessionID in start order.
func (p *PostgresPersistence) GetSession(ctx context.Context, sessionID string) ([]turnlog.TurnRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT turn_id, session_id, user_id, started_at, sealed_at, transcript, response, status, error_reason, tts_chunks_sent, duration_ms
		FROM turns WHERE session_id = $1 ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []turnlog.TurnRecord
	for rows.Next() {
		var rec turnlog.TurnRecord
		var userID, errReason sql.NullString
		var chunks sql.NullInt64
		var duration sql.NullFloat64
		if err = rows.Scan(&rec.TurnID, &rec.SessionID, &userID, &rec.StartedAt, &rec.SealedAt,
			&rec.Transcript, &rec.Response, &rec.Status, &errReason, &chunks, &duration); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		rec.UserID = userID.String
		rec.ErrorReason = errReason.String
		rec.TTSChunksSent = int(chunks.Int64)
		rec.DurationMs = duration.Float64
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (p *PostgresPersistence) Close() error {
	return p.db.Close()
}
