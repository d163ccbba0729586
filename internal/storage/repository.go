package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS ingestion_runs (
        run_id          UUID PRIMARY KEY,
        exchange        TEXT        NOT NULL,
        market          TEXT        NOT NULL,
        symbol          TEXT        NOT NULL,
        start_ms        BIGINT      NOT NULL,
        end_ms          BIGINT      NOT NULL,
        status          TEXT        NOT NULL,
        chunks_written  INTEGER     NOT NULL DEFAULT 0,
        chunks_removed  INTEGER     NOT NULL DEFAULT 0,
        gaps            INTEGER     NOT NULL DEFAULT 0,
        pages           INTEGER     NOT NULL DEFAULT 0,
        error           TEXT,
        started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
        finished_at     TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS ingestion_runs_symbol_idx
        ON ingestion_runs (exchange, market, symbol, started_at DESC);
    CREATE TABLE IF NOT EXISTS chunk_events (
        id          BIGSERIAL PRIMARY KEY,
        run_id      UUID        NOT NULL REFERENCES ingestion_runs (run_id) ON DELETE CASCADE,
        kind        TEXT        NOT NULL,
        name        TEXT        NOT NULL,
        previous    TEXT        NOT NULL DEFAULT '',
        ticks       INTEGER     NOT NULL DEFAULT 0,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertRunSQL = `INSERT INTO ingestion_runs (
        run_id,
        exchange,
        market,
        symbol,
        start_ms,
        end_ms,
        status,
        started_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	finishRunSQL = `UPDATE ingestion_runs
    SET
        status         = $2,
        chunks_written = $3,
        chunks_removed = $4,
        gaps           = $5,
        pages          = $6,
        error          = $7,
        finished_at    = $8
    WHERE run_id = $1;`

	insertChunkEventSQL = `INSERT INTO chunk_events (
        run_id,
        kind,
        name,
        previous,
        ticks
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	listRecentRunsSQL = `SELECT
        run_id,
        exchange,
        market,
        symbol,
        start_ms,
        end_ms,
        status,
        chunks_written,
        chunks_removed,
        gaps,
        pages,
        error,
        started_at,
        finished_at
    FROM ingestion_runs
    WHERE exchange = $1 AND market = $2 AND symbol = $3
    ORDER BY started_at DESC
    LIMIT $4;`

	listRunEventsSQL = `SELECT
        id,
        run_id,
        kind,
        name,
        previous,
        ticks,
        created_at
    FROM chunk_events
    WHERE run_id = $1
    ORDER BY id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore records ingestion runs and the chunk mutations they made.
type RunStore interface {
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
	RecordChunkEvent(ctx context.Context, event ChunkEvent) error
	ListRecentRuns(ctx context.Context, exchange, market, symbol string, limit int) ([]RunRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// Store is the PostgreSQL run ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock also dies with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// StartRun inserts a run in the running state.
func (s *Store) StartRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	status := run.Status
	if status == "" {
		status = RunRunning
	}
	_, execErr := pool.Exec(ctx, insertRunSQL,
		run.RunID.String(),
		run.Exchange,
		run.Market,
		run.Symbol,
		run.StartTime,
		run.EndTime,
		status,
		run.StartedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert run: %w", execErr)
	}
	return nil
}

// FinishRun stores the outcome and counters of a run.
func (s *Store) FinishRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	cmdTag, execErr := pool.Exec(ctx, finishRunSQL,
		run.RunID.String(),
		run.Status,
		run.ChunksWritten,
		run.ChunksRemoved,
		run.Gaps,
		run.Pages,
		errMsg,
		finished,
	)
	if execErr != nil {
		return fmt.Errorf("finish run: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RecordChunkEvent appends a chunk mutation to the ledger.
func (s *Store) RecordChunkEvent(ctx context.Context, event ChunkEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertChunkEventSQL,
		event.RunID.String(),
		event.Kind,
		event.Name,
		event.Previous,
		event.Ticks,
	)
	if execErr != nil {
		return fmt.Errorf("insert chunk event: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists an instrument's runs, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, exchange, market, symbol string, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, exchange, market, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// ListRunEvents lists the chunk events recorded by one run.
func (s *Store) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]ChunkEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunEventsSQL, runID.String())
	if queryErr != nil {
		return nil, fmt.Errorf("list run events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]ChunkEvent, 0)
	for rows.Next() {
		var (
			ev    ChunkEvent
			runID string
		)
		if err := rows.Scan(&ev.ID, &runID, &ev.Kind, &ev.Name, &ev.Previous, &ev.Ticks, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.RunID, err = uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanRun(rows pgx.Rows) (RunRecord, error) {
	var (
		run      RunRecord
		runID    string
		errMsg   sql.NullString
		finished sql.NullTime
	)

	if err := rows.Scan(
		&runID,
		&run.Exchange,
		&run.Market,
		&run.Symbol,
		&run.StartTime,
		&run.EndTime,
		&run.Status,
		&run.ChunksWritten,
		&run.ChunksRemoved,
		&run.Gaps,
		&run.Pages,
		&errMsg,
		&run.StartedAt,
		&finished,
	); err != nil {
		return RunRecord{}, err
	}

	id, err := uuid.Parse(runID)
	if err != nil {
		return RunRecord{}, fmt.Errorf("parse run id: %w", err)
	}
	run.RunID = id

	if errMsg.Valid {
		msg := errMsg.String
		run.Error = &msg
	}
	if finished.Valid {
		at := finished.Time
		run.FinishedAt = &at
	}
	return run, nil
}
