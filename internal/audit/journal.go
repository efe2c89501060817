// Package audit keeps a PostgreSQL journal of index rebuild runs and delta
// inserts so that operators can tell which generation served a query.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/postgres"
)

// Schema creates the journal tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS index_rebuilds (
		run_id      UUID PRIMARY KEY,
		started_at  TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		ok          BOOLEAN NOT NULL,
		fields      JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delta_inserts (
		record_id   BIGINT NOT NULL,
		name        TEXT NOT NULL,
		role        TEXT NOT NULL,
		agency      TEXT NOT NULL,
		source      TEXT NOT NULL,
		inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS delta_inserts_inserted_at ON delta_inserts (inserted_at DESC)`,
}

// FieldEntry is the per-field part of a journaled rebuild.
type FieldEntry struct {
	Field      string `json:"field"`
	Records    uint32 `json:"records"`
	Nodes      int    `json:"nodes"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Rebuild is one journaled rebuild run.
type Rebuild struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	OK        bool
	Fields    []FieldEntry
}

type Journal struct {
	db     *postgres.Client
	logger *slog.Logger
}

// Open applies the schema and returns a journal on db.
func Open(ctx context.Context, db *postgres.Client) (*Journal, error) {
	if err := db.Migrate(ctx, Schema...); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return &Journal{
		db:     db,
		logger: slog.Default().With("component", "audit"),
	}, nil
}

// RecordRebuild stores the outcome of a rebuild run, failed ones included.
func (j *Journal) RecordRebuild(ctx context.Context, report *indexer.RebuildReport) error {
	entries := make([]FieldEntry, 0, len(report.Results))
	for _, res := range report.Results {
		e := FieldEntry{
			Field:      res.Field.String(),
			Records:    res.Records,
			Nodes:      res.Nodes,
			Bytes:      res.Bytes,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling rebuild fields: %w", err)
	}
	_, err = j.db.DB.ExecContext(ctx,
		`INSERT INTO index_rebuilds (run_id, started_at, duration_ms, ok, fields)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id) DO NOTHING`,
		report.RunID, report.Started.UTC(), report.Duration.Milliseconds(), report.OK(), data,
	)
	if err != nil {
		return fmt.Errorf("saving rebuild %s: %w", report.RunID, err)
	}
	j.logger.Info("rebuild journaled", "run_id", report.RunID, "ok", report.OK())
	return nil
}

// RecordInsert stores one delta insert. source names the path the record
// came through (cli, kafka).
func (j *Journal) RecordInsert(ctx context.Context, id uint32, rec *record.Record, source string) error {
	_, err := j.db.DB.ExecContext(ctx,
		`INSERT INTO delta_inserts (record_id, name, role, agency, source, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(id), rec.Name, rec.Role, rec.Agency, source, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving insert of record %d: %w", id, err)
	}
	return nil
}

// LastRebuild returns the most recent successful rebuild, or nil if there
// has been none.
func (j *Journal) LastRebuild(ctx context.Context) (*Rebuild, error) {
	var (
		r          Rebuild
		durationMs int64
		data       []byte
	)
	err := j.db.DB.QueryRowContext(ctx,
		`SELECT run_id, started_at, duration_ms, ok, fields
		 FROM index_rebuilds WHERE ok ORDER BY started_at DESC LIMIT 1`,
	).Scan(&r.RunID, &r.StartedAt, &durationMs, &r.OK, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last rebuild: %w", err)
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal(data, &r.Fields); err != nil {
		return nil, fmt.Errorf("unmarshaling rebuild fields: %w", err)
	}
	return &r, nil
}

// InsertsSince counts delta inserts journaled after t.
func (j *Journal) InsertsSince(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := j.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delta_inserts WHERE inserted_at > $1`, t.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting inserts: %w", err)
	}
	return n, nil
}
