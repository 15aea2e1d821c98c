// Package store provides SQLite-backed persistence for vaultsync.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/vaultsync/internal/models"
)

// ErrTaskNotFound is returned when a task command names an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// Store provides access to the vaultsync SQLite database.
type Store struct {
	db *sql.DB

	// beforeCommit runs inside ApplySourceBatch just before commit.
	beforeCommit func(source string) error
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Single writer; every source merge is one transaction on this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		source TEXT NOT NULL,
		id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		file TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (source, id)
	);

	CREATE TABLE IF NOT EXISTS watermarks (
		source TEXT PRIMARY KEY,
		last_sync DATETIME,
		files_processed TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		source TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		stage TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		due TEXT NOT NULL DEFAULT '',
		scheduled TEXT NOT NULL DEFAULT '',
		created_on TEXT NOT NULL DEFAULT '',
		completed_on TEXT NOT NULL DEFAULT '',
		completed_at DATETIME,
		recurrence TEXT NOT NULL DEFAULT '',
		project_id INTEGER REFERENCES projects(id),
		file TEXT NOT NULL DEFAULT '',
		line INTEGER NOT NULL DEFAULT 0,
		held INTEGER NOT NULL DEFAULT 0,
		stage_dirty INTEGER NOT NULL DEFAULT 0,
		stage_changed_at DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (source, id)
	);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS task_tags (
		source TEXT NOT NULL,
		task_id TEXT NOT NULL,
		tag_id INTEGER NOT NULL REFERENCES tags(id),
		PRIMARY KEY (source, task_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS markdown_sync (
		source TEXT NOT NULL,
		task_id TEXT NOT NULL,
		file TEXT NOT NULL,
		line INTEGER NOT NULL,
		line_hash TEXT NOT NULL,
		synced_at DATETIME NOT NULL,
		PRIMARY KEY (source, task_id)
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		source TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		upserted INTEGER NOT NULL DEFAULT 0,
		pruned INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_source_file ON entries(source, file);
	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(entry_type);
	CREATE INDEX IF NOT EXISTS idx_tasks_stage ON tasks(stage);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_source ON sync_runs(source, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Source Merge ---

// SourceBatch is one source's adapter output, ready to merge.
type SourceBatch struct {
	Source    string
	EntryType models.EntryType
	Entries   []models.Entry
	// FilesProcessed scopes pruning; nil disables it.
	FilesProcessed []string
	// SyncedAt becomes the new watermark. It is the time the adapter started.
	SyncedAt time.Time
}

// ApplyResult summarises a merge.
type ApplyResult struct {
	Upserted  int
	Pruned    int
	PrunedIDs []string
}

// ApplySourceBatch upserts the batch, prunes entries of processed files that
// the batch no longer contains, projects tasks and advances the watermark, all
// in one transaction. On any error nothing is persisted.
func (s *Store) ApplySourceBatch(ctx context.Context, b SourceBatch) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res := &ApplyResult{}
	inBatch := make(map[string]bool, len(b.Entries))

	for _, e := range b.Entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries (source, id, entry_type, file, payload, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source, id) DO UPDATE SET
			 	entry_type = excluded.entry_type,
			 	file = excluded.file,
			 	payload = excluded.payload,
			 	updated_at = excluded.updated_at`,
			b.Source, e.ID, string(b.EntryType), e.File, string(e.Raw), now,
		)
		if err != nil {
			return nil, fmt.Errorf("upsert entry %s: %w", e.ID, err)
		}
		if b.EntryType == models.EntryTypeTasks && e.Task != nil {
			if err := upsertTask(ctx, tx, b.Source, e, b.SyncedAt, now); err != nil {
				return nil, fmt.Errorf("project task %s: %w", e.ID, err)
			}
		}
		if !inBatch[e.ID] {
			inBatch[e.ID] = true
			res.Upserted++
		}
	}

	if b.FilesProcessed != nil {
		pruned, err := pruneEntries(ctx, tx, b.Source, b.FilesProcessed, inBatch)
		if err != nil {
			return nil, err
		}
		for _, id := range pruned {
			if err := pruneTask(ctx, tx, b.Source, id, now); err != nil {
				return nil, fmt.Errorf("prune task %s: %w", id, err)
			}
		}
		res.Pruned = len(pruned)
		res.PrunedIDs = pruned
	}

	if err := putWatermark(ctx, tx, b.Source, b.SyncedAt, b.FilesProcessed, now); err != nil {
		return nil, err
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(b.Source); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

func pruneEntries(ctx context.Context, tx *sql.Tx, source string, files []string, keep map[string]bool) ([]string, error) {
	scope := make(map[string]bool, len(files))
	for _, f := range files {
		scope[f] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, file FROM entries WHERE source = ? AND file != ''`, source)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id, file string
		if err := rows.Scan(&id, &file); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if scope[file] && !keep[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(stale)
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE source = ? AND id = ?`, source, id); err != nil {
			return nil, fmt.Errorf("delete entry %s: %w", id, err)
		}
	}
	return stale, nil
}

// --- Watermark Operations ---

func putWatermark(ctx context.Context, tx *sql.Tx, source string, syncedAt time.Time, files []string, now time.Time) error {
	var filesJSON sql.NullString
	if files != nil {
		data, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("encode files_processed: %w", err)
		}
		filesJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO watermarks (source, last_sync, files_processed, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
		 	last_sync = excluded.last_sync,
		 	files_processed = excluded.files_processed,
		 	updated_at = excluded.updated_at`,
		source, syncedAt.UTC(), filesJSON, now,
	)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// GetWatermark returns the watermark of a source, or nil if it never synced.
func (s *Store) GetWatermark(ctx context.Context, source string) (*models.Watermark, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source, last_sync, files_processed, updated_at FROM watermarks WHERE source = ?`, source)
	wm, err := scanWatermark(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query watermark: %w", err)
	}
	return wm, nil
}

// ListWatermarks returns every watermark ordered by source.
func (s *Store) ListWatermarks(ctx context.Context) ([]models.Watermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, last_sync, files_processed, updated_at FROM watermarks ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	var out []models.Watermark
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out = append(out, *wm)
	}
	return out, rows.Err()
}

// ResetWatermark forgets a source's watermark so its next read is full.
func (s *Store) ResetWatermark(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE source = ?`, source)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWatermark(row scanner) (*models.Watermark, error) {
	var (
		wm       models.Watermark
		lastSync sql.NullTime
		files    sql.NullString
	)
	if err := row.Scan(&wm.Source, &lastSync, &files, &wm.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := lastSync.Time
		wm.LastSync = &t
	}
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &wm.FilesProcessed); err != nil {
			return nil, fmt.Errorf("decode files_processed: %w", err)
		}
		if wm.FilesProcessed == nil {
			wm.FilesProcessed = []string{}
		}
	}
	return &wm, nil
}

// --- Entry Queries ---

// StoredEntry is an entry row as persisted.
type StoredEntry struct {
	Source    string           `json:"source"`
	ID        string           `json:"id"`
	Type      models.EntryType `json:"entry_type"`
	File      string           `json:"file,omitempty"`
	Payload   json.RawMessage  `json:"payload"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ListEntries returns a source's entries ordered by id.
func (s *Store) ListEntries(ctx context.Context, source string) ([]StoredEntry, error) {
	return s.queryEntries(ctx,
		`SELECT source, id, entry_type, file, payload, updated_at FROM entries WHERE source = ? ORDER BY id`, source)
}

// EntriesOfType returns every source's entries of one type, for write-back.
func (s *Store) EntriesOfType(ctx context.Context, typ models.EntryType) ([]StoredEntry, error) {
	return s.queryEntries(ctx,
		`SELECT source, id, entry_type, file, payload, updated_at FROM entries WHERE entry_type = ? ORDER BY source, id`, string(typ))
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]StoredEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []StoredEntry
	for rows.Next() {
		var (
			e       StoredEntry
			typ     string
			payload string
		)
		if err := rows.Scan(&e.Source, &e.ID, &typ, &e.File, &payload, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = models.EntryType(typ)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEntries returns the number of entries per source.
func (s *Store) CountEntries(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM entries GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// --- Sync Run Operations ---

// RecordSyncRun writes the audit record of one source's sync attempt.
func (s *Store) RecordSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, cycle_id, source, inputs_hash, outcome, error_kind, details, upserted, pruned, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CycleID, run.Source, run.InputsHash, run.Outcome, run.ErrorKind, run.Details,
		run.Upserted, run.Pruned, run.StartedAt.UTC(), run.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs, newest first. An empty source
// lists every source.
func (s *Store) ListSyncRuns(ctx context.Context, source string, limit int) ([]models.SyncRun, error) {
	query := `SELECT id, cycle_id, source, inputs_hash, outcome, error_kind, details, upserted, pruned, started_at, ended_at FROM sync_runs`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var r models.SyncRun
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Source, &r.InputsHash, &r.Outcome, &r.ErrorKind, &r.Details,
			&r.Upserted, &r.Pruned, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
