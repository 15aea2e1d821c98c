package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/vaultsync/internal/models"
)

// upsertTask projects a tasks entry into the task tables. A stage set through
// SetTaskStage after the adapter started survives, since the adapter could not
// have seen it.
func upsertTask(ctx context.Context, tx *sql.Tx, source string, e models.Entry, syncedAt, now time.Time) error {
	p := e.Task
	stage := p.ResolvedStage()
	dirty := false

	var (
		curStage     string
		curDirty     bool
		curChangedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx,
		`SELECT stage, stage_dirty, stage_changed_at FROM tasks WHERE source = ? AND id = ?`, source, e.ID,
	).Scan(&curStage, &curDirty, &curChangedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("query task: %w", err)
	case curDirty && curChangedAt.Valid && curChangedAt.Time.After(syncedAt):
		stage = models.Stage(curStage)
		dirty = true
	}

	var completedAt sql.NullTime
	if p.Completed != "" {
		if ts, err := models.CompletedTimestamp(p.Completed); err == nil {
			completedAt = sql.NullTime{Time: ts, Valid: true}
		}
	}

	var projectID sql.NullInt64
	if p.Project != "" {
		id, err := ensureName(ctx, tx, "projects", p.Project)
		if err != nil {
			return err
		}
		projectID = sql.NullInt64{Int64: id, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (source, id, title, stage, priority, due, scheduled, created_on, completed_on, completed_at,
			recurrence, project_id, file, line, stage_dirty, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source, id) DO UPDATE SET
		 	title = excluded.title,
		 	stage = excluded.stage,
		 	priority = excluded.priority,
		 	due = excluded.due,
		 	scheduled = excluded.scheduled,
		 	created_on = excluded.created_on,
		 	completed_on = excluded.completed_on,
		 	completed_at = excluded.completed_at,
		 	recurrence = excluded.recurrence,
		 	project_id = excluded.project_id,
		 	file = excluded.file,
		 	line = excluded.line,
		 	stage_dirty = excluded.stage_dirty,
		 	updated_at = excluded.updated_at`,
		source, e.ID, p.Title, string(stage), string(models.ParsePriority(string(p.Priority))),
		p.Due, p.Scheduled, p.Created, p.Completed, completedAt,
		p.Recurrence, projectID, e.File, p.Line, dirty, now,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE source = ? AND task_id = ?`, source, e.ID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range uniqueTags(p.Tags) {
		tagID, err := ensureName(ctx, tx, "tags", tag)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_tags (source, task_id, tag_id) VALUES (?, ?, ?)`, source, e.ID, tagID); err != nil {
			return fmt.Errorf("tag task: %w", err)
		}
	}

	if e.File != "" && p.LineHash != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO markdown_sync (source, task_id, file, line, line_hash, synced_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source, task_id) DO UPDATE SET
			 	file = excluded.file,
			 	line = excluded.line,
			 	line_hash = excluded.line_hash,
			 	synced_at = excluded.synced_at`,
			source, e.ID, e.File, p.Line, p.LineHash, now,
		)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM markdown_sync WHERE source = ? AND task_id = ?`, source, e.ID)
	}
	if err != nil {
		return fmt.Errorf("record markdown sync: %w", err)
	}
	return nil
}

// pruneTask removes a task whose entry was pruned. Held tasks are kept,
// archived and detached from their file.
func pruneTask(ctx context.Context, tx *sql.Tx, source, id string, now time.Time) error {
	var held bool
	err := tx.QueryRowContext(ctx, `SELECT held FROM tasks WHERE source = ? AND id = ?`, source, id).Scan(&held)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM markdown_sync WHERE source = ? AND task_id = ?`, source, id); err != nil {
		return fmt.Errorf("delete markdown sync: %w", err)
	}
	if held {
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET stage = ?, file = '', line = 0, stage_dirty = 0, updated_at = ? WHERE source = ? AND id = ?`,
			string(models.StageArchived), now, source, id)
		if err != nil {
			return fmt.Errorf("archive held task: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE source = ? AND task_id = ?`, source, id); err != nil {
		return fmt.Errorf("delete task tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE source = ? AND id = ?`, source, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ensureName returns the id of a row in a name table, inserting it if needed.
func ensureName(ctx context.Context, tx *sql.Tx, table, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+` (name) VALUES (?)`, name); err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("query %s: %w", table, err)
	}
	return id, nil
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// --- Task Operations ---

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Source  string
	Stage   models.Stage
	Project string
	Tag     string
	// OpenOnly drops done and archived tasks.
	OpenOnly bool
	// Due matches an exact due date (YYYY-MM-DD).
	Due string
	// DirtyOnly keeps tasks with a pending store-side stage change.
	DirtyOnly bool
}

const taskColumns = `t.source, t.id, t.title, t.stage, t.priority, t.due, t.scheduled, t.created_on, t.completed_on,
	t.completed_at, t.recurrence, COALESCE(p.name, ''), t.file, t.line, t.held, t.stage_dirty, t.updated_at`

// GetTask retrieves a task, or nil if it does not exist.
func (s *Store) GetTask(ctx context.Context, source, id string) (*models.Task, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks t LEFT JOIN projects p ON p.id = t.project_id WHERE t.source = ? AND t.id = ?`,
		source, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// ListTasks returns tasks ordered by priority, then due date, then title.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t LEFT JOIN projects p ON p.id = t.project_id`
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, `t.source = ?`)
		args = append(args, f.Source)
	}
	if f.Stage != "" {
		where = append(where, `t.stage = ?`)
		args = append(args, string(f.Stage))
	}
	if f.Project != "" {
		where = append(where, `p.name = ?`)
		args = append(args, f.Project)
	}
	if f.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM task_tags tt JOIN tags g ON g.id = tt.tag_id
			WHERE tt.source = t.source AND tt.task_id = t.id AND g.name = ?)`)
		args = append(args, strings.TrimPrefix(f.Tag, "#"))
	}
	if f.OpenOnly {
		where = append(where, `t.stage NOT IN (?, ?)`)
		args = append(args, string(models.StageDone), string(models.StageArchived))
	}
	if f.Due != "" {
		where = append(where, `t.due = ?`)
		args = append(args, f.Due)
	}
	if f.DirtyOnly {
		where = append(where, `t.stage_dirty = 1`)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}

	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	SortTasks(tasks)
	return tasks, nil
}

// DueOn returns open tasks due on date (YYYY-MM-DD).
func (s *Store) DueOn(ctx context.Context, date string) ([]models.Task, error) {
	return s.ListTasks(ctx, TaskFilter{OpenOnly: true, Due: date})
}

// SortTasks orders tasks by priority (highest first), due date (undated
// last) and title.
func SortTasks(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if a.Due != b.Due {
			if a.Due == "" || b.Due == "" {
				return b.Due == ""
			}
			return a.Due < b.Due
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	var tasks []models.Task
	for rows.Next() {
		var (
			t           models.Task
			stage       string
			priority    string
			completedAt sql.NullTime
		)
		if err := rows.Scan(&t.Source, &t.ID, &t.Title, &stage, &priority, &t.Due, &t.Scheduled, &t.Created,
			&t.Completed, &completedAt, &t.Recurrence, &t.Project, &t.File, &t.Line, &t.Held, &t.StageDirty,
			&t.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Stage = models.Stage(stage)
		t.Priority = models.Priority(priority)
		if completedAt.Valid {
			ts := completedAt.Time
			t.CompletedAt = &ts
		}
		tasks = append(tasks, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Tags are loaded after the task rows are closed; the store has one connection.
	for i := range tasks {
		tags, err := s.taskTags(ctx, tasks[i].Source, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Tags = tags
	}
	return tasks, nil
}

func (s *Store) taskTags(ctx context.Context, source, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.name FROM task_tags tt JOIN tags g ON g.id = tt.tag_id WHERE tt.source = ? AND tt.task_id = ? ORDER BY g.name`,
		source, id)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// SetTaskStage records a store-side stage change. The markdown engine applies
// it on its next run unless the task's line changed in the meantime.
func (s *Store) SetTaskStage(ctx context.Context, source, id string, stage models.Stage) error {
	now := time.Now().UTC()
	completedOn := ""
	var completedAt sql.NullTime
	if stage == models.StageDone {
		completedOn = time.Now().Format(models.DateLayout)
		if ts, err := models.CompletedTimestamp(completedOn); err == nil {
			completedAt = sql.NullTime{Time: ts, Valid: true}
		}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET stage = ?, stage_dirty = 1, stage_changed_at = ?, updated_at = ?,
			completed_on = CASE WHEN ? = 'done' THEN ? ELSE '' END,
			completed_at = CASE WHEN ? = 'done' THEN ? ELSE NULL END
		 WHERE source = ? AND id = ?`,
		string(stage), now, now, string(stage), completedOn, string(stage), completedAt, source, id,
	)
	if err != nil {
		return fmt.Errorf("update task stage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// HoldTask sets or clears the store-side hold on a task.
func (s *Store) HoldTask(ctx context.Context, source, id string, held bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET held = ?, updated_at = ? WHERE source = ? AND id = ?`, held, time.Now().UTC(), source, id)
	if err != nil {
		return fmt.Errorf("update task hold: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SyncRecords returns where each of a source's tasks last sat in markdown.
func (s *Store) SyncRecords(ctx context.Context, source string) (map[string]models.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, task_id, file, line, line_hash, synced_at FROM markdown_sync WHERE source = ?`, source)
	if err != nil {
		return nil, fmt.Errorf("query markdown sync: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.SyncRecord)
	for rows.Next() {
		var r models.SyncRecord
		if err := rows.Scan(&r.Source, &r.TaskID, &r.File, &r.Line, &r.LineHash, &r.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan markdown sync: %w", err)
		}
		out[r.TaskID] = r
	}
	return out, rows.Err()
}
