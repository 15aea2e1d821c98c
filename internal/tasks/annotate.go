package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fentz26/vaultsync/internal/models"
)

type runStats struct {
	Annotated  int
	Applied    int
	Discarded  int
	Spawned    int
	Collisions int
}

// runState is what one Read knows about the source while it walks files.
type runState struct {
	today   string
	tasks   map[string]models.Task
	records map[string]models.SyncRecord
	ids     *idPool
	logger  *slog.Logger
	stats   runStats

	// retry holds files with a line that could not be finished this run;
	// their baseline entry is dropped so the next scan reads them again.
	retry map[string]bool
	// hold pins the emitted stage of a completed recurring task whose
	// successor could not be inserted, so the spawn is attempted again.
	hold map[string]models.Stage
}

func (st *runState) markRetry(file string) {
	if st.retry == nil {
		st.retry = make(map[string]bool)
	}
	st.retry[file] = true
}

// entryDoc is the entry a task line becomes.
type entryDoc struct {
	ID string `json:"id"`
	models.TaskPayload
}

// processFile rewrites one file's task lines and decodes them. It returns
// the new content, the entries and whether the content changed.
func (st *runState) processFile(file, content string) (string, []json.RawMessage, bool, error) {
	eol := "\n"
	if strings.Contains(content, "\r\n") {
		eol = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	changed := false
	emit := make(map[string]bool)

	fenced := false
	for i := 0; i < len(lines); i++ {
		text := lines[i]
		if isFence(text) {
			fenced = !fenced
			continue
		}
		if fenced {
			continue
		}
		l, ok := ParseLine(text)
		if !ok {
			continue
		}

		if l.ID == "" || !st.ids.claim(l.ID, file) {
			id, err := st.ids.next()
			if err != nil {
				st.stats.Collisions++
				st.logger.Warn("Task id collision, line left for next run", "file", file, "line", i+1, "error", err)
				st.markRetry(file)
				continue
			}
			text = withID(text, l.ID, id)
			lines[i] = text
			l.ID = id
			changed = true
			st.stats.Annotated++
		}
		emit[l.ID] = true

		before := l.Stage()
		task, stored := st.tasks[l.ID]
		if stored && task.StageDirty {
			if rec, ok := st.records[l.ID]; ok && rec.LineHash == LineHash(text) {
				if before != task.Stage {
					l.SetStage(task.Stage, st.today)
					text = l.Format()
					lines[i] = text
					changed = true
				}
				st.stats.Applied++
			} else {
				st.stats.Discarded++
				st.logger.Info("Markdown edit wins over store stage change", "task", l.ID, "file", file)
			}
		}

		done := l.Stage() == models.StageDone
		if done && stored && l.Recurrence != "" && (task.Stage != models.StageDone || before != models.StageDone) {
			var id string
			var err error
			lines, id, err = st.spawnNext(lines, i, l, file)
			if err != nil {
				open := before
				if open == models.StageDone {
					open = task.Stage
				}
				if st.hold == nil {
					st.hold = make(map[string]models.Stage)
				}
				st.hold[l.ID] = open
				st.markRetry(file)
				continue
			}
			if id != "" {
				emit[id] = true
				i++
				changed = true
			}
			if l.Completed == "" {
				l.Completed = st.today
				lines[i] = l.Format()
				changed = true
			}
		}
	}

	docs, err := st.decode(file, lines, emit)
	if err != nil {
		return "", nil, false, err
	}
	return strings.Join(lines, eol), docs, changed, nil
}

// decode turns the final lines into entries. Only identities accepted by
// processFile are emitted, each once.
func (st *runState) decode(file string, lines []string, emit map[string]bool) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	emitted := make(map[string]bool, len(emit))
	fenced := false
	for i, text := range lines {
		if isFence(text) {
			fenced = !fenced
			continue
		}
		if fenced {
			continue
		}
		l, ok := ParseLine(text)
		if !ok || l.ID == "" || !emit[l.ID] || emitted[l.ID] {
			continue
		}
		emitted[l.ID] = true

		p := l.Payload()
		if stage, ok := st.hold[l.ID]; ok {
			p.Stage = stage
			p.Status = "open"
			if !stage.Open() {
				p.Status = string(stage)
			}
			p.Completed = ""
		}
		p.File = file
		p.Line = i + 1
		p.LineHash = LineHash(text)
		doc, err := json.Marshal(entryDoc{ID: l.ID, TaskPayload: p})
		if err != nil {
			return nil, fmt.Errorf("encode task %s: %w", l.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// spawnNext inserts the next occurrence of a completed recurring task above
// it. It returns the new id, or "" when nothing was inserted. An error means
// no identity could be found and the spawn should be retried.
func (st *runState) spawnNext(lines []string, i int, l *Line, file string) ([]string, string, error) {
	rule, err := ParseRule(l.Recurrence)
	if err != nil {
		st.logger.Warn("Skipping recurrence", "task", l.ID, "file", file, "error", err)
		return lines, "", nil
	}
	base := firstNonEmpty(l.Due, l.Scheduled, l.Completed, st.today)
	from, err := models.ParseDate(base)
	if err != nil {
		st.logger.Warn("Skipping recurrence", "task", l.ID, "file", file, "error", err)
		return lines, "", nil
	}
	due := rule.Next(from).Format(models.DateLayout)
	if hasOpenSibling(lines, l.Title, due) {
		return lines, "", nil
	}

	id, err := st.ids.next()
	if err != nil {
		st.stats.Collisions++
		st.logger.Warn("Task id collision, recurrence left for next run", "task", l.ID, "file", file)
		return lines, "", err
	}
	next := &Line{
		Prefix:     l.Prefix,
		Box:        ' ',
		Title:      l.Title,
		Priority:   l.Priority,
		Project:    l.Project,
		Tags:       append([]string(nil), l.Tags...),
		Recurrence: l.Recurrence,
		Created:    st.today,
		Due:        due,
		ID:         id,
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:i]...)
	out = append(out, next.Format())
	out = append(out, lines[i:]...)
	st.stats.Spawned++
	return out, id, nil
}

func hasOpenSibling(lines []string, title, due string) bool {
	fenced := false
	for _, text := range lines {
		if isFence(text) {
			fenced = !fenced
			continue
		}
		if fenced {
			continue
		}
		l, ok := ParseLine(text)
		if ok && l.Stage().Open() && l.Title == title && l.Due == due {
			return true
		}
	}
	return false
}

func isFence(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
