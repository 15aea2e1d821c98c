package tasks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/vaultsync/internal/connectors"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
	"github.com/fentz26/vaultsync/internal/store"
)

type harness struct {
	root   string
	store  *store.Store
	engine *Engine
	rec    *reconcile.Reconciler
	src    models.Source
	nextID int
}

func newHarness(t *testing.T, settings map[string]any) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{root: t.TempDir(), store: st}
	eng, err := New(Config{
		ProjectRoot: h.root,
		StateDir:    t.TempDir(),
		Store:       st,
	})
	require.NoError(t, err)
	eng.newID = func() string {
		h.nextID++
		return fmt.Sprintf("t-%012x", h.nextID)
	}
	eng.now = func() time.Time { return time.Date(2025, 1, 6, 10, 0, 0, 0, time.Local) }
	h.engine = eng

	reg := reconcile.NewRegistry("")
	require.NoError(t, reg.Register(Plugin, eng.Adapter))
	h.rec = reconcile.New(st, reg, reconcile.Config{ProjectRoot: h.root})

	if settings == nil {
		settings = map[string]any{}
	}
	h.src = models.Source{
		Plugin:      Plugin,
		Name:        "default",
		Enabled:     true,
		EntryType:   models.EntryTypeTasks,
		Capability:  models.CapabilityReadOnly,
		Incremental: true,
		Timeout:     5 * time.Second,
		Settings:    settings,
	}
	return h
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) cycle(t *testing.T) reconcile.SourceResult {
	t.Helper()
	report := h.rec.RunCycle(context.Background(), []models.Source{h.src}, reconcile.CycleOptions{})
	res, ok := report.Result(h.src.ID())
	require.True(t, ok)
	require.True(t, res.Success, "%s: %s", res.Kind, res.Error)
	return res
}

func (h *harness) tasks(t *testing.T) []models.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), store.TaskFilter{Source: h.src.ID()})
	require.NoError(t, err)
	return tasks
}

func TestEndToEndLineRemoval(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "# Shopping\n\n- [ ] Buy milk\n")

	res := h.cycle(t)
	assert.Equal(t, 1, res.Upserted)
	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Buy milk", tasks[0].Title)
	assert.Equal(t, models.StageInbox, tasks[0].Stage)
	assert.Equal(t, "a.md", tasks[0].File)
	assert.Equal(t, 3, tasks[0].Line)
	assert.Equal(t, "# Shopping\n\n- [ ] Buy milk ^t-000000000001\n", h.read(t, "a.md"))

	h.write(t, "a.md", "# Shopping\n")
	res = h.cycle(t)
	assert.True(t, res.Incremental)
	assert.Equal(t, 1, res.Pruned)
	assert.Empty(t, h.tasks(t))
}

func TestIdentityStable(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] one\n- [ ] two ^t-00000000abcd\n")

	h.cycle(t)
	first := h.read(t, "a.md")
	assert.Equal(t, "- [ ] one ^t-000000000001\n- [ ] two ^t-00000000abcd\n", first)

	h.cycle(t)
	h.src.Incremental = false
	h.cycle(t)
	assert.Equal(t, first, h.read(t, "a.md"))
	assert.Equal(t, 1, h.nextID, "no identity is generated once every line has one")
	assert.Len(t, h.tasks(t), 2)
}

func TestQuietCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "notes/a.md", "- [ ] one ⏫ #work\n- [x] two ✅ 2025-01-02\n")
	h.write(t, "notes/b.md", "- [/] three 📅 2025-01-06\n")

	h.cycle(t)
	before := h.tasks(t)
	res := h.cycle(t)
	assert.Equal(t, 0, res.Upserted)
	assert.Equal(t, 0, res.Pruned)

	after := h.tasks(t)
	require.Len(t, after, 3)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Stage, after[i].Stage)
		assert.Equal(t, before[i].Tags, after[i].Tags)
	}
}

func TestDuplicateIdentityReassigned(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] first ^t-00000000abcd\n- [ ] copy ^t-00000000abcd\n")

	h.cycle(t)
	assert.Equal(t, "- [ ] first ^t-00000000abcd\n- [ ] copy ^t-000000000001\n", h.read(t, "a.md"))
	assert.Len(t, h.tasks(t), 2)
}

func TestIdentityCollisionSkipsLine(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] kept ^t-000000000001\n- [ ] unlucky\n")
	h.engine.newID = func() string { return "t-000000000001" }

	h.cycle(t)
	assert.Equal(t, "- [ ] kept ^t-000000000001\n- [ ] unlucky\n", h.read(t, "a.md"))
	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, "kept", tasks[0].Title)

	h.engine.newID = func() string { return "t-000000000002" }
	res := h.cycle(t)
	assert.True(t, res.Incremental)
	assert.Equal(t, "- [ ] kept ^t-000000000001\n- [ ] unlucky ^t-000000000002\n", h.read(t, "a.md"))
	assert.Len(t, h.tasks(t), 2)
}

func TestStoreStageChangeWrittenBack(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] Pay rent\n")
	h.cycle(t)

	ctx := context.Background()
	require.NoError(t, h.store.SetTaskStage(ctx, h.src.ID(), "t-000000000001", models.StageWaiting))
	h.cycle(t)

	assert.Equal(t, "- [ ] Pay rent #stage/waiting ^t-000000000001\n", h.read(t, "a.md"))
	task, err := h.store.GetTask(ctx, h.src.ID(), "t-000000000001")
	require.NoError(t, err)
	assert.Equal(t, models.StageWaiting, task.Stage)
	assert.False(t, task.StageDirty)

	require.NoError(t, h.store.SetTaskStage(ctx, h.src.ID(), "t-000000000001", models.StageDone))
	h.cycle(t)
	assert.Equal(t, "- [x] Pay rent ✅ 2025-01-06 ^t-000000000001\n", h.read(t, "a.md"))
}

func TestMarkdownEditWins(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] Pay rent\n")
	h.cycle(t)

	ctx := context.Background()
	require.NoError(t, h.store.SetTaskStage(ctx, h.src.ID(), "t-000000000001", models.StageDone))
	h.write(t, "a.md", "- [/] Pay the rent ^t-000000000001\n")
	h.cycle(t)

	assert.Equal(t, "- [/] Pay the rent ^t-000000000001\n", h.read(t, "a.md"))
	task, err := h.store.GetTask(ctx, h.src.ID(), "t-000000000001")
	require.NoError(t, err)
	assert.Equal(t, models.StageActive, task.Stage)
	assert.Equal(t, "Pay the rent", task.Title)
	assert.False(t, task.StageDirty)
}

func TestRecurrenceGeneratesNextTask(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] Water plants #home 🔁 every week 📅 2025-01-06\n")
	h.cycle(t)

	h.write(t, "a.md", "- [x] Water plants #home 🔁 every week 📅 2025-01-06 ^t-000000000001\n")
	h.cycle(t)

	assert.Equal(t,
		"- [ ] Water plants #home 🔁 every week ➕ 2025-01-06 📅 2025-01-13 ^t-000000000002\n"+
			"- [x] Water plants #home 🔁 every week 📅 2025-01-06 ✅ 2025-01-06 ^t-000000000001\n",
		h.read(t, "a.md"))

	tasks := h.tasks(t)
	require.Len(t, tasks, 2)
	byID := map[string]models.Task{}
	for _, task := range tasks {
		byID[task.ID] = task
	}
	orig := byID["t-000000000001"]
	assert.Equal(t, models.StageDone, orig.Stage)
	assert.Equal(t, "2025-01-06", orig.Completed)

	next := byID["t-000000000002"]
	assert.Equal(t, models.StageInbox, next.Stage)
	assert.Equal(t, "2025-01-13", next.Due)
	assert.Equal(t, "Water plants", next.Title)
	assert.Equal(t, []string{"home"}, next.Tags)

	h.src.Incremental = false
	h.cycle(t)
	assert.Len(t, h.tasks(t), 2, "a completed task spawns once")
}

func TestRecurrenceRetriedAfterCollision(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] Water plants #home 🔁 every week 📅 2025-01-06\n")
	h.cycle(t)

	completed := "- [x] Water plants #home 🔁 every week 📅 2025-01-06 ^t-000000000001\n"
	h.write(t, "a.md", completed)
	h.engine.newID = func() string { return "t-000000000001" }
	h.cycle(t)

	assert.Equal(t, completed, h.read(t, "a.md"), "no completion date without a successor")
	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StageInbox, tasks[0].Stage)

	h.engine.newID = func() string { return "t-000000000002" }
	res := h.cycle(t)
	assert.True(t, res.Incremental)
	assert.Equal(t,
		"- [ ] Water plants #home 🔁 every week ➕ 2025-01-06 📅 2025-01-13 ^t-000000000002\n"+
			"- [x] Water plants #home 🔁 every week 📅 2025-01-06 ✅ 2025-01-06 ^t-000000000001\n",
		h.read(t, "a.md"))

	tasks = h.tasks(t)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		if task.ID == "t-000000000001" {
			assert.Equal(t, models.StageDone, task.Stage)
		} else {
			assert.Equal(t, models.StageInbox, task.Stage)
		}
	}
}

func TestRecurrenceIgnoresFencedSibling(t *testing.T) {
	st := &runState{
		today:  "2025-01-06",
		tasks:  map[string]models.Task{"t-000000000001": {ID: "t-000000000001", Stage: models.StageInbox}},
		ids:    newIDPool(func() string { return "t-000000000009" }, nil, nil),
		logger: testLogger(),
	}
	content := "```\n- [ ] Stretch 🔁 daily 📅 2025-01-07\n```\n- [x] Stretch 🔁 daily 📅 2025-01-06 ^t-000000000001\n"
	out, docs, changed, err := st.processFile("a.md", content)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, st.stats.Spawned)
	assert.Len(t, docs, 2)
	assert.Contains(t, out, "```\n- [ ] Stretch 🔁 daily 📅 2025-01-07\n```\n- [ ] Stretch")
}

func TestRecurrenceSuppressesDuplicate(t *testing.T) {
	st := &runState{
		today:  "2025-01-06",
		tasks:  map[string]models.Task{"t-000000000001": {ID: "t-000000000001", Stage: models.StageInbox}},
		ids:    newIDPool(func() string { return "t-000000000009" }, nil, nil),
		logger: testLogger(),
	}
	content := "- [ ] Stretch 🔁 daily 📅 2025-01-07 ^t-000000000002\n- [x] Stretch 🔁 daily 📅 2025-01-06 ^t-000000000001\n"
	out, docs, changed, err := st.processFile("a.md", content)
	require.NoError(t, err)
	assert.True(t, changed, "completion date is stamped")
	assert.Equal(t, 0, st.stats.Spawned)
	assert.Len(t, docs, 2)
	assert.Equal(t, 2, strings.Count(out, "Stretch"))
}

func TestFencedBlocksIgnored(t *testing.T) {
	st := &runState{
		today:  "2025-01-06",
		ids:    newIDPool(func() string { return "t-000000000001" }, nil, nil),
		logger: testLogger(),
	}
	content := "```\n- [ ] example\n```\n"
	out, docs, changed, err := st.processFile("a.md", content)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, docs)
	assert.Equal(t, content, out)
}

func TestCRLFPreserved(t *testing.T) {
	st := &runState{
		today:  "2025-01-06",
		ids:    newIDPool(func() string { return "t-000000000001" }, nil, nil),
		logger: testLogger(),
	}
	out, docs, _, err := st.processFile("a.md", "- [ ] one\r\nnote\r\n")
	require.NoError(t, err)
	assert.Equal(t, "- [ ] one ^t-000000000001\r\nnote\r\n", out)
	require.Len(t, docs, 1)
	assert.Contains(t, string(docs[0]), `"line_hash"`)
}

func TestTodayView(t *testing.T) {
	h := newHarness(t, map[string]any{"directory": "vault", "today_view": "vault/Today.md"})
	h.write(t, "vault/a.md", "- [ ] Buy milk 📅 2025-01-06\n- [ ] Later 📅 2025-02-01\n")

	h.cycle(t)
	view := h.read(t, "vault/Today.md")
	assert.Contains(t, view, "Buy milk")
	assert.NotContains(t, view, "Later")
	assert.False(t, regexp.MustCompile(`\^t-`).MatchString(view))

	tasks := h.tasks(t)
	require.Len(t, tasks, 2)
	assert.Equal(t, "vault/a.md", tasks[0].File)

	res := h.cycle(t)
	assert.Equal(t, 0, res.Upserted, "the view is never read as tasks")
}

func TestFailedMergeKeepsBaseline(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] one\n")
	h.cycle(t)

	h.write(t, "a.md", "- [ ] one ^t-000000000001\n- [ ] two\n")
	req := connectors.Request{Source: h.src, ProjectRoot: h.root, LastSync: ptr(time.Now())}
	resp, err := h.engine.Read(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, resp.FilesProcessed)
	h.engine.Finish(context.Background(), req, connectors.Outcome{Success: false})

	resp, err = h.engine.Read(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, resp.FilesProcessed, "the change is seen again")
	assert.Len(t, resp.Entries, 2)
	h.engine.Finish(context.Background(), req, connectors.Outcome{Success: true})

	resp, err = h.engine.Read(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.FilesProcessed)
	assert.Empty(t, resp.Entries)
}

func TestFileFilter(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.md", "- [ ] a\n")
	h.write(t, "b.md", "- [ ] b\n")

	req := connectors.Request{Source: h.src, ProjectRoot: h.root, FileFilter: []string{"b.md"}}
	resp, err := h.engine.Read(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.md"}, resp.FilesProcessed)
	assert.Len(t, resp.Entries, 1)
	assert.Equal(t, "- [ ] a\n", h.read(t, "a.md"))
}

func TestAdapterRejectsBadSettings(t *testing.T) {
	h := newHarness(t, nil)
	src := h.src
	src.Settings = map[string]any{"include_git": "perhaps"}
	_, err := h.engine.Adapter(src)
	assert.Equal(t, connectors.KindNotConfigured, connectors.KindOf(err))

	s, err := ParseSettings(map[string]any{"directory": "notes", "today_only": "true", "include_git": true})
	require.NoError(t, err)
	assert.Equal(t, Settings{Directory: "notes", IncludeGit: true, TodayOnly: true}, s)
}

func ptr[T any](v T) *T { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
