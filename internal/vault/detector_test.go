package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	modified []string
	head     string
	err      error
	calls    [][]string
}

func (g *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	g.calls = append(g.calls, args)
	if g.err != nil {
		return "", g.err
	}
	switch args[0] {
	case "rev-parse":
		return g.head + "\n", nil
	case "ls-files":
		out := ""
		for _, p := range g.modified {
			out += p + "\n"
		}
		return out, nil
	}
	return "", nil
}

func newTestDetector(t *testing.T, git GitRunner) *Detector {
	t.Helper()
	d, err := New(Config{StateDir: t.TempDir(), Git: git})
	require.NoError(t, err)
	return d
}

func writeFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
}

func TestFirstRunThenQuiet(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "- [ ] one", old)
	writeFile(t, root, "notes/b.md", "- [ ] two", old)
	writeFile(t, root, "image.png", "png", old)
	writeFile(t, root, ".obsidian/workspace.md", "ignored", old)

	d := newTestDetector(t, nil)
	ctx := context.Background()

	cs, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.True(t, cs.FirstRun)
	assert.Equal(t, []string{"a.md", "notes/b.md"}, cs.Changed)
	assert.Equal(t, []string{"a.md", "notes/b.md"}, cs.Files)

	cs, err = d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.False(t, cs.FirstRun)
	assert.Empty(t, cs.Changed)
	assert.Empty(t, cs.Deleted)
}

func TestDetectsEditsAndDeletes(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "short", old)
	writeFile(t, root, "b.md", "same size", old)
	writeFile(t, root, "c.md", "gone soon", old)

	d := newTestDetector(t, nil)
	ctx := context.Background()
	_, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)

	later := old.Add(10 * time.Minute)
	writeFile(t, root, "a.md", "much longer now", old)  // size change
	writeFile(t, root, "b.md", "SAME SIZE", later)      // mtime change, same size
	require.NoError(t, os.Remove(filepath.Join(root, "c.md")))
	writeFile(t, root, "d.md", "new", old)

	cs, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md", "d.md"}, cs.Changed)
	assert.Equal(t, []string{"c.md"}, cs.Deleted)
}

func TestTouchWithoutContentChangeIsQuiet(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "content", old)

	d := newTestDetector(t, nil)
	ctx := context.Background()
	_, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)

	touched := old.Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), touched, touched))

	cs, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.Empty(t, cs.Changed)
}

func TestRacyWindowComparesFingerprint(t *testing.T) {
	root := t.TempDir()
	scan := time.Now().Add(-10 * time.Minute)
	mtime := scan.Add(-time.Second)
	writeFile(t, root, "a.md", "aaaa", mtime)

	orig := timeNow
	defer func() { timeNow = orig }()
	timeNow = func() time.Time { return scan }

	d := newTestDetector(t, nil)
	ctx := context.Background()
	_, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)

	// Same size, same mtime: only the fingerprint can tell.
	writeFile(t, root, "a.md", "bbbb", mtime)
	timeNow = func() time.Time { return scan.Add(time.Minute) }

	cs, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, cs.Changed)
}

func TestGitEvidenceIsVerified(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "aaaa", old)
	writeFile(t, root, "b.md", "bbbb", old)

	git := &fakeGit{head: "abc123"}
	d := newTestDetector(t, git)
	ctx := context.Background()

	cs, err := d.GetChangedFilePaths(ctx, root, Options{IncludeGit: true})
	require.NoError(t, err)
	assert.Equal(t, "abc123", cs.Baseline().GitHead)

	// a.md really changed behind an unchanged mtime and size; b.md is a false positive.
	writeFile(t, root, "a.md", "AAAA", old)
	git.modified = []string{"a.md", "b.md", "missing.md"}

	cs, err = d.GetChangedFilePaths(ctx, root, Options{IncludeGit: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, cs.Changed)

	// Without git the same situation is invisible.
	writeFile(t, root, "a.md", "aAaA", old)
	cs, err = d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.Empty(t, cs.Changed)
}

func TestGitFailureIsNotAnError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "x", time.Time{})

	d := newTestDetector(t, &fakeGit{err: errors.New("not a git repository")})
	cs, err := d.GetChangedFilePaths(context.Background(), root, Options{IncludeGit: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, cs.Changed)
}

func TestScanWithoutCommitRepeats(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "x", time.Time{})

	d := newTestDetector(t, nil)
	ctx := context.Background()

	first, err := d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	second, err := d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.Changed, second.Changed)
	assert.True(t, second.FirstRun)
}

func TestTrackHidesOwnWrites(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "- [ ] task", old)

	d := newTestDetector(t, nil)
	ctx := context.Background()

	cs, err := d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	writeFile(t, root, "a.md", "- [ ] task ^t-0123456789ab", time.Time{})
	require.NoError(t, cs.Track("a.md"))
	require.NoError(t, cs.Commit(ctx))

	cs, err = d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.Empty(t, cs.Changed)
}

func TestForgetReportsFileAgain(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "- [ ] one", old)
	writeFile(t, root, "b.md", "- [ ] two", old)

	d := newTestDetector(t, nil)
	ctx := context.Background()

	cs, err := d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	cs.Forget("a.md")
	cs.Forget("missing.md")
	require.NoError(t, cs.Commit(ctx))

	cs, err = d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	assert.False(t, cs.FirstRun)
	assert.Equal(t, []string{"a.md"}, cs.Changed)
	assert.NotContains(t, cs.Baseline().Files, "missing.md")
	require.NoError(t, cs.Commit(ctx))

	require.NoError(t, os.Remove(filepath.Join(root, "b.md")))
	cs, err = d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	cs.Forget("a.md")
	require.NoError(t, cs.Commit(ctx))
	require.NoError(t, os.Remove(filepath.Join(root, "a.md")))

	cs, err = d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	assert.Empty(t, cs.Changed)
	assert.Equal(t, []string{"a.md"}, cs.Deleted)
}

func TestCorruptBaselineMeansFirstRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "x", time.Time{})

	d := newTestDetector(t, nil)
	ctx := context.Background()
	_, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)

	abs, err := filepath.Abs(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(BaselinePath(d.stateDir, abs), []byte("{not json"), 0o644))

	cs, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	assert.True(t, cs.FirstRun)
	assert.Equal(t, []string{"a.md"}, cs.Changed)
}

func TestBaselineDeterminism(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, root, "a.md", "alpha", old)
	writeFile(t, root, "x/y/z.md", "zeta", old)

	d := newTestDetector(t, nil)
	ctx := context.Background()
	first, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	second, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Baseline().Files, second.Baseline().Files)

	abs, err := filepath.Abs(root)
	require.NoError(t, err)
	b, err := LoadBaseline(BaselinePath(d.stateDir, abs), abs)
	require.NoError(t, err)
	assert.Equal(t, second.Baseline().Files, b.Files)
}

func TestTodayOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.md", "x", time.Now().AddDate(0, 0, -3))
	writeFile(t, root, "fresh.md", "y", time.Time{})

	d := newTestDetector(t, nil)
	cs, err := d.GetChangedFilePaths(context.Background(), root, Options{TodayOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh.md"}, cs.Changed)
	assert.Len(t, cs.Files, 2)
}

func TestResetForgetsBaseline(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "x", time.Time{})

	d := newTestDetector(t, nil)
	ctx := context.Background()
	_, err := d.GetChangedFilePaths(ctx, root, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Reset(root))

	cs, err := d.Scan(ctx, root, Options{})
	require.NoError(t, err)
	assert.True(t, cs.FirstRun)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher(nil, DefaultExclude)
	require.NoError(t, err)

	assert.True(t, m.Match("a.md"))
	assert.True(t, m.Match("deep/nested/b.md"))
	assert.False(t, m.Match("a.txt"))
	assert.False(t, m.Match(".git/HEAD.md"))
	assert.True(t, m.SkipDir(".obsidian"))
	assert.True(t, m.SkipDir(".trash"))
	assert.False(t, m.SkipDir("notes"))

	_, err = NewMatcher([]string{"[unclosed"}, nil)
	assert.Error(t, err)
}
