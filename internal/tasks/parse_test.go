package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/vaultsync/internal/models"
)

func TestParseLine(t *testing.T) {
	l, ok := ParseLine("  - [ ] Call mom ⏫ #project/family #phone #stage/next 🔁 every week ➕ 2025-01-01 ⏳ 2025-01-05 📅 2025-01-06 ref::x ^t-abcdefabcdef")
	require.True(t, ok)

	assert.Equal(t, "  - ", l.Prefix)
	assert.Equal(t, "Call mom ref::x", l.Title)
	assert.Equal(t, models.PriorityHigh, l.Priority)
	assert.Equal(t, "family", l.Project)
	assert.Equal(t, []string{"phone"}, l.Tags)
	assert.Equal(t, models.StageNext, l.Stage())
	assert.Equal(t, "every week", l.Recurrence)
	assert.Equal(t, "2025-01-01", l.Created)
	assert.Equal(t, "2025-01-05", l.Scheduled)
	assert.Equal(t, "2025-01-06", l.Due)
	assert.Equal(t, "t-abcdefabcdef", l.ID)

	again, ok := ParseLine(l.Format())
	require.True(t, ok)
	assert.Equal(t, l, again)
}

func TestParseLineLeavesUnknownTokens(t *testing.T) {
	l, ok := ParseLine("- [ ] Read 📅 someday #stage/later about #go")
	require.True(t, ok)
	assert.Equal(t, "Read 📅 someday #stage/later about", l.Title)
	assert.Equal(t, "", l.Due)
	assert.Equal(t, models.StageInbox, l.Stage())
	assert.Equal(t, []string{"go"}, l.Tags)
}

func TestParseLineRejects(t *testing.T) {
	for _, text := range []string{
		"plain text",
		"- [ ]",
		"- [?] odd box",
		"# heading",
		"-[ ] no space",
	} {
		_, ok := ParseLine(text)
		assert.False(t, ok, text)
	}
}

func TestIdentityMustBeLast(t *testing.T) {
	l, ok := ParseLine("- [ ] Ship ^t-abcdefabcdef later")
	require.True(t, ok)
	assert.Empty(t, l.ID)
	assert.Equal(t, "Ship ^t-abcdefabcdef later", l.Title)
}

func TestStageFromCheckbox(t *testing.T) {
	tests := []struct {
		text string
		want models.Stage
	}{
		{"- [ ] a", models.StageInbox},
		{"- [ ] a #stage/waiting", models.StageWaiting},
		{"- [x] a", models.StageDone},
		{"- [X] a", models.StageDone},
		{"- [x] a #stage/archived", models.StageArchived},
		{"- [/] a", models.StageActive},
		{"- [-] a", models.StageArchived},
		{"* [ ] a", models.StageInbox},
	}
	for _, tt := range tests {
		l, ok := ParseLine(tt.text)
		require.True(t, ok, tt.text)
		assert.Equal(t, tt.want, l.Stage(), tt.text)
	}
}

func TestSetStage(t *testing.T) {
	l, _ := ParseLine("- [ ] Pay rent #stage/next ^t-000000000001")

	l.SetStage(models.StageDone, "2025-01-06")
	assert.Equal(t, "- [x] Pay rent ✅ 2025-01-06 ^t-000000000001", l.Format())

	l.SetStage(models.StageWaiting, "2025-01-07")
	assert.Equal(t, "- [ ] Pay rent #stage/waiting ^t-000000000001", l.Format())

	l.SetStage(models.StageActive, "2025-01-07")
	assert.Equal(t, "- [/] Pay rent ^t-000000000001", l.Format())
}

func TestPayloadStatus(t *testing.T) {
	l, _ := ParseLine("- [x] Done thing ✅ 2025-01-02")
	p := l.Payload()
	assert.Equal(t, "done", p.Status)
	assert.Equal(t, models.StageDone, p.Stage)
	assert.Equal(t, "2025-01-02", p.Completed)

	l, _ = ParseLine("- [ ] Open thing 🔽")
	p = l.Payload()
	assert.Equal(t, "open", p.Status)
	assert.Equal(t, models.PriorityLow, p.Priority)
}

func TestWithID(t *testing.T) {
	assert.Equal(t, "- [ ] a ^t-000000000002", withID("- [ ] a  ", "", "t-000000000002"))
	assert.Equal(t, "- [ ] a ^t-000000000003", withID("- [ ] a ^t-000000000002", "t-000000000002", "t-000000000003"))
}

func TestLineHashIgnoresSurroundingSpace(t *testing.T) {
	assert.Equal(t, LineHash("- [ ] a"), LineHash("- [ ] a  "))
	assert.NotEqual(t, LineHash("- [ ] a"), LineHash("- [x] a"))
	assert.Len(t, LineHash("x"), 16)
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Regexp(t, `^t-[0-9a-f]{12}$`, id)
	assert.NotEqual(t, id, NewID())
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in   string
		want Rule
	}{
		{"every day", Rule{1, Day}},
		{"every week", Rule{1, Week}},
		{"Every 2 Weeks", Rule{2, Week}},
		{"every 3 months when done", Rule{3, Month}},
		{"yearly", Rule{1, Year}},
		{"every weekday", Rule{1, Weekday}},
	}
	for _, tt := range tests {
		got, err := ParseRule(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "sometimes", "every 0 days", "every -1 weeks", "every 2 weekdays"} {
		_, err := ParseRule(bad)
		assert.ErrorIs(t, err, ErrBadRule, bad)
	}
}

func TestRuleNext(t *testing.T) {
	day := func(s string) time.Time {
		d, err := time.Parse(models.DateLayout, s)
		require.NoError(t, err)
		return d
	}
	tests := []struct {
		rule Rule
		from string
		want string
	}{
		{Rule{1, Week}, "2025-01-06", "2025-01-13"},
		{Rule{1, Day}, "2025-12-31", "2026-01-01"},
		{Rule{1, Month}, "2025-01-31", "2025-02-28"},
		{Rule{1, Month}, "2024-01-31", "2024-02-29"},
		{Rule{1, Year}, "2024-02-29", "2025-02-28"},
		{Rule{2, Week}, "2025-01-06", "2025-01-20"},
		{Rule{1, Weekday}, "2025-01-10", "2025-01-13"},
		{Rule{1, Weekday}, "2025-01-07", "2025-01-08"},
	}
	for _, tt := range tests {
		got := tt.rule.Next(day(tt.from)).Format(models.DateLayout)
		assert.Equal(t, tt.want, got, "%s from %s", tt.rule, tt.from)
	}
}

func TestRenderToday(t *testing.T) {
	out := string(RenderToday([]models.Task{
		{Title: "Buy milk", Stage: models.StageInbox, Due: "2025-01-06", Priority: models.PriorityHigh, File: "a.md"},
		{Title: "Old", Stage: models.StageDone, Due: "2025-01-06"},
		{Title: "Later", Stage: models.StageNext, Due: "2025-01-07"},
	}, "2025-01-06"))

	assert.Contains(t, out, "# Due today (2025-01-06)")
	assert.Contains(t, out, "- ⏫ Buy milk [[a.md]]\n")
	assert.NotContains(t, out, "Old")
	assert.NotContains(t, out, "Later")
	assert.NotContains(t, out, "[ ]")

	empty := string(RenderToday(nil, "2025-01-06"))
	assert.Contains(t, empty, "Nothing due today.")
}
