// Package tasks is the markdown task engine: it reads checkbox lines from a
// vault, gives each one a permanent identity, and writes store-side stage
// changes and recurring follow-ups back into the files.
package tasks

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/fentz26/vaultsync/internal/models"
)

// Inline token markers.
const (
	markDue        = "📅"
	markScheduled  = "⏳"
	markCreated    = "➕"
	markCompleted  = "✅"
	markRecurrence = "🔁"

	stagePrefix   = "#stage/"
	projectPrefix = "#project/"
)

var prioritySymbols = map[string]models.Priority{
	"🔺": models.PriorityHighest,
	"⏫": models.PriorityHigh,
	"🔼": models.PriorityMedium,
	"🔽": models.PriorityLow,
	"⏬": models.PriorityLowest,
}

var (
	checkboxRegex = regexp.MustCompile(`^(\s*[-*+]\s+)\[([ xX/-])\]\s+(\S.*?)\s*$`)
	idRegex       = regexp.MustCompile(`^\^(t-[0-9a-f]{12})$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	tagRegex      = regexp.MustCompile(`^#[\p{L}\p{N}_][\p{L}\p{N}_/-]*$`)
)

// Line is one decoded checkbox line.
type Line struct {
	// Prefix is the indentation and bullet before the checkbox.
	Prefix string
	Box    byte
	Title  string

	Priority   models.Priority
	StageToken models.Stage
	Project    string
	Tags       []string
	Due        string
	Scheduled  string
	Created    string
	Completed  string
	Recurrence string
	ID         string
}

// ParseLine decodes a checkbox line. Tokens it does not recognise stay in
// the title.
func ParseLine(text string) (*Line, bool) {
	m := checkboxRegex.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	l := &Line{Prefix: m[1], Box: m[2][0]}

	fields := strings.Fields(m[3])
	if n := len(fields); n > 0 {
		if id := idRegex.FindStringSubmatch(fields[n-1]); id != nil {
			l.ID = id[1]
			fields = fields[:n-1]
		}
	}

	var title []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if p, ok := prioritySymbols[f]; ok && l.Priority == models.PriorityNone {
			l.Priority = p
			continue
		}
		if date := dateTarget(l, f); date != nil {
			if i+1 < len(fields) && dateRegex.MatchString(fields[i+1]) && *date == "" {
				*date = fields[i+1]
				i++
				continue
			}
			title = append(title, f)
			continue
		}
		if f == markRecurrence {
			j := i + 1
			for j < len(fields) && !isToken(fields[j]) {
				j++
			}
			if j > i+1 && l.Recurrence == "" {
				l.Recurrence = strings.Join(fields[i+1:j], " ")
				i = j - 1
				continue
			}
			title = append(title, f)
			continue
		}
		if strings.HasPrefix(f, stagePrefix) {
			if st, ok := models.ParseStage(strings.TrimPrefix(f, stagePrefix)); ok {
				l.StageToken = st
				continue
			}
			title = append(title, f)
			continue
		}
		if strings.HasPrefix(f, projectPrefix) && len(f) > len(projectPrefix) {
			l.Project = strings.TrimPrefix(f, projectPrefix)
			continue
		}
		if tagRegex.MatchString(f) {
			l.Tags = appendUnique(l.Tags, strings.TrimPrefix(f, "#"))
			continue
		}
		title = append(title, f)
	}
	l.Title = strings.Join(title, " ")
	if l.Title == "" && l.ID == "" {
		return nil, false
	}
	return l, true
}

func dateTarget(l *Line, f string) *string {
	switch f {
	case markDue:
		return &l.Due
	case markScheduled:
		return &l.Scheduled
	case markCreated:
		return &l.Created
	case markCompleted:
		return &l.Completed
	}
	return nil
}

// isToken reports whether f starts another inline token, which ends a
// recurrence rule.
func isToken(f string) bool {
	switch f {
	case markDue, markScheduled, markCreated, markCompleted, markRecurrence:
		return true
	}
	if _, ok := prioritySymbols[f]; ok {
		return true
	}
	return strings.HasPrefix(f, "#") || idRegex.MatchString(f)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Stage derives the lifecycle stage from the checkbox and any stage token.
func (l *Line) Stage() models.Stage {
	switch l.Box {
	case 'x', 'X':
		if l.StageToken == models.StageArchived {
			return models.StageArchived
		}
		return models.StageDone
	case '-':
		return models.StageArchived
	case '/':
		return models.StageActive
	}
	if l.StageToken != "" {
		return l.StageToken
	}
	return models.StageInbox
}

// SetStage rewrites the checkbox and stage token to express st. Moving to
// done stamps the completion date when none is set.
func (l *Line) SetStage(st models.Stage, today string) {
	l.StageToken = ""
	switch st {
	case models.StageDone:
		l.Box = 'x'
		if l.Completed == "" {
			l.Completed = today
		}
		return
	case models.StageArchived:
		l.Box = '-'
	case models.StageActive:
		l.Box = '/'
	case models.StageNext, models.StageWaiting:
		l.Box = ' '
		l.StageToken = st
	default:
		l.Box = ' '
	}
	l.Completed = ""
}

// Payload converts the line into a task entry payload.
func (l *Line) Payload() models.TaskPayload {
	st := l.Stage()
	status := "open"
	if !st.Open() {
		status = string(st)
	}
	return models.TaskPayload{
		Title:      l.Title,
		Status:     status,
		Stage:      st,
		Priority:   l.Priority,
		Due:        l.Due,
		Scheduled:  l.Scheduled,
		Created:    l.Created,
		Completed:  l.Completed,
		Recurrence: l.Recurrence,
		Tags:       l.Tags,
		Project:    l.Project,
	}
}

// LineHash fingerprints a line's content for conflict detection.
func LineHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:8])
}
