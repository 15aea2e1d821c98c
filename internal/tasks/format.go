package tasks

import (
	"strings"

	"github.com/fentz26/vaultsync/internal/models"
)

var priorityMarks = map[models.Priority]string{
	models.PriorityHighest: "🔺",
	models.PriorityHigh:    "⏫",
	models.PriorityMedium:  "🔼",
	models.PriorityLow:     "🔽",
	models.PriorityLowest:  "⏬",
}

// Format renders the line with its tokens in canonical order and the
// identity last.
func (l *Line) Format() string {
	var b strings.Builder
	b.WriteString(l.Prefix)
	b.WriteByte('[')
	b.WriteByte(l.Box)
	b.WriteString("] ")
	b.WriteString(l.Title)

	add := func(parts ...string) {
		for _, p := range parts {
			b.WriteByte(' ')
			b.WriteString(p)
		}
	}
	if mark, ok := priorityMarks[l.Priority]; ok {
		add(mark)
	}
	if l.Project != "" {
		add(projectPrefix + l.Project)
	}
	for _, t := range l.Tags {
		add("#" + t)
	}
	if l.StageToken != "" {
		add(stagePrefix + string(l.StageToken))
	}
	if l.Recurrence != "" {
		add(markRecurrence, l.Recurrence)
	}
	if l.Created != "" {
		add(markCreated, l.Created)
	}
	if l.Scheduled != "" {
		add(markScheduled, l.Scheduled)
	}
	if l.Due != "" {
		add(markDue, l.Due)
	}
	if l.Completed != "" {
		add(markCompleted, l.Completed)
	}
	if l.ID != "" {
		add("^" + l.ID)
	}
	return b.String()
}

// withID appends an identity annotation to a line without touching the rest
// of it, or swaps an existing one.
func withID(text, oldID, id string) string {
	if oldID != "" {
		trimmed := strings.TrimRight(text, " \t")
		if strings.HasSuffix(trimmed, "^"+oldID) {
			return strings.TrimSuffix(trimmed, oldID) + id
		}
	}
	return strings.TrimRight(text, " \t") + " ^" + id
}
