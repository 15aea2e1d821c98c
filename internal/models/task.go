package models

import (
	"strings"
	"time"
)

// Stage is a task's position in its lifecycle.
type Stage string

const (
	StageInbox    Stage = "inbox"
	StageNext     Stage = "next"
	StageActive   Stage = "active"
	StageWaiting  Stage = "waiting"
	StageDone     Stage = "done"
	StageArchived Stage = "archived"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{StageInbox, StageNext, StageActive, StageWaiting, StageDone, StageArchived}

// ParseStage returns the stage named by s.
func ParseStage(s string) (Stage, bool) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Stages {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// Open reports whether the task still needs doing.
func (s Stage) Open() bool {
	return s != StageDone && s != StageArchived
}

// StageFromStatus maps a free-form adapter status onto a stage.
func StageFromStatus(status string) Stage {
	if st, ok := ParseStage(status); ok {
		return st
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "done", "completed", "complete", "closed", "resolved":
		return StageDone
	case "in-progress", "in_progress", "started", "doing":
		return StageActive
	case "blocked", "on-hold":
		return StageWaiting
	case "cancelled", "canceled", "dropped":
		return StageArchived
	default:
		return StageInbox
	}
}

// Priority is an ordered task priority. The empty value is "none".
type Priority string

const (
	PriorityLowest  Priority = "lowest"
	PriorityLow     Priority = "low"
	PriorityNone    Priority = ""
	PriorityMedium  Priority = "medium"
	PriorityHigh    Priority = "high"
	PriorityHighest Priority = "highest"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLowest:
		return 0
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 3
	case PriorityHigh:
		return 4
	case PriorityHighest:
		return 5
	default:
		return 2
	}
}

// ParsePriority accepts the priority names; unknown values map to none.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLowest, PriorityLow, PriorityMedium, PriorityHigh, PriorityHighest:
		return p
	}
	return PriorityNone
}

// DateLayout is the civil date format used by task tokens and the store.
const DateLayout = "2006-01-02"

// ParseDate parses a civil date as local midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.Local)
}

// CompletedTimestamp converts a completion date to an absolute time.
// Completion tokens carry no time of day, so they mean end of that local day.
func CompletedTimestamp(date string) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.Local), nil
}

// Task is the store-side view of a task entry.
type Task struct {
	Source      string     `json:"source"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Stage       Stage      `json:"stage"`
	Priority    Priority   `json:"priority,omitempty"`
	Due         string     `json:"due,omitempty"`
	Scheduled   string     `json:"scheduled,omitempty"`
	Created     string     `json:"created,omitempty"`
	Completed   string     `json:"completed,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Recurrence  string     `json:"recurrence,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Project     string     `json:"project,omitempty"`
	File        string     `json:"file,omitempty"`
	Line        int        `json:"line,omitempty"`
	Held        bool       `json:"held"`
	StageDirty  bool       `json:"stage_dirty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SyncRecord is where a task annotation currently sits in the markdown tree.
type SyncRecord struct {
	Source   string    `json:"source"`
	TaskID   string    `json:"task_id"`
	File     string    `json:"file"`
	Line     int       `json:"line"`
	LineHash string    `json:"line_hash"`
	SyncedAt time.Time `json:"synced_at"`
}
