package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingEntryID is returned when an adapter emits an entry without an id.
var ErrMissingEntryID = errors.New("entry has no id")

// Entry is the canonical unit exchanged between an adapter and the store.
// Exactly one typed payload is set, chosen by the source's declared entry type.
// Raw keeps the adapter's document so unknown fields survive the round trip.
type Entry struct {
	ID      string
	Type    EntryType
	File    string
	Task    *TaskPayload
	Issue   *IssuePayload
	TimeLog *TimeLogPayload
	Metric  *HealthMetricPayload
	Context string
	Raw     json.RawMessage
}

// TaskPayload carries the fields of a tasks entry.
type TaskPayload struct {
	Title      string   `json:"title"`
	Status     string   `json:"status,omitempty"`
	Stage      Stage    `json:"stage,omitempty"`
	Priority   Priority `json:"priority,omitempty"`
	Due        string   `json:"due,omitempty"`
	Scheduled  string   `json:"scheduled,omitempty"`
	Created    string   `json:"created,omitempty"`
	Completed  string   `json:"completed,omitempty"`
	Recurrence string   `json:"recurrence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Project    string   `json:"project,omitempty"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	LineHash   string   `json:"line_hash,omitempty"`
}

// ResolvedStage prefers an explicit stage and falls back to the status.
func (p *TaskPayload) ResolvedStage() Stage {
	if st, ok := ParseStage(string(p.Stage)); ok {
		return st
	}
	return StageFromStatus(p.Status)
}

// IssuePayload carries the fields of an issues entry.
type IssuePayload struct {
	Title     string   `json:"title"`
	Status    string   `json:"status,omitempty"`
	URL       string   `json:"url,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// TimeLogPayload carries the fields of a time-logs entry.
type TimeLogPayload struct {
	Description string  `json:"description,omitempty"`
	Project     string  `json:"project,omitempty"`
	Start       string  `json:"start,omitempty"`
	End         string  `json:"end,omitempty"`
	Minutes     float64 `json:"duration_minutes,omitempty"`
}

// HealthMetricPayload carries the fields of a health-metrics entry.
type HealthMetricPayload struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	Date   string  `json:"date,omitempty"`
}

// DecodeEntry validates one adapter entry against the declared entry type.
func DecodeEntry(raw json.RawMessage, typ EntryType) (Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Entry{}, fmt.Errorf("entry is not an object: %w", err)
	}

	id, err := decodeID(fields["id"])
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID:   id,
		Type: typ,
		Raw:  append(json.RawMessage(nil), bytes.TrimSpace(raw)...),
	}
	for _, key := range []string{"file", "file_path", "path"} {
		if s := decodeString(fields[key]); s != "" {
			e.File = s
			break
		}
	}

	switch typ {
	case EntryTypeTasks:
		var p TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Entry{}, fmt.Errorf("entry %s: decode task: %w", id, err)
		}
		if p.File != "" {
			e.File = p.File
		}
		e.Task = &p
	case EntryTypeIssues:
		var p IssuePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Entry{}, fmt.Errorf("entry %s: decode issue: %w", id, err)
		}
		e.Issue = &p
	case EntryTypeTimeLogs:
		var p TimeLogPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Entry{}, fmt.Errorf("entry %s: decode time log: %w", id, err)
		}
		e.TimeLog = &p
	case EntryTypeHealthMetrics:
		var p HealthMetricPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Entry{}, fmt.Errorf("entry %s: decode health metric: %w", id, err)
		}
		e.Metric = &p
	case EntryTypeContext:
		e.Context = decodeString(fields["context"])
	}

	if e.File == "" {
		e.File = FileFromID(id)
	}
	return e, nil
}

// FileFromID extracts the path of a "relative/path.md:12" style identifier.
func FileFromID(id string) string {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return ""
	}
	if _, err := strconv.Atoi(id[idx+1:]); err != nil {
		return ""
	}
	return id[:idx]
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrMissingEntryID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", ErrMissingEntryID
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("entry id must be a string or number: %s", string(raw))
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
