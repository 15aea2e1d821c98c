package tasks

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/fentz26/vaultsync/internal/models"
)

// RenderToday renders the "due today" view. It is a plain list: the view is
// output only and must not be picked up as tasks.
func RenderToday(tasks []models.Task, today string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Due today (%s)\n\n", today)

	n := 0
	for _, t := range tasks {
		if !t.Stage.Open() || t.Due != today {
			continue
		}
		n++
		b.WriteString("- ")
		if mark, ok := priorityMarks[t.Priority]; ok {
			b.WriteString(mark + " ")
		}
		b.WriteString(t.Title)
		if t.Project != "" {
			fmt.Fprintf(&b, " (%s)", t.Project)
		}
		if t.File != "" {
			fmt.Fprintf(&b, " [[%s]]", t.File)
		}
		b.WriteByte('\n')
	}
	if n == 0 {
		b.WriteString("Nothing due today.\n")
	}
	return b.Bytes()
}

// WriteView replaces the file at path with content.
func WriteView(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create view dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("write view %s: %w", path, err)
	}
	return nil
}
