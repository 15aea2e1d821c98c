package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const baselineVersion = 1

// lockRetry is how often a blocked baseline lock is retried.
const lockRetry = 50 * time.Millisecond

// FileState is what the baseline remembers about one file.
type FileState struct {
	Fingerprint string `json:"fingerprint"`
	MtimeMs     int64  `json:"mtimeMs"`
	Size        int64  `json:"size"`
}

// Baseline is the persisted snapshot of a watched directory.
type Baseline struct {
	Version   int                  `json:"version"`
	Root      string               `json:"root"`
	ScannedAt time.Time            `json:"scanned_at"`
	GitHead   string               `json:"git_head,omitempty"`
	Files     map[string]FileState `json:"files"`
}

// BaselinePath returns where the baseline for root lives under stateDir.
func BaselinePath(stateDir, root string) string {
	sum := sha256.Sum256([]byte(root))
	return filepath.Join(stateDir, "baselines", hex.EncodeToString(sum[:])[:16]+".json")
}

// LoadBaseline reads a baseline. A missing file returns (nil, nil); a corrupt
// or foreign one returns (nil, err) and callers treat it as no baseline.
func LoadBaseline(path, root string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	if b.Version != baselineVersion {
		return nil, fmt.Errorf("baseline version %d not supported", b.Version)
	}
	if b.Root != root {
		return nil, fmt.Errorf("baseline belongs to %s", b.Root)
	}
	if b.Files == nil {
		b.Files = make(map[string]FileState)
	}
	return &b, nil
}

// Save replaces the baseline file atomically while holding its lock.
func (b *Baseline) Save(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire baseline lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("baseline %s is locked", path)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(string(data)+"\n")); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA-256 of a file's content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func stateOf(path string, info fs.FileInfo) (FileState, error) {
	fp, err := Fingerprint(path)
	if err != nil {
		return FileState{}, err
	}
	return FileState{Fingerprint: fp, MtimeMs: info.ModTime().UnixMilli(), Size: info.Size()}, nil
}
