// Package localexec runs source adapters as local subprocesses under the
// vaultsync adapter contract.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/vaultsync/internal/connectors"
)

// Environment variables handed to every adapter process.
const (
	EnvSource      = "VAULTSYNC_SOURCE"
	EnvConfig      = "VAULTSYNC_CONFIG"
	EnvProjectRoot = "VAULTSYNC_PROJECT_ROOT"
	EnvLastSync    = "VAULTSYNC_LAST_SYNC"
	EnvFileFilter  = "VAULTSYNC_FILE_FILTER"
)

// DefaultTimeout applies when a source does not set its own.
const DefaultTimeout = 60 * time.Second

// stderr beyond this is dropped from error messages.
const maxStderr = 4 << 10

// LocalExec implements connectors.Adapter and connectors.Writer for one source.
type LocalExec struct {
	read    []string
	write   []string
	workDir string
}

// New creates a new LocalExec connector. Either command may be empty.
func New(read, write []string, workDir string) *LocalExec {
	return &LocalExec{read: read, write: write, workDir: workDir}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks that a command names a program that can be started.
func (l *LocalExec) IsAllowed(command []string) bool {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return false
	}
	prog := command[0]
	if !strings.ContainsRune(prog, filepath.Separator) {
		_, err := exec.LookPath(prog)
		return err == nil
	}
	if !filepath.IsAbs(prog) && l.workDir != "" {
		prog = filepath.Join(l.workDir, prog)
	}
	info, err := os.Stat(prog)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Read runs the read command and parses its envelope.
func (l *LocalExec) Read(ctx context.Context, req connectors.Request) (*connectors.Response, error) {
	src := req.Source.ID()
	if !l.IsAllowed(l.read) {
		return nil, connectors.NewError(connectors.KindNotConfigured, src, fmt.Errorf("no runnable read command %q", l.read))
	}

	result, err := l.execute(ctx, req, l.read, nil)
	if err != nil {
		return nil, err
	}

	resp, err := ParseResponse(result.Stdout)
	if err != nil {
		return nil, connectors.NewError(connectors.KindBadOutput, src, err)
	}
	if resp.Error != "" {
		return nil, connectors.NewError(connectors.KindReportedError, src, errors.New(resp.Error))
	}
	return resp, nil
}

// Write feeds entries to the write command on stdin.
func (l *LocalExec) Write(ctx context.Context, req connectors.Request, entries []json.RawMessage) error {
	src := req.Source.ID()
	if !l.IsAllowed(l.write) {
		return connectors.NewError(connectors.KindNotConfigured, src, fmt.Errorf("no runnable write command %q", l.write))
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	payload, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}

	result, err := l.execute(ctx, req, l.write, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	// A write command may report a soft failure through the envelope.
	if out := strings.TrimSpace(result.Stdout); out != "" {
		if resp, perr := ParseResponse(out); perr == nil && resp.Error != "" {
			return connectors.NewError(connectors.KindReportedError, src, errors.New(resp.Error))
		}
	}
	return nil
}

func (l *LocalExec) execute(ctx context.Context, req connectors.Request, command []string, stdin io.Reader) (*connectors.ExecResult, error) {
	src := req.Source.ID()
	timeout := req.Source.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	env, err := Environ(req)
	if err != nil {
		return nil, connectors.NewError(connectors.KindNotConfigured, src, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	execCmd.Dir = l.workDir
	if execCmd.Dir == "" {
		execCmd.Dir = req.ProjectRoot
	}
	execCmd.Env = append(os.Environ(), env...)
	execCmd.Stdin = stdin
	execCmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err = execCmd.Run()

	result := &connectors.ExecResult{
		Command: command[0],
		Args:    command[1:],
		Stdout:  stdout.String(),
		Stderr:  tail(stderr.String(), maxStderr),
	}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return nil, connectors.NewError(connectors.KindCancelled, src, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, connectors.NewError(connectors.KindTimeout, src, fmt.Errorf("no result after %s", timeout))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return nil, connectors.NewError(connectors.KindNonZeroExit, src,
			fmt.Errorf("exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return nil, connectors.NewError(connectors.KindNotConfigured, src, err)
	}
	return nil, connectors.NewError(connectors.KindNonZeroExit, src, fmt.Errorf("exec error: %w", err))
}

// Environ returns the contract variables for a request.
func Environ(req connectors.Request) ([]string, error) {
	settings := req.Source.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	cfg, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("serialize settings: %w", err)
	}

	env := []string{
		EnvSource + "=" + req.Source.ID(),
		EnvConfig + "=" + string(cfg),
		EnvProjectRoot + "=" + req.ProjectRoot,
	}
	if req.LastSync != nil {
		env = append(env, EnvLastSync+"="+req.LastSync.UTC().Format(time.RFC3339))
	}
	if len(req.FileFilter) > 0 {
		env = append(env, EnvFileFilter+"="+strings.Join(req.FileFilter, ","))
	}
	return env, nil
}

// ParseResponse decodes the envelope from an adapter's stdout. The last
// non-empty line is tried first so adapters may print progress before it.
func ParseResponse(stdout string) (*connectors.Response, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, errors.New("adapter printed nothing")
	}

	candidates := []string{trimmed}
	if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
		candidates = []string{strings.TrimSpace(trimmed[idx+1:]), trimmed}
	}

	var lastErr error
	for _, doc := range candidates {
		resp, err := decodeEnvelope(doc)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func decodeEnvelope(doc string) (*connectors.Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &probe); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	_, hasEntries := probe["entries"]
	_, hasError := probe["error"]
	if !hasEntries && !hasError {
		return nil, errors.New("envelope has no entries field")
	}

	var resp connectors.Response
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &resp, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
