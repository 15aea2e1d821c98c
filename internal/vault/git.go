package vault

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitRunner runs read-only git commands in a directory.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// allowedGit lists the subcommands the detector may run.
var allowedGit = map[string]bool{
	"ls-files":  true,
	"diff":      true,
	"rev-parse": true,
}

const gitTimeout = 10 * time.Second

// ExecGit runs the git binary.
type ExecGit struct{}

// Run executes an allowlisted git subcommand and returns its stdout.
func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if len(args) == 0 || !allowedGit[args[0]] {
		return "", fmt.Errorf("git subcommand not allowed: %v", args)
	}

	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// gitEvidence returns paths git considers modified or untracked, plus paths
// touched between oldHead and the current HEAD. An error means git is not
// usable here and callers carry on without it.
func gitEvidence(ctx context.Context, git GitRunner, dir, oldHead string) (paths []string, head string, err error) {
	out, err := git.Run(ctx, dir, "ls-files", "-m", "-o", "--exclude-standard")
	if err != nil {
		return nil, "", err
	}
	paths = splitLines(out)

	// A repository without commits has no HEAD yet.
	if out, err := git.Run(ctx, dir, "rev-parse", "HEAD"); err == nil {
		head = strings.TrimSpace(out)
	}

	if oldHead != "" && head != "" && oldHead != head {
		out, err = git.Run(ctx, dir, "diff", "--name-only", "--relative", oldHead, head)
		if err == nil {
			paths = append(paths, splitLines(out)...)
		}
	}
	return paths, head, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
