// Package workspace implements the Repo Workspace Manager (§4.7): per-task
// isolated clones of the target repository, reusing a template clone via
// git worktree where possible, with a background reaper for disk pressure.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/taskflowhq/orchestrator/internal/logging"
)

// ErrCloneFailed, ErrAuthFailed, ErrDiskFull are the typed failures §4.7
// names.
var (
	ErrCloneFailed = errors.New("workspace: clone failed")
	ErrAuthFailed  = errors.New("workspace: authentication failed")
	ErrDiskFull    = errors.New("workspace: disk full")
)

// Manager is the Repo Workspace Manager.
type Manager struct {
	root       string
	log        logging.Logger
	locks      sync.Map // "installation/repo" -> *sync.Mutex
	reaperTick time.Duration
	maxAge     time.Duration
	stopReaper chan struct{}
}

// New constructs a Manager rooted at root. maxAge is the reaper's
// deletion threshold (2 * task-deadline-seconds, per the design notes).
func New(root string, maxAge time.Duration, log logging.Logger) *Manager {
	return &Manager{
		root:       root,
		log:        log,
		reaperTick: 10 * time.Minute,
		maxAge:     maxAge,
		stopReaper: make(chan struct{}),
	}
}

func (m *Manager) repoLock(installationID, repo string) *sync.Mutex {
	key := installationID + "/" + repo
	actual, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// AcquireOptions parameterize a clone.
type AcquireOptions struct {
	InstallationID string
	Repo           string // "owner/repo"
	TargetRef      string
	CloneURL       string
	AccessToken    string
	TaskID         string
}

// Acquire clones into <root>/<installation>/<repo>/<task-id>, reusing a
// template clone via `git worktree add` when one already exists for this
// (installation, repo), and falling back to a fresh shallow clone
// otherwise. Concurrent calls for the same (installation, repo) serialize
// on a per-repo lock so only one full clone ever happens.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (string, error) {
	lock := m.repoLock(opts.InstallationID, opts.Repo)
	lock.Lock()
	defer lock.Unlock()

	taskDir := filepath.Join(m.root, opts.InstallationID, opts.Repo, opts.TaskID)
	templateDir := filepath.Join(m.root, opts.InstallationID, opts.Repo, "_template")

	if err := os.MkdirAll(filepath.Dir(taskDir), 0o755); err != nil {
		return "", errors.Wrap(ErrDiskFull, err.Error())
	}

	if _, err := os.Stat(templateDir); err == nil {
		if err := m.worktreeAdd(ctx, templateDir, taskDir, opts); err == nil {
			return taskDir, nil
		}
		m.log.LogWarn("worktree reuse failed, falling back to fresh clone",
			"installation_id", opts.InstallationID, "repo", opts.Repo)
	}

	if err := m.shallowClone(ctx, taskDir, opts); err != nil {
		return "", err
	}

	if _, err := os.Stat(templateDir); os.IsNotExist(err) {
		m.seedTemplate(ctx, taskDir, templateDir, opts)
	}

	return taskDir, nil
}

// shallowClone runs `git clone --depth 1 [--branch <ref>]` via an askpass
// helper script so the access token never appears in argv or a long-lived
// environment variable, mirroring the teacher pack's AskPassEnv idiom. An
// empty TargetRef omits --branch entirely and clones the remote's default
// branch, rather than passing git a literal empty string.
func (m *Manager) shallowClone(ctx context.Context, dest string, opts AcquireOptions) error {
	askpassEnv, cleanup, err := askPassEnv(opts.AccessToken)
	if err != nil {
		return errors.Wrap(ErrCloneFailed, err.Error())
	}
	defer cleanup()

	args := []string{"clone", "--depth", "1"}
	if opts.TargetRef != "" {
		args = append(args, "--branch", opts.TargetRef)
	}
	args = append(args, opts.CloneURL, dest)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), askpassEnv...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if isAuthFailure(stderr.String()) {
			return ErrAuthFailed
		}
		m.log.LogError("git clone failed", "repo", opts.Repo, "stderr", stderr.String())
		return errors.Wrap(ErrCloneFailed, err.Error())
	}
	return nil
}

// worktreeAdd reuses the per-repo template clone: `git worktree add` is
// far cheaper than a fresh network clone when the template is already
// checked out at a compatible ref. An empty TargetRef checks out the
// template's current HEAD detached.
func (m *Manager) worktreeAdd(ctx context.Context, templateDir, dest string, opts AcquireOptions) error {
	args := []string{"-C", templateDir, "worktree", "add", "--detach", dest}
	if opts.TargetRef != "" {
		args = append(args, opts.TargetRef)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(ErrCloneFailed, stderr.String())
	}
	return nil
}

// seedTemplate makes a fresh shallow clone of opts.CloneURL into
// templateDir so later tasks against the same repo can reuse it via
// worktree; the task workspace passed as source is not copied.
func (m *Manager) seedTemplate(ctx context.Context, source, templateDir string, opts AcquireOptions) {
	if err := os.MkdirAll(filepath.Dir(templateDir), 0o755); err != nil {
		return
	}
	args := []string{"clone", "--depth", "1"}
	if opts.TargetRef != "" {
		args = append(args, "--branch", opts.TargetRef)
	}
	args = append(args, opts.CloneURL, templateDir)
	cmd := exec.CommandContext(ctx, "git", args...)
	askpassEnv, cleanup, err := askPassEnv(opts.AccessToken)
	if err != nil {
		return
	}
	defer cleanup()
	cmd.Env = append(os.Environ(), askpassEnv...)
	if err := cmd.Run(); err != nil {
		m.log.LogWarn("failed to seed template clone", "repo", opts.Repo, "error", err)
	}
}

// Release deletes the task workspace at path; the Worker Loop calls it once
// the task has finished.
func (m *Manager) Release(path string) error {
	return os.RemoveAll(path)
}

// StartReaper launches the background ticker that deletes per-task
// workspace directories older than maxAge, guarding against disk
// pressure from abandoned or crashed workers.
func (m *Manager) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(m.reaperTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopReaper:
				return
			case <-ticker.C:
				m.reapOnce()
			}
		}
	}()
}

// StopReaper halts the reaper goroutine.
func (m *Manager) StopReaper() {
	close(m.stopReaper)
}

// reapOnce walks <root>/<installation>/<repo>/<task-id> (the exact depth
// Acquire creates) and removes task workspaces older than maxAge. The
// "_template" directory at that same depth is never reaped.
func (m *Manager) reapOnce() {
	cutoff := time.Now().Add(-m.maxAge)

	taskDirs, err := filepath.Glob(filepath.Join(m.root, "*", "*", "*", "*"))
	if err != nil {
		m.log.LogWarn("reaper glob failed", "error", err)
		return
	}

	for _, dir := range taskDirs {
		if filepath.Base(dir) == "_template" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				m.log.LogWarn("reaper failed to remove stale workspace", "path", dir, "error", err)
			} else {
				m.log.LogInfo("reaper removed stale workspace", "path", dir)
			}
		}
	}
}

func isAuthFailure(stderr string) bool {
	return strings.Contains(stderr, "Authentication failed") ||
		strings.Contains(stderr, "could not read Username") ||
		strings.Contains(stderr, "access denied") ||
		strings.Contains(stderr, "403")
}

// askPassEnv writes a one-shot git-askpass helper script to a per-call
// temp file carrying the access token, returning the environment
// variables that make git invoke it instead of prompting — the token
// never appears in argv or a long-lived process environment variable.
// cleanup removes the script; callers must defer it.
func askPassEnv(token string) ([]string, func(), error) {
	if token == "" {
		return nil, func() {}, nil
	}

	f, err := os.CreateTemp("", "askpass-*.sh")
	if err != nil {
		return nil, nil, err
	}
	script := fmt.Sprintf("#!/bin/sh\necho %q\n", token)
	if _, err := f.WriteString(script); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, nil, err
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		_ = os.Remove(f.Name())
		return nil, nil, err
	}

	cleanup := func() { _ = os.Remove(f.Name()) }
	return []string{"GIT_ASKPASS=" + f.Name(), "GIT_TERMINAL_PROMPT=0"}, cleanup, nil
}
