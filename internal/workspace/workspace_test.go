package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflowhq/orchestrator/internal/logging"
)

func TestRepoLockReturnsSameMutexForSameKey(t *testing.T) {
	m := New(t.TempDir(), time.Hour, logging.NewNop())
	a := m.repoLock("inst-1", "org/repo")
	b := m.repoLock("inst-1", "org/repo")
	assert.Same(t, a, b)

	c := m.repoLock("inst-1", "org/other-repo")
	assert.NotSame(t, a, c)
}

func TestAskPassEnvWritesExecutableScript(t *testing.T) {
	env, cleanup, err := askPassEnv("sekrit-token")
	require.NoError(t, err)
	defer cleanup()

	require.Len(t, env, 2)
	assert.Contains(t, env[0], "GIT_ASKPASS=")
	assert.Equal(t, "GIT_TERMINAL_PROMPT=0", env[1])

	path := env[0][len("GIT_ASKPASS="):]
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "script must be executable")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "sekrit-token")
}

func TestAskPassEnvNoOpWithoutToken(t *testing.T) {
	env, cleanup, err := askPassEnv("")
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, env)
}

func TestReapOnceRemovesOnlyStaleTaskDirectories(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "inst-1", "org/repo", "task-stale")
	fresh := filepath.Join(root, "inst-1", "org/repo", "task-fresh")
	template := filepath.Join(root, "inst-1", "org/repo", "_template")

	for _, dir := range []string{stale, fresh, template} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	m := New(root, time.Hour, logging.NewNop())
	m.reapOnce()

	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, template)
}

func TestIsAuthFailureDetectsKnownMessages(t *testing.T) {
	assert.True(t, isAuthFailure("fatal: Authentication failed for 'https://...'"))
	assert.True(t, isAuthFailure("remote: access denied"))
	assert.False(t, isAuthFailure("fatal: repository not found"))
}

func TestReleaseRemovesWorkspaceDirectory(t *testing.T) {
	root := t.TempDir()
	taskDir := filepath.Join(root, "task-1")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))

	m := New(root, time.Hour, logging.NewNop())
	require.NoError(t, m.Release(taskDir))
	assert.NoDirExists(t, taskDir)
}

// TestAcquireClonesDefaultBranchWhenTargetRefEmpty guards against passing
// git a literal empty --branch argument: a task whose source event carried
// no ref (e.g. a chat-triggered task with a repo context, or a code-forge
// payload that never set PullRequest.Head.Ref) must still produce a valid
// clone of the remote's default branch.
func TestAcquireClonesDefaultBranchWhenTargetRefEmpty(t *testing.T) {
	origin := newLocalGitRepo(t)

	m := New(t.TempDir(), time.Hour, logging.NewNop())
	dir, err := m.Acquire(context.Background(), AcquireOptions{
		InstallationID: "inst-1",
		Repo:           "org/repo",
		TaskID:         "task-1",
		CloneURL:       "file://" + origin,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "README.md"))
}

// TestAcquireClonesSpecificTargetRef exercises the --branch path when a
// task does carry an explicit ref (e.g. a pull request's head branch).
func TestAcquireClonesSpecificTargetRef(t *testing.T) {
	origin := newLocalGitRepo(t)
	runGit(t, origin, "checkout", "-q", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "feature.txt"), []byte("x"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-q", "-m", "feature commit")

	m := New(t.TempDir(), time.Hour, logging.NewNop())
	dir, err := m.Acquire(context.Background(), AcquireOptions{
		InstallationID: "inst-2",
		Repo:           "org/repo",
		TaskID:         "task-2",
		CloneURL:       "file://" + origin,
		TargetRef:      "feature",
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "feature.txt"))
}

func newLocalGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "init")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.CommandContext(context.Background(), "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}
