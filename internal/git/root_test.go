package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitCmd(t *testing.T, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Env = append(os.Environ(), "GIT_CONFIG_GLOBAL=/dev/null")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
}

// initGitRepo initializes a git repository in dir, setting minimal config
// to avoid pollution from the global git config.
func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	gitCmd(t, "init", dir)
	gitCmd(t, "-C", dir, "config", "user.email", "test@example.com")
	gitCmd(t, "-C", dir, "config", "user.name", "Test User")
}

func commit(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	gitCmd(t, "-C", dir, "add", name)
	gitCmd(t, "-C", dir, "commit", "-q", "-m", "add "+name)
}

func TestFindRoot(t *testing.T) {
	dir := t.TempDir()
	initGitRepo(t, dir)

	subdir := filepath.Join(dir, "kernel", "src")
	require.NoError(t, os.MkdirAll(subdir, 0o755))

	assert.Equal(t, dir, FindRoot(dir))
	assert.Equal(t, dir, FindRoot(subdir))
	assert.Equal(t, "", FindRoot(t.TempDir()))
}

func TestProducerDir(t *testing.T) {
	dir := t.TempDir()
	initGitRepo(t, dir)

	subdir := filepath.Join(dir, "bootloader")
	require.NoError(t, os.MkdirAll(subdir, 0o755))
	assert.Equal(t, dir, ProducerDir(subdir))

	plain := t.TempDir()
	assert.Equal(t, plain, ProducerDir(plain))
}

func TestDescribe(t *testing.T) {
	dir := t.TempDir()
	initGitRepo(t, dir)

	assert.Equal(t, "", Describe(dir), "no revision before the first commit")

	commit(t, dir, "Cargo.toml", "[workspace]\n")
	clean := Describe(dir)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{7,}$`), clean)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[workspace]\nmembers = []\n"), 0644))
	assert.Equal(t, clean+"-dirty", Describe(dir))

	assert.Equal(t, "", Describe(t.TempDir()))
}
