// Package git locates the build producer's checkout and identifies the
// revision a run was built from.
package git

import (
	"os/exec"
	"strings"
)

// FindRoot returns the git repository root for the given directory,
// or an empty string if the directory is not inside a git repository.
func FindRoot(dir string) string {
	return run(dir, "rev-parse", "--show-toplevel")
}

// ProducerDir returns the directory the build producer runs in: the
// repository root containing dir, or dir itself outside a repository.
func ProducerDir(dir string) string {
	if root := FindRoot(dir); root != "" {
		return root
	}
	return dir
}

// Describe returns a short revision name for the checkout at dir, with a
// "-dirty" suffix for uncommitted changes. Empty outside a repository or
// before the first commit.
func Describe(dir string) string {
	return run(dir, "describe", "--always", "--dirty")
}

func run(dir string, args ...string) string {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
