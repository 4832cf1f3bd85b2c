package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peImage  = append([]byte("MZ"), make([]byte, 62)...)
	elfImage = append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 60)...)
)

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("producer scripts need /bin/sh")
	}
}

func TestResolveExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	boot := writeFile(t, filepath.Join(dir, "boot.efi"), peImage)
	kernel := writeFile(t, filepath.Join(dir, "kernel"), elfImage)

	r := NewResolver(Producer{})
	paths, err := r.Resolve(context.Background(), Request{BootStage: boot, Kernel: kernel})
	require.NoError(t, err)
	assert.Equal(t, Paths{BootStage: boot, Kernel: kernel}, paths)
}

func TestResolveRejectsBadArtifacts(t *testing.T) {
	dir := t.TempDir()
	boot := writeFile(t, filepath.Join(dir, "boot.efi"), peImage)
	kernel := writeFile(t, filepath.Join(dir, "kernel"), elfImage)
	garbage := writeFile(t, filepath.Join(dir, "garbage"), []byte("not a binary"))
	short := writeFile(t, filepath.Join(dir, "short"), []byte{0x7F})

	tests := []struct {
		name string
		req  Request
	}{
		{name: "nothing given", req: Request{}},
		{name: "missing kernel", req: Request{BootStage: boot, Kernel: filepath.Join(dir, "nope")}},
		{name: "kernel is a directory", req: Request{BootStage: boot, Kernel: dir}},
		{name: "boot stage not PE", req: Request{BootStage: garbage, Kernel: kernel}},
		{name: "kernel not ELF", req: Request{BootStage: boot, Kernel: garbage}},
		{name: "truncated kernel", req: Request{BootStage: boot, Kernel: short}},
	}

	r := NewResolver(Producer{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.req)
			var buildErr *BuildError
			require.True(t, errors.As(err, &buildErr), "got %v", err)
		})
	}
}

func TestBuildForwardsFeatureFlags(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()

	script := `#!/bin/sh
mkdir -p out
printf 'MZ-boot' > out/boot.efi
printf '\177ELF-kernel' > out/kernel
echo "$@" > out/args
echo "$HARNESS_FEATURE_FLAGS" > out/env
`
	writeFile(t, filepath.Join(dir, "build.sh"), []byte(script))

	r := NewResolver(Producer{
		Command:   []string{"sh", "build.sh", "--release"},
		Dir:       dir,
		BootStage: filepath.Join("out", "boot.efi"),
		Kernel:    filepath.Join("out", "kernel"),
	})

	paths, err := r.Resolve(context.Background(), Request{
		Build:        true,
		FeatureFlags: []string{"visualize-allocator", "pipeline"},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "boot.efi"), paths.BootStage)
	assert.Equal(t, filepath.Join(dir, "out", "kernel"), paths.Kernel)

	args, err := os.ReadFile(filepath.Join(dir, "out", "args"))
	require.NoError(t, err)
	assert.Equal(t, "--release --features=visualize-allocator --features=pipeline", strings.TrimSpace(string(args)))

	env, err := os.ReadFile(filepath.Join(dir, "out", "env"))
	require.NoError(t, err)
	assert.Equal(t, "visualize-allocator pipeline", strings.TrimSpace(string(env)))
}

func TestBuildFailureKeepsDiagnosticsVerbatim(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()

	diag := "error[E0425]: cannot find value `heap` in this scope\n  --> kernel/src/main.rs:12:5"
	script := "#!/bin/sh\ncat <<'EOF' >&2\n" + diag + "\nEOF\nexit 101\n"
	writeFile(t, filepath.Join(dir, "build.sh"), []byte(script))

	r := NewResolver(Producer{Command: []string{"sh", "build.sh"}, Dir: dir})
	_, err := r.Resolve(context.Background(), Request{Build: true})
	require.Error(t, err)

	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, diag+"\n", buildErr.Output)
	assert.Contains(t, buildErr.Error(), diag)
}

func TestBuildWithoutCommand(t *testing.T) {
	r := NewResolver(Producer{})
	_, err := r.Build(context.Background(), nil)
	var buildErr *BuildError
	assert.True(t, errors.As(err, &buildErr))
}

func TestOutputPath(t *testing.T) {
	p := Producer{Dir: "/src/je4os"}
	assert.Equal(t, "/src/je4os/target/kernel", p.outputPath("target/kernel"))
	assert.Equal(t, "/abs/kernel", p.outputPath("/abs/kernel"))
	assert.Equal(t, "", p.outputPath(""))
	assert.Equal(t, "target/kernel", Producer{}.outputPath("target/kernel"))
}
