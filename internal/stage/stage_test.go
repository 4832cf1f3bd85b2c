package stage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/je4os/harness/internal/instrument"
)

func testDescriptor(t *testing.T) instrument.Descriptor {
	t.Helper()
	dir := t.TempDir()

	boot := filepath.Join(dir, "bootloader.efi")
	kernel := filepath.Join(dir, "kernel")
	require.NoError(t, os.WriteFile(boot, []byte("MZ boot stage image"), 0644))
	require.NoError(t, os.WriteFile(kernel, []byte("\x7fELF kernel image"), 0755))

	return instrument.Descriptor{
		BootStage:   boot,
		Kernel:      kernel,
		StagingRoot: filepath.Join(dir, "mnt"),
	}
}

func TestStageLayout(t *testing.T) {
	desc := testDescriptor(t)

	img, err := (&Stager{}).Stage(desc)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(desc.StagingRoot, "EFI", "BOOT", "BOOTX64.EFI"), img.BootEntry)
	assert.Equal(t, filepath.Join(desc.StagingRoot, "kernel.elf"), img.Kernel)

	boot, err := os.ReadFile(img.BootEntry)
	require.NoError(t, err)
	assert.Equal(t, "MZ boot stage image", string(boot))

	kernel, err := os.ReadFile(img.Kernel)
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF kernel image", string(kernel))

	entries, err := Manifest(desc.StagingRoot)
	require.NoError(t, err)
	assert.Equal(t, []FileEntry{
		{Path: "EFI", IsDir: true},
		{Path: "EFI/BOOT", IsDir: true},
		{Path: "EFI/BOOT/BOOTX64.EFI", Size: int64(len(boot))},
		{Path: "kernel.elf", Size: int64(len(kernel))},
	}, entries)
}

func TestStageIsIdempotent(t *testing.T) {
	desc := testDescriptor(t)
	stager := &Stager{}

	first, err := stager.Stage(desc)
	require.NoError(t, err)
	firstManifest, err := Manifest(desc.StagingRoot)
	require.NoError(t, err)

	// Leftovers from a previous run must not survive the next staging.
	stale := filepath.Join(desc.StagingRoot, "EFI", "BOOT", "stale.efi")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(first.Kernel, []byte("corrupted"), 0644))

	second, err := stager.Stage(desc)
	require.NoError(t, err)
	secondManifest, err := Manifest(desc.StagingRoot)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, firstManifest, secondManifest)
	assert.NoFileExists(t, stale)
}

func TestStageDigestTracksContent(t *testing.T) {
	desc := testDescriptor(t)

	first, err := (&Stager{}).Stage(desc)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(desc.Kernel, []byte("\x7fELF rebuilt kernel"), 0644))
	second, err := (&Stager{}).Stage(desc)
	require.NoError(t, err)

	assert.NotEqual(t, first.Digest, second.Digest)
	assert.NoError(t, second.Digest.Validate())
}

func TestStageMissingSource(t *testing.T) {
	desc := testDescriptor(t)
	desc.Kernel = filepath.Join(filepath.Dir(desc.Kernel), "missing")

	_, err := (&Stager{}).Stage(desc)
	require.Error(t, err)

	var stagingErr *StagingError
	require.True(t, errors.As(err, &stagingErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStageRefusesDangerousRoots(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)

	for _, root := range []string{"", string(filepath.Separator), home, wd} {
		t.Run(root, func(t *testing.T) {
			desc := testDescriptor(t)
			desc.StagingRoot = root

			_, err := (&Stager{}).Stage(desc)
			var stagingErr *StagingError
			require.True(t, errors.As(err, &stagingErr), "root %q was accepted", root)
			assert.Equal(t, "check", stagingErr.Op)
		})
	}
}

func TestStageWithProgress(t *testing.T) {
	desc := testDescriptor(t)
	// the bar only renders once a copy makes visible progress
	kernel := append([]byte("\x7fELF"), bytes.Repeat([]byte{0}, 8<<20)...)
	require.NoError(t, os.WriteFile(desc.Kernel, kernel, 0755))
	var progress bytes.Buffer

	img, err := (&Stager{Progress: &progress}).Stage(desc)
	require.NoError(t, err)
	assert.Contains(t, progress.String(), "staging kernel")

	info, err := os.Stat(img.Kernel)
	require.NoError(t, err)
	assert.Equal(t, int64(len(kernel)), info.Size())
}

func TestTeardown(t *testing.T) {
	desc := testDescriptor(t)

	img, err := (&Stager{}).Stage(desc)
	require.NoError(t, err)

	require.NoError(t, Teardown(img))
	assert.NoDirExists(t, desc.StagingRoot)
	assert.NoError(t, Teardown(nil))
}
