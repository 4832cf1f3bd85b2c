// Package stage builds the bootable directory layout the monitor boots from.
//
// The staging root is always deleted and rebuilt; nothing from a previous
// run survives into the next one.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/opencontainers/go-digest"
	"github.com/schollz/progressbar/v3"

	"github.com/je4os/harness/internal/instrument"
)

// Fixed locations inside the staging root. Firmware looks for the boot
// entry at the removable-media path; the boot stage loads the kernel from
// its sibling.
var (
	BootEntryPath = filepath.Join("EFI", "BOOT", "BOOTX64.EFI")
	KernelPath    = "kernel.elf"
)

func debugLog(format string, args ...interface{}) {
	if os.Getenv("HARNESS_DEBUG") == "1" {
		fmt.Printf("[DEBUG:STAGE] "+format+"\n", args...)
	}
}

// StagingError reports a filesystem fault while staging. A half-written
// image is never booted, so it is always fatal.
type StagingError struct {
	Op   string
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging failed: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}

// StagedImage is the on-disk layout produced by Stage.
type StagedImage struct {
	Root      string
	BootEntry string
	Kernel    string
	Digest    digest.Digest
}

// Stager creates staged images.
type Stager struct {
	// Progress, when set, renders a progress bar per copied artifact.
	Progress io.Writer
}

// Stage wipes desc.StagingRoot and lays out the boot stage and kernel.
func (s *Stager) Stage(desc instrument.Descriptor) (*StagedImage, error) {
	root := desc.StagingRoot
	if err := checkRoot(root); err != nil {
		return nil, err
	}

	debugLog("Recreating staging root %s", root)
	if err := os.RemoveAll(root); err != nil {
		return nil, &StagingError{Op: "remove", Path: root, Err: err}
	}

	img := &StagedImage{
		Root:      root,
		BootEntry: filepath.Join(root, BootEntryPath),
		Kernel:    filepath.Join(root, KernelPath),
	}

	if err := os.MkdirAll(filepath.Dir(img.BootEntry), 0755); err != nil {
		return nil, &StagingError{Op: "mkdir", Path: filepath.Dir(img.BootEntry), Err: err}
	}

	if err := s.copyFile(desc.BootStage, img.BootEntry, "boot stage"); err != nil {
		return nil, err
	}
	if err := s.copyFile(desc.Kernel, img.Kernel, "kernel"); err != nil {
		return nil, err
	}

	d, err := Digest(root)
	if err != nil {
		return nil, &StagingError{Op: "digest", Path: root, Err: err}
	}
	img.Digest = d
	debugLog("Staged image %s (%s)", root, d)

	return img, nil
}

// Teardown removes a staged image from disk.
func Teardown(img *StagedImage) error {
	if img == nil {
		return nil
	}
	if err := checkRoot(img.Root); err != nil {
		return err
	}
	if err := os.RemoveAll(img.Root); err != nil {
		return &StagingError{Op: "remove", Path: img.Root, Err: err}
	}
	return nil
}

// checkRoot refuses roots whose recursive removal would be destructive.
func checkRoot(root string) error {
	if root == "" {
		return &StagingError{Op: "check", Path: root, Err: fmt.Errorf("staging root is empty")}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return &StagingError{Op: "check", Path: root, Err: err}
	}
	if abs == filepath.Dir(abs) {
		return &StagingError{Op: "check", Path: root, Err: fmt.Errorf("refusing to use filesystem root")}
	}
	if home, err := homedir.Dir(); err == nil && abs == filepath.Clean(home) {
		return &StagingError{Op: "check", Path: root, Err: fmt.Errorf("refusing to use home directory")}
	}
	if wd, err := os.Getwd(); err == nil && abs == wd {
		return &StagingError{Op: "check", Path: root, Err: fmt.Errorf("refusing to use working directory")}
	}
	return nil
}

func (s *Stager) copyFile(src, dst, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return &StagingError{Op: "open " + name, Path: src, Err: err}
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return &StagingError{Op: "stat " + name, Path: src, Err: err}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &StagingError{Op: "create", Path: dst, Err: err}
	}

	var w io.Writer = out
	if s.Progress != nil {
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetWriter(s.Progress),
			progressbar.OptionSetDescription("staging "+name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, in); err != nil {
		_ = out.Close()
		return &StagingError{Op: "copy " + name, Path: dst, Err: err}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return &StagingError{Op: "sync", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &StagingError{Op: "close", Path: dst, Err: err}
	}

	return nil
}
