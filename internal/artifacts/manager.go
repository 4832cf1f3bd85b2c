package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func debugLog(format string, args ...interface{}) {
	if os.Getenv("HARNESS_DEBUG") == "1" {
		fmt.Printf("[DEBUG:ARTIFACTS] "+format+"\n", args...)
	}
}

// FeatureFlagsEnv carries the feature flags to producers that do not take
// them on the command line.
const FeatureFlagsEnv = "HARNESS_FEATURE_FLAGS"

// Paths are the two build products a run needs.
type Paths struct {
	BootStage string
	Kernel    string
}

// Request asks for artifacts either by explicit path or by building them.
type Request struct {
	BootStage    string
	Kernel       string
	Build        bool
	FeatureFlags []string
}

// Producer is the external build that emits the boot stage and kernel.
type Producer struct {
	Command []string
	Dir     string
	// Output locations, relative to Dir unless absolute.
	BootStage string
	Kernel    string
	Env       []string
	// Output receives the producer's output as it runs; it is captured
	// for BuildError regardless.
	Output io.Writer
}

// BuildError is returned when the producer fails or does not leave usable
// artifacts behind. Output is the producer's diagnostic text, untouched.
type BuildError struct {
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("build failed: %v", e.Err)
	}
	return fmt.Sprintf("build failed: %v\n%s", e.Err, e.Output)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Resolver hands out artifact paths, invoking the producer when asked to.
type Resolver struct {
	Producer Producer
}

// NewResolver creates a resolver for the given producer
func NewResolver(p Producer) *Resolver {
	return &Resolver{Producer: p}
}

// Resolve returns verified artifact paths for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Paths, error) {
	var paths Paths
	if req.Build {
		built, err := r.Build(ctx, req.FeatureFlags)
		if err != nil {
			return Paths{}, err
		}
		paths = built
	} else {
		if req.BootStage == "" || req.Kernel == "" {
			return Paths{}, &BuildError{Err: fmt.Errorf("no artifacts given: set boot-stage and kernel, or build")}
		}
		paths = Paths{BootStage: req.BootStage, Kernel: req.Kernel}
	}

	if err := validateBootStage(paths.BootStage); err != nil {
		return Paths{}, &BuildError{Err: err}
	}
	if err := validateKernelFile(paths.Kernel); err != nil {
		return Paths{}, &BuildError{Err: err}
	}

	return paths, nil
}

// Build runs the producer once. Each feature flag is passed on as its own
// --features argument, in order.
func (r *Resolver) Build(ctx context.Context, featureFlags []string) (Paths, error) {
	p := r.Producer
	if len(p.Command) == 0 {
		return Paths{}, &BuildError{Err: fmt.Errorf("no build command configured")}
	}

	args := append([]string(nil), p.Command[1:]...)
	for _, flag := range featureFlags {
		args = append(args, "--features="+flag)
	}

	debugLog("Running producer: %s %s (dir %q)", p.Command[0], strings.Join(args, " "), p.Dir)

	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", FeatureFlagsEnv, strings.Join(featureFlags, " ")))

	var output bytes.Buffer
	var sink io.Writer = &output
	if p.Output != nil {
		sink = io.MultiWriter(&output, p.Output)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Run(); err != nil {
		return Paths{}, &BuildError{Output: output.String(), Err: err}
	}

	paths := Paths{
		BootStage: p.outputPath(p.BootStage),
		Kernel:    p.outputPath(p.Kernel),
	}
	debugLog("Producer finished: boot stage %s, kernel %s", paths.BootStage, paths.Kernel)
	return paths, nil
}

func (p Producer) outputPath(path string) string {
	if path == "" || filepath.IsAbs(path) || p.Dir == "" {
		return path
	}
	return filepath.Join(p.Dir, path)
}

// validateBootStage checks that path is a PE/COFF image (UEFI application)
func validateBootStage(path string) error {
	header, err := readHeader(path, "boot stage")
	if err != nil {
		return err
	}
	if len(header) < 2 || header[0] != 'M' || header[1] != 'Z' {
		return fmt.Errorf("boot stage %s is not a PE/COFF image (magic: %x)", path, header[:min(len(header), 2)])
	}
	return nil
}

// validateKernelFile checks that path is an ELF file
func validateKernelFile(path string) error {
	header, err := readHeader(path, "kernel")
	if err != nil {
		return err
	}
	if len(header) < 4 || header[0] != 0x7F || header[1] != 'E' || header[2] != 'L' || header[3] != 'F' {
		return fmt.Errorf("kernel %s is not an ELF file (magic: %x)", path, header[:min(len(header), 4)])
	}
	return nil
}

func readHeader(path, name string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s %s is not a regular file", name, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", name, err)
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("cannot read %s header: %w", name, err)
	}
	return header[:n], nil
}
