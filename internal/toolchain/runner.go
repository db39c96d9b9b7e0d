package toolchain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrBuildFailed   = errors.New("toolchain: build failed")
	ErrInstallFailed = errors.New("toolchain: target install failed")
	ErrMissingBinary = errors.New("toolchain: declared binary not produced")
)

// Runner builds one project directory for one target.
type Runner interface {
	// EnsureTarget installs target if needed. Repeated and concurrent calls
	// for the same target are safe.
	EnsureTarget(ctx context.Context, target string) error
	// Build compiles dir and returns the absolute paths of every declared
	// executable. A declared executable that was not produced is an error.
	Build(ctx context.Context, dir, target string, release bool) ([]string, error)
}

func Profile(release bool) string {
	if release {
		return "release"
	}
	return "debug"
}

// OutputDir is where cargo leaves executables: target/<profile> for host
// builds, target/<triple>/<profile> for cross builds.
func OutputDir(dir, target string, release bool) string {
	if target == "" {
		return filepath.Join(dir, "target", Profile(release))
	}
	return filepath.Join(dir, "target", target, Profile(release))
}

// ExecutableName applies the platform suffix for target.
func ExecutableName(name, target string) string {
	if strings.Contains(target, "windows") {
		return name + ".exe"
	}
	return name
}

// ResolveBinaries maps declared names to produced paths and fails if any is missing.
func ResolveBinaries(dir, target string, release bool, names []string) ([]string, error) {
	out := OutputDir(dir, target, release)
	paths := make([]string, 0, len(names))
	missing := make([]string, 0)
	for _, name := range names {
		p := filepath.Join(out, ExecutableName(name, target))
		if !fileExists(p) {
			missing = append(missing, filepath.Base(p))
			continue
		}
		paths = append(paths, p)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrMissingBinary, strings.Join(missing, ", "), out)
	}
	return paths, nil
}

func outputTail(out []byte, limit int) string {
	s := strings.TrimSpace(string(out))
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
