package toolchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/remoterc/internal/testutil/testlog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

const twoBinManifest = `
[package]
name = "app"
version = "0.1.0"

[[bin]]
name = "app"
path = "src/main.rs"

[[bin]]
name = "tool"
path = "src/tool.rs"
`

func TestBinaryNamesDeclaredAndDiscovered(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), twoBinManifest)
	writeFile(t, filepath.Join(dir, "src", "main.rs"), "fn main() {}")
	writeFile(t, filepath.Join(dir, "src", "bin", "extra.rs"), "fn main() {}")
	writeFile(t, filepath.Join(dir, "src", "bin", "multi", "main.rs"), "fn main() {}")
	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	names, err := m.BinaryNames(dir)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	want := []string{"app", "tool", "extra", "multi"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("names got=%v want=%v", names, want)
	}
}

func TestBinaryNamesAutobinsOff(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), "[package]\nname = \"app\"\nautobins = false\n")
	writeFile(t, filepath.Join(dir, "src", "main.rs"), "fn main() {}")
	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if _, err := m.BinaryNames(dir); !errors.Is(err, ErrNoBinaries) {
		t.Fatalf("expected ErrNoBinaries, got %v", err)
	}
}

func TestReadManifestErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadManifest(t.TempDir()); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), "[package\nname=")
	if _, err := ReadManifest(dir); !errors.Is(err, ErrBadManifest) {
		t.Fatalf("expected ErrBadManifest, got %v", err)
	}
}

func TestOutputDirAndExecutableName(t *testing.T) {
	testlog.Start(t)
	if got := OutputDir("/b", "", true); got != filepath.Join("/b", "target", "release") {
		t.Fatalf("host output dir got=%s", got)
	}
	if got := OutputDir("/b", "x86_64-pc-windows-gnu", false); got != filepath.Join("/b", "target", "x86_64-pc-windows-gnu", "debug") {
		t.Fatalf("cross output dir got=%s", got)
	}
	if ExecutableName("app", "x86_64-pc-windows-gnu") != "app.exe" || ExecutableName("app", "aarch64-unknown-linux-gnu") != "app" {
		t.Fatalf("unexpected executable suffix handling")
	}
}

func TestResolveBinariesMissingIsError(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	target := "x86_64-pc-windows-gnu"
	writeFile(t, filepath.Join(OutputDir(dir, target, true), "app.exe"), "MZ")
	_, err := ResolveBinaries(dir, target, true, []string{"app", "tool"})
	if !errors.Is(err, ErrMissingBinary) || !strings.Contains(err.Error(), "tool.exe") {
		t.Fatalf("expected ErrMissingBinary naming tool.exe, got %v", err)
	}
	paths, err := ResolveBinaries(dir, target, true, []string{"app"})
	if err != nil || len(paths) != 1 || filepath.Base(paths[0]) != "app.exe" {
		t.Fatalf("resolve got=%v err=%v", paths, err)
	}
}

func TestCargoBuildArgsAndResolution(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), twoBinManifest)
	target := "x86_64-pc-windows-gnu"
	var gotArgs []string
	c := NewCargo(CargoConfig{}).WithCommandFunc(func(ctx context.Context, runDir, name string, args ...string) ([]byte, error) {
		if runDir != dir || name != "cargo" {
			t.Errorf("unexpected invocation dir=%s name=%s", runDir, name)
		}
		gotArgs = args
		out := OutputDir(dir, target, true)
		writeFile(t, filepath.Join(out, "app.exe"), "MZ")
		writeFile(t, filepath.Join(out, "tool.exe"), "MZ")
		return []byte("Finished"), nil
	})
	paths, err := c.Build(context.Background(), dir, target, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Join(gotArgs, " ") != "build --release --target "+target {
		t.Fatalf("unexpected args: %v", gotArgs)
	}
	if len(paths) != 2 || filepath.Base(paths[0]) != "app.exe" || filepath.Base(paths[1]) != "tool.exe" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestCargoBuildFailureCarriesOutput(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), twoBinManifest)
	c := NewCargo(CargoConfig{}).WithCommandFunc(func(context.Context, string, string, ...string) ([]byte, error) {
		return []byte("error[E0425]: cannot find value `x`"), errors.New("exit status 101")
	})
	_, err := c.Build(context.Background(), dir, "", false)
	if !errors.Is(err, ErrBuildFailed) || !strings.Contains(err.Error(), "E0425") {
		t.Fatalf("expected ErrBuildFailed with output, got %v", err)
	}
}

func TestCargoBuildNoManifestSkipsCargo(t *testing.T) {
	testlog.Start(t)
	called := false
	c := NewCargo(CargoConfig{}).WithCommandFunc(func(context.Context, string, string, ...string) ([]byte, error) {
		called = true
		return nil, nil
	})
	if _, err := c.Build(context.Background(), t.TempDir(), "", false); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}
	if called {
		t.Fatalf("cargo should not run without a manifest")
	}
}

func TestEnsureTargetDeduplicatesConcurrentInstalls(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	gate := make(chan struct{})
	c := NewCargo(CargoConfig{}).WithCommandFunc(func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		calls.Add(1)
		if name != "rustup" || strings.Join(args, " ") != "target add x86_64-pc-windows-gnu" {
			t.Errorf("unexpected install command: %s %v", name, args)
		}
		<-gate
		return nil, nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.EnsureTarget(context.Background(), "x86_64-pc-windows-gnu")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure target: %v", err)
		}
	}
	if err := c.EnsureTarget(context.Background(), "x86_64-pc-windows-gnu"); err != nil {
		t.Fatalf("ensure installed target: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one install, got %d", n)
	}
}

func TestEnsureTargetCallerContext(t *testing.T) {
	testlog.Start(t)
	gate := make(chan struct{})
	defer close(gate)
	c := NewCargo(CargoConfig{}).WithCommandFunc(func(context.Context, string, string, ...string) ([]byte, error) {
		<-gate
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.EnsureTarget(ctx, "wasm32-unknown-unknown"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := c.EnsureTarget(context.Background(), ""); err != nil {
		t.Fatalf("empty target should be a no-op: %v", err)
	}
}
