package cache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/remoterc/internal/archive"
	"github.com/danmuck/remoterc/internal/testutil/testlog"
)

var nameRE = regexp.MustCompile(`^\d+-[0-9a-f]{8}$`)

func TestNewNameUniqueWithinMillisecond(t *testing.T) {
	testlog.Start(t)
	now := time.UnixMilli(1700000000123)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		name := NewName(now)
		if !nameRE.MatchString(name) {
			t.Fatalf("unexpected name format: %q", name)
		}
		if !strings.HasPrefix(name, "1700000000123-") {
			t.Fatalf("timestamp prefix missing: %q", name)
		}
		if _, dup := seen[name]; dup {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = struct{}{}
	}
}

func TestOpenCreatesRoot(t *testing.T) {
	testlog.Start(t)
	root := filepath.Join(t.TempDir(), "nested", "rrc")
	c, err := Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if info, err := os.Stat(c.Root()); err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestOpenUnavailable(t *testing.T) {
	testlog.Start(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(filepath.Join(blocker, "rrc")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewBuildDirDistinctUnderFrozenClock(t *testing.T) {
	testlog.Start(t)
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	frozen := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return frozen }
	a, err := c.NewBuildDir()
	if err != nil {
		t.Fatalf("dir a: %v", err)
	}
	b, err := c.NewBuildDir()
	if err != nil {
		t.Fatalf("dir b: %v", err)
	}
	if a == b {
		t.Fatalf("build dirs collided: %s", a)
	}
}

func TestWriteArchiveRecordsDigestAndSize(t *testing.T) {
	testlog.Start(t)
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	af, err := c.WriteArchive(ExtProject, func(w io.Writer) error {
		_, err := io.WriteString(w, "snapshot-bytes")
		return err
	})
	if err != nil {
		t.Fatalf("write archive: %v", err)
	}
	if filepath.Ext(af.Path) != ExtProject || filepath.Dir(af.Path) != c.Root() {
		t.Fatalf("unexpected path: %s", af.Path)
	}
	if af.Size != int64(len("snapshot-bytes")) || af.Digest != archive.Digest([]byte("snapshot-bytes")) {
		t.Fatalf("unexpected metadata: %+v", af)
	}
	data, err := ReadArchive(af)
	if err != nil || string(data) != "snapshot-bytes" {
		t.Fatalf("read archive got=%q err=%v", data, err)
	}
}

func TestWriteArchiveFailureLeavesNothing(t *testing.T) {
	testlog.Start(t)
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	boom := errors.New("boom")
	_, err = c.WriteArchive(ExtResult, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	entries, err := os.ReadDir(c.Root())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("partial archive left behind: %v", entries)
	}
}
