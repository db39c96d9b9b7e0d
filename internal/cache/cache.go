// Package cache owns the on-disk working area shared by the client and the
// server: project snapshots, unpacked build trees, and result bundles.
//
// Every entry is named <unix-ms>-<8 hex> so two jobs created in the same
// millisecond still get distinct paths. Entries are never garbage collected.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/danmuck/remoterc/internal/archive"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	dirName = "rrc"

	ExtProject = ".rrc"
	ExtResult  = ".rrcr"

	DefaultDirMode  os.FileMode = 0o755
	DefaultFileMode os.FileMode = 0o644

	maxNameAttempts = 8
)

var (
	ErrUnavailable = errors.New("cache: directory unavailable")
	ErrNameTaken   = errors.New("cache: could not allocate a unique name")
)

// DefaultRoot is the platform cache root for rrc.
//
//	Linux:   $XDG_CACHE_HOME/rrc or ~/.cache/rrc
//	macOS:   ~/Library/Caches/rrc
//	Windows: %LOCALAPPDATA%\rrc
func DefaultRoot() string {
	return filepath.Join(xdg.CacheHome, dirName)
}

// ArchiveFile is one archive written into the cache.
type ArchiveFile struct {
	Path      string
	CreatedAt time.Time
	Size      int64
	Digest    string
}

type Cache struct {
	root string
	now  func() time.Time
}

// Open creates root on first use.
func Open(root string) (*Cache, error) {
	if root == "" {
		root = DefaultRoot()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.MkdirAll(abs, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Cache{root: abs, now: time.Now}, nil
}

func (c *Cache) Root() string {
	return c.root
}

// NewName returns a fresh entry name for now.
func NewName(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("%d-%x", now.UnixMilli(), id[:4])
}

// NewBuildDir allocates an empty, uniquely named directory.
func (c *Cache) NewBuildDir() (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		dir := filepath.Join(c.root, NewName(c.now()))
		err := os.Mkdir(dir, DefaultDirMode)
		if err == nil {
			log.Debug().Msgf("cache.NewBuildDir allocated dir=%s", dir)
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", ErrNameTaken
}

// WriteArchive creates a uniquely named file with ext and fills it through
// write. A failed write leaves no file behind.
func (c *Cache) WriteArchive(ext string, write func(io.Writer) error) (ArchiveFile, error) {
	f, created, err := c.createFile(ext)
	if err != nil {
		return ArchiveFile{}, err
	}
	digester := archive.NewDigester()
	counter := &countingWriter{}
	if err := write(io.MultiWriter(f, digester, counter)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return ArchiveFile{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return ArchiveFile{}, err
	}
	af := ArchiveFile{
		Path:      f.Name(),
		CreatedAt: created,
		Size:      counter.n,
		Digest:    digester.Sum(),
	}
	log.Debug().Msgf("cache.WriteArchive path=%s size=%d", af.Path, af.Size)
	return af, nil
}

// ReadArchive loads af and checks it against its recorded digest.
func ReadArchive(af ArchiveFile) ([]byte, error) {
	data, err := os.ReadFile(af.Path)
	if err != nil {
		return nil, err
	}
	if af.Digest != "" && archive.Digest(data) != af.Digest {
		return nil, fmt.Errorf("cache: %s changed on disk", af.Path)
	}
	return data, nil
}

func (c *Cache) createFile(ext string) (*os.File, time.Time, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		now := c.now()
		path := filepath.Join(c.root, NewName(now)+ext)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, DefaultFileMode)
		if err == nil {
			return f, now, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, time.Time{}, err
		}
	}
	return nil, time.Time{}, ErrNameTaken
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
