// Package project turns a project directory into a cached snapshot archive.
package project

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/danmuck/remoterc/internal/archive"
	"github.com/danmuck/remoterc/internal/cache"
	"github.com/rs/zerolog/log"
)

var ErrEmptyProject = errors.New("project: no files left after exclusions")

// ListFiles walks root and returns every regular file not matched by ex, as
// slash-separated paths relative to root, in walk order. Exclusions are
// tested against the relative path.
func ListFiles(root string, ex *Exclusions) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ex.Match(rel) {
			log.Trace().Msgf("project.ListFiles excluded path=%s", rel)
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("project: walk %s: %w", root, err)
	}
	return files, nil
}

// Package snapshots root into a new project archive in c.
func Package(c *cache.Cache, root string, ex *Exclusions) (cache.ArchiveFile, error) {
	files, err := ListFiles(root, ex)
	if err != nil {
		return cache.ArchiveFile{}, err
	}
	if len(files) == 0 {
		return cache.ArchiveFile{}, ErrEmptyProject
	}
	entries := archive.EntriesUnder(root, files)
	af, err := c.WriteArchive(cache.ExtProject, func(w io.Writer) error {
		return archive.Encode(w, entries)
	})
	if err != nil {
		return cache.ArchiveFile{}, err
	}
	log.Info().Msgf(
		"project.Package snapshot path=%s files=%d excluded_patterns=%d size=%d",
		af.Path,
		len(files),
		ex.Len(),
		af.Size,
	)
	return af, nil
}
