package archive

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrMixedPaths = errors.New("archive: mixed absolute and relative paths")
	ErrNoEntries  = errors.New("archive: no entries")
)

// Entry maps one host file to its slash-separated name inside the archive.
type Entry struct {
	Name string
	Path string
}

// EntriesFor names a path set for archiving. Relative paths are stored as-is.
// When every path is absolute, names are taken relative to the deepest
// directory shared by all of them so the host layout does not leak into the
// archive. A set mixing both forms is rejected.
func EntriesFor(paths []string) ([]Entry, error) {
	if len(paths) == 0 {
		return nil, ErrNoEntries
	}
	abs := 0
	for _, p := range paths {
		if filepath.IsAbs(p) {
			abs++
		}
	}
	if abs != 0 && abs != len(paths) {
		return nil, ErrMixedPaths
	}

	entries := make([]Entry, 0, len(paths))
	if abs == 0 {
		for _, p := range paths {
			name, err := cleanName(filepath.ToSlash(p))
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Name: name, Path: p})
		}
		return entries, nil
	}

	root := commonDir(paths)
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil, fmt.Errorf("archive: re-root %s: %w", p, err)
		}
		name, err := cleanName(filepath.ToSlash(rel))
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Path: p})
	}
	return entries, nil
}

// EntriesUnder names rel paths (as returned by a directory walk) relative to root.
func EntriesUnder(root string, rel []string) []Entry {
	entries := make([]Entry, 0, len(rel))
	for _, r := range rel {
		entries = append(entries, Entry{
			Name: filepath.ToSlash(r),
			Path: filepath.Join(root, filepath.FromSlash(r)),
		})
	}
	return entries
}

func commonDir(paths []string) string {
	common := filepath.Dir(filepath.Clean(paths[0]))
	for _, p := range paths[1:] {
		dir := filepath.Dir(filepath.Clean(p))
		for !within(dir, common) {
			parent := filepath.Dir(common)
			if parent == common {
				break
			}
			common = parent
		}
	}
	return common
}

func within(dir, root string) bool {
	if dir == root {
		return true
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// cleanName normalizes an archive member name and rejects names that would
// land outside the extraction root.
func cleanName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(name, "/"))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return cleaned, nil
}
