package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const ManifestName = "Cargo.toml"

var (
	ErrNoManifest  = errors.New("toolchain: Cargo.toml not found")
	ErrBadManifest = errors.New("toolchain: Cargo.toml unparsable")
	ErrNoBinaries  = errors.New("toolchain: manifest declares no binaries")
)

type Manifest struct {
	Package PackageSection `toml:"package"`
	Bins    []BinTarget    `toml:"bin"`
}

type PackageSection struct {
	Name     string `toml:"name"`
	Autobins *bool  `toml:"autobins"`
}

type BinTarget struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

func ReadManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNoManifest, dir)
		}
		return Manifest{}, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	return m, nil
}

// BinaryNames lists the executables a build of dir produces: every [[bin]]
// plus, unless autobins is off, src/main.rs under the package name and each
// src/bin target. Order is declared bins first, then discovered ones.
func (m Manifest) BinaryNames(dir string) ([]string, error) {
	seen := make(map[string]struct{})
	names := make([]string, 0, len(m.Bins)+1)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, bin := range m.Bins {
		name := bin.Name
		if name == "" && bin.Path != "" {
			name = strings.TrimSuffix(filepath.Base(bin.Path), ".rs")
		}
		add(name)
	}

	if m.Package.Autobins == nil || *m.Package.Autobins {
		if fileExists(filepath.Join(dir, "src", "main.rs")) {
			add(m.Package.Name)
		}
		for _, name := range discoverBinDir(filepath.Join(dir, "src", "bin")) {
			add(name)
		}
	}

	if len(names) == 0 {
		return nil, ErrNoBinaries
	}
	return names, nil
}

func discoverBinDir(binDir string) []string {
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".rs"):
			names = append(names, strings.TrimSuffix(e.Name(), ".rs"))
		case e.IsDir() && fileExists(filepath.Join(binDir, e.Name(), "main.rs")):
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
