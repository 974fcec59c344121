package store

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// Manifest maps the wire's numeric file_index to a path and a
// human-readable name, loaded from a small INI file: a declarative index
// of what the server can serve, loaded once at startup.
//
// File format:
//
//	[1]
//	Path = /srv/mtftp/firmware.bin
//	Name = firmware
type Manifest struct {
	entries map[uint16]manifestEntry
}

type manifestEntry struct {
	path string
	name string
}

// LoadManifest parses an INI manifest file.
func LoadManifest(path string) (*Manifest, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: load %s: %w", path, err)
	}

	m := &Manifest{entries: make(map[uint16]manifestEntry)}
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		idx, err := strconv.ParseUint(section.Name(), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("manifest: section %q is not a valid file index: %w", section.Name(), err)
		}
		filePath := section.Key("Path").String()
		if filePath == "" {
			return nil, fmt.Errorf("manifest: section %q has no Path", section.Name())
		}
		name := section.Key("Name").String()
		if name == "" {
			name = filePath
		}
		m.entries[uint16(idx)] = manifestEntry{path: filePath, name: name}
	}
	return m, nil
}

// NewManifest builds a Manifest directly from a file_index -> path map,
// for callers that have a single ad-hoc entry and no INI file to load.
func NewManifest(paths map[uint16]string) *Manifest {
	m := &Manifest{entries: make(map[uint16]manifestEntry, len(paths))}
	for idx, path := range paths {
		m.entries[idx] = manifestEntry{path: path, name: path}
	}
	return m
}

// Path returns the filesystem path registered for fileIndex.
func (m *Manifest) Path(fileIndex uint16) (string, bool) {
	e, ok := m.entries[fileIndex]
	return e.path, ok
}

// Name returns the human-readable name registered for fileIndex.
func (m *Manifest) Name(fileIndex uint16) (string, bool) {
	e, ok := m.entries[fileIndex]
	return e.name, ok
}
