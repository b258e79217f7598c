// ============================================================================
// Beaver-Nav Map Files - Versioned YAML Tile Maps
// ============================================================================
//
// Package: internal/mapfile
// File: mapfile.go
// Function: Loads and saves world maps: ASCII tile rows in the map legend
//           plus agent spawns
//
// Format:
//   schema_version: 1
//   name: demo
//   rows:
//     - "#####"
//     - "#..D#"
//   agents:
//     - {name: guard-1, at: "1,1", access: [door], facts: {armed: true}}
//
// Atomic writes:
//   Maps are written to <path>.tmp and renamed over the target, so a crash
//   mid-write leaves the previous map intact.
//
// ============================================================================

package mapfile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-nav/internal/pathgraph"
	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

var (
	ErrCorruptedMap        = errors.New("map file is corrupted")
	ErrIncompatibleVersion = errors.New("map schema version is incompatible")
	ErrMapNotFound         = errors.New("map file not found")
)

// SchemaVersion is the map format this package writes.
const SchemaVersion = 1

// AgentSpec places one agent in the world.
type AgentSpec struct {
	Name          string         `yaml:"name"`
	At            string         `yaml:"at"`
	CollisionMask uint32         `yaml:"collision_mask,omitempty"`
	Access        []string       `yaml:"access,omitempty"`
	Facts         map[string]any `yaml:"facts,omitempty"`
}

// Position parses At.
func (a AgentSpec) Position() (types.TileCoord, error) {
	return types.ParseTileCoord(a.At)
}

// File is the on-disk map document.
type File struct {
	SchemaVer int         `yaml:"schema_version"`
	Name      string      `yaml:"name"`
	Rows      []string    `yaml:"rows"`
	Agents    []AgentSpec `yaml:"agents,omitempty"`
}

// Grid parses the rows.
func (f File) Grid() (*pathgraph.Grid, error) {
	g, err := pathgraph.ParseGrid(f.Rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedMap, err)
	}
	return g, nil
}

// FromGrid renders g back into a File.
func FromGrid(name string, g *pathgraph.Grid, agents []AgentSpec) File {
	return File{
		SchemaVer: SchemaVersion,
		Name:      name,
		Rows:      pathgraph.FormatGrid(g),
		Agents:    agents,
	}
}

// Manager reads and writes one map path.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the managed file path.
func (m *Manager) Path() string { return m.path }

// Exists reports whether the map file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write stores f atomically, stamping the current schema version.
func (m *Manager) Write(f File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.SchemaVer = SchemaVersion
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal map: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp map: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename map: %w", err)
	}
	return nil
}

// Load reads and validates the map file.
func (m *Manager) Load() (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var f File
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, fmt.Errorf("%w: %s", ErrMapNotFound, m.path)
		}
		return f, fmt.Errorf("failed to read map: %w", err)
	}

	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrCorruptedMap, err)
	}
	if f.SchemaVer != SchemaVersion {
		return f, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, f.SchemaVer, SchemaVersion)
	}
	if len(f.Rows) == 0 {
		return f, fmt.Errorf("%w: no rows", ErrCorruptedMap)
	}
	for i, a := range f.Agents {
		if a.Name == "" {
			return f, fmt.Errorf("%w: agent %d has no name", ErrCorruptedMap, i)
		}
		if _, err := a.Position(); err != nil {
			return f, fmt.Errorf("%w: agent %q: %v", ErrCorruptedMap, a.Name, err)
		}
	}
	return f, nil
}
