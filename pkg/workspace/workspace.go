// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace resolves the on-disk layout described in spec.md §6:
// packages/, cache/, plugins/, state/, config/, logs/ rooted under a
// workspace directory (".cpm" by default).
package workspace

import (
	"os"
	"path/filepath"
)

// DefaultDirName is the workspace directory name under the project root.
const DefaultDirName = ".cpm"

// Workspace resolves every well-known path under a CPM workspace root.
type Workspace struct {
	Root string
}

// Open returns a Workspace rooted at root (resolved to an absolute, cleaned
// path), preferring the CPM_WORKSPACE_ROOT environment variable override
// used by CI/Docker deployments (mirrors the teacher's CIE_DATA_DIR rule).
func Open(root string) (*Workspace, error) {
	if envRoot := os.Getenv("CPM_WORKSPACE_ROOT"); envRoot != "" {
		root = envRoot
	}
	if root == "" {
		root = DefaultDirName
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Workspace{Root: filepath.Clean(abs)}, nil
}

// ForProjectDir returns the default workspace (<dir>/.cpm) for a project
// directory, typically the current working directory.
func ForProjectDir(dir string) (*Workspace, error) {
	return Open(filepath.Join(dir, DefaultDirName))
}

// EnsureLayout creates every top-level directory of the workspace layout.
func (w *Workspace) EnsureLayout() error {
	dirs := []string{
		w.PackagesDir(),
		w.CacheDir(),
		filepath.Join(w.CacheDir(), "models"),
		filepath.Join(w.CacheDir(), "objects"),
		w.PluginsDir(),
		w.StatePinsDir(),
		w.StateActiveDir(),
		w.StateInstallDir(),
		filepath.Join(w.StateInstallDir(), "history"),
		w.StateBenchmarksDir(),
		w.ConfigDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) PackagesDir() string       { return filepath.Join(w.Root, "packages") }
func (w *Workspace) CacheDir() string          { return filepath.Join(w.Root, "cache") }
func (w *Workspace) ObjectsCacheDir() string   { return filepath.Join(w.CacheDir(), "objects") }
func (w *Workspace) ModelsCacheDir() string    { return filepath.Join(w.CacheDir(), "models") }
func (w *Workspace) EmbeddingsCacheDB() string { return filepath.Join(w.CacheDir(), "embeddings", "embeddings.db") }
func (w *Workspace) PluginsDir() string        { return filepath.Join(w.Root, "plugins") }
func (w *Workspace) StateDir() string          { return filepath.Join(w.Root, "state") }
func (w *Workspace) StatePinsDir() string      { return filepath.Join(w.StateDir(), "pins") }
func (w *Workspace) StateActiveDir() string    { return filepath.Join(w.StateDir(), "active") }
func (w *Workspace) StateInstallDir() string   { return filepath.Join(w.StateDir(), "install") }
func (w *Workspace) StateBenchmarksDir() string {
	return filepath.Join(w.StateDir(), "benchmarks")
}
func (w *Workspace) ConfigDir() string { return filepath.Join(w.Root, "config") }
func (w *Workspace) LogsDir() string   { return filepath.Join(w.Root, "logs") }

// PinPath returns the path to state/pins/<name>.yml.
func (w *Workspace) PinPath(name string) string {
	return filepath.Join(w.StatePinsDir(), name+".yml")
}

// ActivePath returns the path to state/active/<name>.yml.
func (w *Workspace) ActivePath(name string) string {
	return filepath.Join(w.StateActiveDir(), name+".yml")
}

// InstallLockPath returns the path to state/install/<name>.lock.json.
func (w *Workspace) InstallLockPath(name string) string {
	return filepath.Join(w.StateInstallDir(), name+".lock.json")
}

// InstallHistoryDir returns state/install/history/<name>/.
func (w *Workspace) InstallHistoryDir(name string) string {
	return filepath.Join(w.StateInstallDir(), "history", name)
}

// PluginDir returns plugins/<plugin_id>/.
func (w *Workspace) PluginDir(id string) string {
	return filepath.Join(w.PluginsDir(), id)
}
