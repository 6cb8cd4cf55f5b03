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

// Package plugin implements the manifest-driven plugin loader of spec.md
// §4.10/§9: plugin.toml discovery, isolated init(context) invocation, and
// feature-registration rollback on a per-plugin failure.
//
// Go has no runtime "scan imported modules for a magic marker" facility, so
// per spec.md §9's redesign guidance this package replaces that discovery
// step with an explicit registration API: a plugin built into this binary
// calls RegisterEntrypoint from its own init() to publish an InitFunc under
// the symbol name its plugin.toml's entrypoint field names.
package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/feature"
	"github.com/kraklabs/cpm/pkg/workspace"
)

// Manifest is plugin.toml's [plugin] table.
type Manifest struct {
	Plugin struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		Version      string `yaml:"version"`
		Group        string `yaml:"group"`
		Entrypoint   string `yaml:"entrypoint"`
		RequiresCPM  string `yaml:"requires_cpm"`
	} `yaml:"plugin"`
}

// Validate checks that every [plugin] field is a non-empty string and that
// id matches dirName.
func (m Manifest) Validate(dirName string) error {
	p := m.Plugin
	for name, v := range map[string]string{
		"id": p.ID, "name": p.Name, "version": p.Version,
		"group": p.Group, "entrypoint": p.Entrypoint, "requires_cpm": p.RequiresCPM,
	} {
		if v == "" {
			return cpmerrors.NewInputError("Invalid plugin manifest", fmt.Sprintf("plugin.toml is missing required field '%s'", name), "Add the missing field to plugin.toml", nil)
		}
	}
	if p.ID != dirName {
		return cpmerrors.NewInputError("Invalid plugin manifest", fmt.Sprintf("plugin.toml id '%s' does not match directory name '%s'", p.ID, dirName), "Rename the plugin directory to match its id, or fix plugin.toml", nil)
	}
	return nil
}

// Source records where a plugin was discovered.
type Source string

const (
	SourceBuiltin   Source = "builtin"
	SourceWorkspace Source = "workspace"
	SourceUser      Source = "user"
)

// State is a plugin record's lifecycle state.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Record is one discovered plugin's outcome (spec.md §3's Plugin record).
type Record struct {
	ID       string
	Manifest Manifest
	Path     string
	Source   Source
	State    State
	Features []string // qualified names registered by this plugin
	Error    string
}

// Context is passed to a plugin's InitFunc (spec.md §4.10's
// init(context)).
type Context struct {
	Manifest      Manifest
	PluginRoot    string
	WorkspaceRoot string
	Registry      *feature.Registry
	Logger        *slog.Logger
}

// InitFunc is a plugin entrypoint: it registers its features directly on
// ctx.Registry (with Origin set to the plugin id) and returns an error to
// fail plugin load.
type InitFunc func(ctx *Context) error

var (
	entrypointsMu sync.RWMutex
	entrypoints   = map[string]InitFunc{}
)

// RegisterEntrypoint publishes fn under symbol, for a plugin.toml's
// entrypoint field to reference. Intended to be called from a plugin
// package's own init().
func RegisterEntrypoint(symbol string, fn InitFunc) {
	entrypointsMu.Lock()
	defer entrypointsMu.Unlock()
	entrypoints[symbol] = fn
}

func lookupEntrypoint(symbol string) (InitFunc, bool) {
	entrypointsMu.RLock()
	defer entrypointsMu.RUnlock()
	fn, ok := entrypoints[symbol]
	return fn, ok
}

// Loader discovers and loads plugins under a workspace's and the user's
// plugins directories.
type Loader struct {
	Registry *feature.Registry
	Logger   *slog.Logger
}

// NewLoader returns a Loader registering features into registry.
func NewLoader(registry *feature.Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Registry: registry, Logger: logger}
}

// userPluginsDir returns the user-data plugins directory
// (~/.config/cpm/plugins on Linux via os.UserConfigDir).
func userPluginsDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "cpm", "plugins"), nil
}

// LoadAll discovers plugins in workspace plugins/ then the user-data
// plugins dir, first-wins on id, and loads each in turn.
func (l *Loader) LoadAll(ws *workspace.Workspace) ([]Record, error) {
	seen := map[string]bool{}
	var records []Record

	userDir, err := userPluginsDir()
	if err != nil {
		userDir = ""
	}

	dirs := []struct {
		path   string
		source Source
	}{
		{ws.PluginsDir(), SourceWorkspace},
		{userDir, SourceUser},
	}

	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		entries, err := os.ReadDir(d.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return records, err
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			seen[e.Name()] = true
			rec := l.loadOne(ws, filepath.Join(d.path, e.Name()), e.Name(), d.source)
			records = append(records, rec)
		}
	}
	return records, nil
}

// loadOne loads a single plugin directory, isolating any failure (manifest
// error, missing entrypoint, init error, or feature-registration collision)
// to that plugin's record.
func (l *Loader) loadOne(ws *workspace.Workspace, dir, dirName string, source Source) Record {
	l.Logger.Debug("pre_plugin_init", "plugin_dir", dir)

	manifestPath := filepath.Join(dir, "plugin.toml")
	data, err := os.ReadFile(manifestPath) //nolint:gosec // G304: discovered under a fixed plugins root
	if err != nil {
		return Record{ID: dirName, Path: dir, Source: source, State: StateFailed, Error: err.Error()}
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Record{ID: dirName, Path: dir, Source: source, State: StateFailed, Error: err.Error()}
	}
	if err := manifest.Validate(dirName); err != nil {
		return Record{ID: dirName, Path: dir, Source: source, State: StateFailed, Error: err.Error()}
	}

	rec := Record{ID: manifest.Plugin.ID, Manifest: manifest, Path: dir, Source: source, State: StatePending}

	fn, ok := lookupEntrypoint(manifest.Plugin.Entrypoint)
	if !ok {
		rec.State = StateFailed
		rec.Error = fmt.Sprintf("entrypoint '%s' is not registered in this binary", manifest.Plugin.Entrypoint)
		return rec
	}

	before := registeredSet(l.Registry)
	ctx := &Context{
		Manifest:      manifest,
		PluginRoot:    dir,
		WorkspaceRoot: ws.Root,
		Registry:      l.Registry,
		Logger:        l.Logger.With("plugin", manifest.Plugin.ID),
	}

	initErr := l.runIsolated(fn, ctx)
	added := newlyRegistered(before, l.Registry)

	if initErr != nil {
		for _, qn := range added {
			l.Registry.Unregister(qn)
		}
		rec.State = StateFailed
		rec.Error = initErr.Error()
		return rec
	}

	rec.State = StateReady
	rec.Features = added
	return rec
}

// registeredSet snapshots the registry's current qualified names, so a
// failed plugin init's partial registrations can be identified and rolled
// back afterward (spec.md §4.10's collision rollback rule).
func registeredSet(r *feature.Registry) map[string]bool {
	out := map[string]bool{}
	for _, e := range r.List() {
		out[e.QualifiedName()] = true
	}
	return out
}

func newlyRegistered(before map[string]bool, r *feature.Registry) []string {
	var added []string
	for _, e := range r.List() {
		qn := e.QualifiedName()
		if !before[qn] {
			added = append(added, qn)
		}
	}
	return added
}

// runIsolated calls fn, converting a panic into an error so one plugin's
// crash never propagates past its own load step.
func (l *Loader) runIsolated(fn InitFunc, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin init panicked: %v", r)
		}
	}()
	return fn(ctx)
}
