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

// Package store implements the versioned local packet store (spec.md §4.2):
// directory layout under packages/<name>/<version-parts>/, pin/active
// markers, install-lock-adjacent resolution, and pruning.
//
// Of the legacy flat/versioned/dotted layouts spec.md §9 Open Question 1
// describes, this package implements only the dotted-segments layout; other
// layouts are a migration concern outside this repository's scope.
package store

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/version"
	"github.com/kraklabs/cpm/pkg/workspace"
)

// Store manages the packages/ subtree of a workspace.
type Store struct {
	ws *workspace.Workspace
}

// New returns a Store backed by ws.
func New(ws *workspace.Workspace) *Store {
	return &Store{ws: ws}
}

// marker is the shape of state/pins/<name>.yml and state/active/<name>.yml.
type marker struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VersionDir returns root/packages/<name>/<version-parts joined by /> for
// the given packet name and version string (spec.md §4.2).
func (s *Store) VersionDir(name, v string) string {
	parts := version.Parts(v)
	segs := append([]string{s.ws.PackagesDir(), name}, parts...)
	return filepath.Join(segs...)
}

// PackageRoot returns root/packages/<name>/.
func (s *Store) PackageRoot(name string) string {
	return filepath.Join(s.ws.PackagesDir(), name)
}

// InstalledVersions enumerates version directories under PackageRoot(name)
// whose cpm.yml exists and names a non-empty version. The walk is shallow:
// it only descends as far as needed to find a leaf with cpm.yml, so both
// single-segment ("1") and multi-segment ("1/2/0") version directories are
// discovered correctly.
func (s *Store) InstalledVersions(name string) ([]string, error) {
	root := s.PackageRoot(name)
	var found []string
	var walk func(dir string) error
	walk = func(dir string) error {
		cpmYML := filepath.Join(dir, "cpm.yml")
		if v, ok := readCpmVersion(cpmYML); ok {
			found = append(found, v)
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name())); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return found, nil
}

func readCpmVersion(path string) (string, bool) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path built from workspace root
	if err != nil {
		return "", false
	}
	var doc struct {
		Version string `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	if doc.Version == "" {
		return "", false
	}
	return doc.Version, true
}

// IsComplete reports whether dir contains every file a valid packet
// directory must have (spec.md §3).
func IsComplete(dir string) bool {
	required := []string{"manifest.json", "cpm.yml", "docs.jsonl", "vectors.f16.bin", filepath.Join("faiss", "index.faiss")}
	for _, f := range required {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}

// ReadPin returns the pinned version for name, or "" if unset.
func (s *Store) ReadPin(name string) (string, error) {
	return s.readMarker(s.ws.PinPath(name))
}

// WritePin sets the pin for name to v.
func (s *Store) WritePin(name, v string) error {
	return s.writeMarker(s.ws.PinPath(name), name, v)
}

// ReadActive returns the active version for name, or "" if unset.
func (s *Store) ReadActive(name string) (string, error) {
	return s.readMarker(s.ws.ActivePath(name))
}

// WriteActive sets the active marker for name to v.
func (s *Store) WriteActive(name, v string) error {
	return s.writeMarker(s.ws.ActivePath(name), name, v)
}

func (s *Store) readMarker(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: constructed from workspace state dir
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var m marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return "", err
	}
	return m.Version, nil
}

func (s *Store) writeMarker(path, name, v string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := yaml.Marshal(marker{Name: name, Version: v})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Resolve implements spec.md §4.2's resolve(name, target?) rules.
func (s *Store) Resolve(name string, target *string) (string, error) {
	installed, err := s.InstalledVersions(name)
	if err != nil {
		return "", err
	}
	if target == nil || *target == "" {
		pin, err := s.ReadPin(name)
		if err != nil {
			return "", err
		}
		if pin != "" && contains(installed, pin) {
			return pin, nil
		}
		if g := version.Greatest(installed); g != "" {
			return g, nil
		}
		return "", notInstalled(name)
	}
	if *target == version.Latest {
		if g := version.Greatest(installed); g != "" {
			return g, nil
		}
		return "", notInstalled(name)
	}
	if contains(installed, *target) {
		return *target, nil
	}
	return "", versionNotFound(name, *target)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func notInstalled(name string) error {
	return cpmerrors.NewResolutionError(
		"Packet not installed",
		"No version of '"+name+"' is installed in this workspace",
		"Run 'cpm install "+name+"@<version>' first",
		nil,
	)
}

func versionNotFound(name, v string) error {
	return cpmerrors.NewResolutionError(
		"Version not found",
		"Version '"+v+"' of '"+name+"' is not installed",
		"Run 'cpm install "+name+"@"+v+"' or use 'latest'",
		nil,
	)
}

// Remove deletes the packet tree for name@v.
func (s *Store) Remove(name, v string) error {
	return os.RemoveAll(s.VersionDir(name, v))
}

// Prune keeps the keep most-recent installed versions of name (by version
// order) plus whichever versions are pinned or active, removing the rest.
// Returns the removed versions.
func (s *Store) Prune(name string, keep int) ([]string, error) {
	installed, err := s.InstalledVersions(name)
	if err != nil {
		return nil, err
	}
	sorted := version.Sort(installed)
	pin, _ := s.ReadPin(name)
	active, _ := s.ReadActive(name)

	protect := map[string]bool{}
	if pin != "" {
		protect[pin] = true
	}
	if active != "" {
		protect[active] = true
	}
	// keep the `keep` most recent by version order (descending)
	for i := len(sorted) - 1; i >= 0 && keep > 0; i-- {
		protect[sorted[i]] = true
		keep--
	}

	var removed []string
	for _, v := range sorted {
		if protect[v] {
			continue
		}
		if err := s.Remove(name, v); err != nil {
			return removed, err
		}
		removed = append(removed, v)
	}
	return removed, nil
}
