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

// Package build orchestrates the packet build pipeline (spec.md §4.6):
// scan → chunk → embed (with incremental reuse) → index → manifest →
// lockfile.
package build

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// acceptedExtensions is the code/text set spec.md §4.6 step 1 scans for.
// Extensions outside this set are skipped during the filesystem walk
// entirely, distinct from the chunk router's fallback dispatch for
// extensions it doesn't recognize but that the scan still accepted.
var acceptedExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".mjs": true,
	".ts": true, ".tsx": true, ".java": true, ".c": true, ".h": true,
	".cc": true, ".cpp": true, ".hpp": true, ".rs": true, ".cs": true,
	".md": true, ".markdown": true, ".txt": true, ".yaml": true, ".yml": true,
	".json": true, ".toml": true,
}

// ScannedFile is one accepted file found by Scan.
type ScannedFile struct {
	RelPath string // posix-slashed, relative to source_dir
	Ext     string
	Content string
}

// Scan walks sourceDir recursively, returning every file whose extension is
// in the code/text set, in lexicographic path order for determinism.
func Scan(sourceDir string) ([]ScannedFile, error) {
	var files []ScannedFile
	err := filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !acceptedExtensions[ext] {
			return nil
		}
		content, readErr := os.ReadFile(path) //nolint:gosec // G304: walk-discovered path under sourceDir
		if readErr != nil {
			return readErr
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return relErr
		}
		files = append(files, ScannedFile{
			RelPath: filepath.ToSlash(rel),
			Ext:     ext,
			Content: string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// ExtCounts tallies file extension occurrences, for cpm.yml's auto-tags and
// manifest.json's source.file_ext_counts.
func ExtCounts(files []ScannedFile) map[string]int {
	counts := map[string]int{}
	for _, f := range files {
		counts[f.Ext]++
	}
	return counts
}
