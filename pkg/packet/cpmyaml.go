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

package packet

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CpmYAML is the packet-local cpm.yml descriptor (spec.md §4.3 step 7).
type CpmYAML struct {
	Name               string    `yaml:"name"`
	Version            string    `yaml:"version"`
	Description        string    `yaml:"description,omitempty"`
	Tags               []string  `yaml:"tags,omitempty"`
	Entrypoints        []string  `yaml:"entrypoints,omitempty"`
	EmbeddingModel     string    `yaml:"embedding_model"`
	EmbeddingDim       int       `yaml:"embedding_dim"`
	EmbeddingNormalized bool     `yaml:"embedding_normalized"`
	CreatedAt          time.Time `yaml:"created_at"`
}

// TagsFromExtCounts derives the auto-generated tags list from a packet's
// per-extension file counts: one tag per extension seen, most frequent
// first, ties broken lexicographically for determinism.
func TagsFromExtCounts(counts map[string]int) []string {
	type pair struct {
		ext   string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for ext, n := range counts {
		pairs = append(pairs, pair{ext, n})
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0; j-- {
			a, b := pairs[j], pairs[j-1]
			less := a.count > b.count || (a.count == b.count && a.ext < b.ext)
			if !less {
				break
			}
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	tags := make([]string, len(pairs))
	for i, p := range pairs {
		tags[i] = p.ext
	}
	return tags
}

// WriteCpmYAML writes cpm.yml at path.
func WriteCpmYAML(path string, c CpmYAML) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadCpmYAML reads cpm.yml from path.
func ReadCpmYAML(path string) (*CpmYAML, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: store-resolved artifact path
	if err != nil {
		return nil, err
	}
	var c CpmYAML
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// NowUTC returns the current time truncated to second precision in UTC, for
// created_at fields that must serialize as ISO-8601 with a "Z" suffix.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
