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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

// EmbeddingInfo describes the embedding model a packet was built with.
type EmbeddingInfo struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Dim            int    `json:"dim"`
	Dtype          string `json:"dtype"`
	Normalized     bool   `json:"normalized"`
	MaxSeqLength   int    `json:"max_seq_length"`
}

// SimilarityInfo describes the vector index's similarity space.
type SimilarityInfo struct {
	Space     string `json:"space"`
	IndexType string `json:"index_type"`
}

// Checksum is one entry of the manifest's checksums map.
type Checksum struct {
	Algo  string `json:"algo"`
	Value string `json:"value"`
}

// Counts records artifact row counts.
type Counts struct {
	Docs    int `json:"docs"`
	Vectors int `json:"vectors"`
}

// SourceInfo records where the packet's inputs came from.
type SourceInfo struct {
	InputDir      string         `json:"input_dir"`
	FileExtCounts map[string]int `json:"file_ext_counts"`
}

// CPMInfo mirrors the cpm.yml fields embedded in the manifest.
type CPMInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags,omitempty"`
	Entrypoints []string `json:"entrypoints,omitempty"`
	Description string   `json:"description,omitempty"`
}

// IncrementalStats records what a build reused vs. recomputed.
type IncrementalStats struct {
	Enabled bool `json:"enabled"`
	Reused  int  `json:"reused"`
	Embedded int `json:"embedded"`
	Removed  int `json:"removed"`
}

// Manifest is manifest.json (spec.md §3).
type Manifest struct {
	SchemaVersion int                 `json:"schema_version"`
	PacketID      string              `json:"packet_id"`
	Embedding     EmbeddingInfo       `json:"embedding"`
	Similarity    SimilarityInfo      `json:"similarity"`
	Files         map[string]any      `json:"files,omitempty"`
	Counts        Counts              `json:"counts"`
	Source        SourceInfo          `json:"source"`
	CPM           CPMInfo             `json:"cpm"`
	Incremental   IncrementalStats    `json:"incremental"`
	Checksums     map[string]Checksum `json:"checksums"`

	// Extras preserves any unknown top-level keys verbatim across
	// load/save round-trips (spec.md §4.3's load_manifest contract).
	Extras map[string]json.RawMessage `json:"-"`
}

// ManifestSchemaVersion is the current manifest.json schema version.
const ManifestSchemaVersion = 1

// knownManifestKeys lists every field MarshalJSON/UnmarshalJSON handle
// explicitly; everything else round-trips through Extras.
var knownManifestKeys = map[string]bool{
	"schema_version": true, "packet_id": true, "embedding": true,
	"similarity": true, "files": true, "counts": true, "source": true,
	"cpm": true, "incremental": true, "checksums": true,
}

// MarshalJSON emits the known fields plus any Extras keys. With Extras
// present the merged object's keys come out sorted (encoding/json's map-key
// ordering); without Extras the known fields keep struct declaration order.
func (m Manifest) MarshalJSON() ([]byte, error) {
	type alias Manifest
	base, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extras) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extras {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes everything else in Extras.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type alias Manifest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Manifest(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extras := map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownManifestKeys[k] {
			extras[k] = v
		}
	}
	m.Extras = extras
	return nil
}

// LoadManifest reads and parses manifest.json, preserving unknown keys.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: store-resolved artifact path
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveManifest writes manifest.json atomically (temp file + rename).
func SaveManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ComputeChecksums returns {rel_path -> {algo:"sha256", value:hex}} for
// every path in paths that exists under root, skipping missing ones.
func ComputeChecksums(root string, paths []string) (map[string]Checksum, error) {
	out := map[string]Checksum{}
	for _, rel := range paths {
		full := filepath.Join(root, rel)
		f, err := os.Open(full) //nolint:gosec // G304: fixed artifact names under packet root
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		h := sha256.New()
		_, copyErr := io.Copy(h, f)
		f.Close()
		if copyErr != nil {
			return nil, copyErr
		}
		out[rel] = Checksum{Algo: "sha256", Value: hex.EncodeToString(h.Sum(nil))}
	}
	return out, nil
}
