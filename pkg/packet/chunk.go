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

// Package packet implements the on-disk packet artifact format (spec.md
// §3/§4.3): docs.jsonl, vectors.f16.bin, manifest.json, and the checksum and
// round-trip helpers the build and install pipelines share.
package packet

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Reserved metadata keys a chunker may set (spec.md §3).
const (
	MetaPath      = "path"
	MetaExt       = "ext"
	MetaLineStart = "line_start"
	MetaLineEnd   = "line_end"
	MetaChunker   = "chunker"
	MetaLang      = "lang"
)

// DocChunk is one retrievable unit of text within a packet.
type DocChunk struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Hash     string         `json:"hash"`
}

// HashText returns sha256(text) as lowercase hex.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewDocChunk constructs a chunk and computes its hash field.
func NewDocChunk(id, text string, metadata map[string]any) DocChunk {
	return DocChunk{ID: id, Text: text, Metadata: metadata, Hash: HashText(text)}
}

// WriteDocsJSONL writes one JSON object per line. Each chunk's hash field is
// recomputed from its text so callers never need to set it manually.
func WriteDocsJSONL(path string, chunks []DocChunk) error {
	f, err := os.Create(path) //nolint:gosec // G304: build-pipeline-controlled output path
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, c := range chunks {
		c.Hash = HashText(c.Text)
		line, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadDocsJSONL reads docs.jsonl back into DocChunks, in file order.
func ReadDocsJSONL(path string) ([]DocChunk, error) {
	f, err := os.Open(path) //nolint:gosec // G304: store-resolved artifact path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []DocChunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c DocChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("parse docs.jsonl line: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// HashCache reads path (if it exists) and returns a map from chunk hash to
// its DocChunk, for incremental build reuse. Returns an empty map, no error, if
// the file doesn't exist.
func HashCache(path string) (map[string]DocChunk, error) {
	out := map[string]DocChunk{}
	chunks, err := ReadDocsJSONL(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, c := range chunks {
		out[c.Hash] = c
	}
	return out, nil
}
