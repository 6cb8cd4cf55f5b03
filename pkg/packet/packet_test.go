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
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocsJSONLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.jsonl")
	chunks := []DocChunk{
		NewDocChunk("c1", "Welcome", map[string]any{MetaPath: "intro.md", MetaExt: ".md"}),
		NewDocChunk("c2", "def hello():\n    return 42\n", map[string]any{MetaPath: "code.py", MetaExt: ".py"}),
	}

	require.NoError(t, WriteDocsJSONL(path, chunks))
	got, err := ReadDocsJSONL(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range chunks {
		assert.Equal(t, chunks[i].ID, got[i].ID)
		assert.Equal(t, chunks[i].Text, got[i].Text)
		assert.Equal(t, chunks[i].Hash, got[i].Hash)
		assert.Equal(t, HashText(chunks[i].Text), got[i].Hash)
	}
}

func TestVectorsF16RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.f16.bin")
	matrix := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
	}
	require.NoError(t, WriteVectorsF16(path, matrix, 4))

	got, err := ReadVectorsF16(path, 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range matrix {
		for j := range matrix[i] {
			assert.InDelta(t, matrix[i][j], got[i][j], 1e-3)
		}
	}
}

func TestVectorsF16_RejectsBadLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.f16.bin")
	require.NoError(t, WriteVectorsF16(path, [][]float32{{1, 2, 3}}, 3))
	_, err := ReadVectorsF16(path, 4)
	assert.Error(t, err)
}

func TestFloat16Precision(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 3.14159, -3.14159, 65504, 1e-5}
	for _, v := range values {
		bits := float32ToFloat16(v)
		back := float16ToFloat32(bits)
		assert.InDelta(t, v, back, math.Abs(float64(v))*1e-2+1e-3, "value %v", v)
	}
}

func TestManifestExtrasRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	m := &Manifest{
		SchemaVersion: ManifestSchemaVersion,
		PacketID:      "abc123",
		Embedding:     EmbeddingInfo{Provider: "openai", Model: "text-embedding-3-small", Dim: 4},
		Similarity:    SimilarityInfo{Space: "cosine", IndexType: "faiss-flatip"},
		Counts:        Counts{Docs: 2, Vectors: 2},
		Source:        SourceInfo{InputDir: "docs", FileExtCounts: map[string]int{".md": 1, ".py": 1}},
		CPM:           CPMInfo{Name: "docs", Version: "1.2.3"},
		Checksums:     map[string]Checksum{},
		Extras: map[string]json.RawMessage{
			"future_field": json.RawMessage(`{"nested":true}`),
		},
	}

	require.NoError(t, SaveManifest(path, m))
	loaded, err := LoadManifest(path)
	require.NoError(t, err)

	assert.Equal(t, m.PacketID, loaded.PacketID)
	assert.Equal(t, m.Embedding, loaded.Embedding)
	assert.JSONEq(t, `{"nested":true}`, string(loaded.Extras["future_field"]))
}

func TestComputeChecksums_SkipsMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs.jsonl"), []byte("hello"), 0o600))

	sums, err := ComputeChecksums(dir, []string{"docs.jsonl", "missing.bin"})
	require.NoError(t, err)
	require.Contains(t, sums, "docs.jsonl")
	require.NotContains(t, sums, "missing.bin")
	assert.Equal(t, "sha256", sums["docs.jsonl"].Algo)
}

func TestTagsFromExtCounts_OrdersByFrequency(t *testing.T) {
	tags := TagsFromExtCounts(map[string]int{".go": 5, ".md": 2, ".py": 5})
	assert.Equal(t, []string{".go", ".py", ".md"}, tags)
}
