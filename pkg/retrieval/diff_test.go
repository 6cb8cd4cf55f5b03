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

package retrieval

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/packet"
)

func writePacketFixture(t *testing.T, dir string, chunks []packet.DocChunk, vectors [][]float32, dim int) {
	t.Helper()
	require.NoError(t, packet.WriteDocsJSONL(filepath.Join(dir, "docs.jsonl"), chunks))
	require.NoError(t, packet.WriteVectorsF16(filepath.Join(dir, "vectors.f16.bin"), vectors, dim))
	m := &packet.Manifest{
		SchemaVersion: packet.ManifestSchemaVersion,
		Embedding:     packet.EmbeddingInfo{Dim: dim},
	}
	require.NoError(t, packet.SaveManifest(filepath.Join(dir, "manifest.json"), m))
}

func TestDiff_DetectsAddedRemovedAndChanged(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()

	writePacketFixture(t, left, []packet.DocChunk{
		packet.NewDocChunk("a", "alpha text", nil),
		packet.NewDocChunk("b", "beta text", nil),
	}, [][]float32{{1, 0}, {0, 1}}, 2)

	writePacketFixture(t, right, []packet.DocChunk{
		packet.NewDocChunk("a", "alpha text changed", nil),
		packet.NewDocChunk("c", "gamma text", nil),
	}, [][]float32{{1, 0}, {0, 1}}, 2)

	result, err := Diff(left, right, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, result.Added)
	require.Equal(t, []string{"b"}, result.Removed)
	require.Equal(t, []string{"a"}, result.Changed)
	require.False(t, result.ExceedsMaxDrift)
}

func TestDiff_IdenticalPacketsHaveNoDrift(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	chunks := []packet.DocChunk{packet.NewDocChunk("a", "same text", nil)}
	vectors := [][]float32{{0.5, 0.5}}

	writePacketFixture(t, left, chunks, vectors, 2)
	writePacketFixture(t, right, chunks, vectors, 2)

	result, err := Diff(left, right, nil)
	require.NoError(t, err)
	require.Empty(t, result.Added)
	require.Empty(t, result.Removed)
	require.Empty(t, result.Changed)
	require.InDelta(t, 0.0, result.EmbeddingDrift, 1e-9)
	require.InDelta(t, 0.0, result.DeltaNDCGProxy, 1e-9)
}

func TestDiff_ExceedsMaxDriftFlagsWhenThresholdBreached(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	chunks := []packet.DocChunk{packet.NewDocChunk("a", "same text", nil)}

	writePacketFixture(t, left, chunks, [][]float32{{0, 0}}, 2)
	writePacketFixture(t, right, chunks, [][]float32{{10, 10}}, 2)

	tiny := 0.001
	result, err := Diff(left, right, &tiny)
	require.NoError(t, err)
	require.True(t, result.ExceedsMaxDrift)
}
