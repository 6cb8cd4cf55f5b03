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

package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_RanksByInnerProduct(t *testing.T) {
	idx, err := New(4, [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	})
	require.NoError(t, err)

	results, err := idx.Search([]float32{0.9, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].ID)
	assert.Equal(t, 1, results[1].ID)
}

func TestSearch_RejectsDimMismatch(t *testing.T) {
	idx, err := New(4, [][]float32{{1, 0, 0, 0}})
	require.NoError(t, err)
	_, err = idx.Search([]float32{1, 0, 0}, 1)
	assert.Error(t, err)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.faiss")
	idx, err := New(3, [][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	require.NoError(t, idx.Write(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Dim, loaded.Dim)
	assert.Equal(t, idx.Ntotal(), loaded.Ntotal())
	assert.Equal(t, idx.Vectors, loaded.Vectors)
}

func TestNormalize_UnitNorm(t *testing.T) {
	v := []float32{3, 4, 0}
	Normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}
