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

// Package index implements the default "faiss-flatip" vector indexer: a
// flat, brute-force inner-product index serialized to faiss/index.faiss.
// There is no FAISS Go binding anywhere in the dependency corpus this
// project draws on, and the indexer's own name says "flat" — so a
// brute-force scan is the literal, not merely approximate, implementation
// of the spec's default index type.
package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
)

// magic identifies the on-disk flat-index format.
const magic uint32 = 0x43504d31 // "CPM1"

// Flat is a brute-force inner-product vector index over row-major float32
// vectors, addressed by integer row ID.
type Flat struct {
	Dim     int
	Vectors [][]float32
}

// New builds a Flat index over vectors, all of which must have length dim.
func New(dim int, vectors [][]float32) (*Flat, error) {
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dim %d, want %d", i, len(v), dim)
		}
	}
	return &Flat{Dim: dim, Vectors: vectors}, nil
}

// Result is one search hit.
type Result struct {
	ID    int
	Score float32
}

// Search returns the k rows with the highest inner product against query,
// descending by score, ties broken by ascending row ID for determinism.
func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.Dim {
		return nil, fmt.Errorf("query dim %d, want %d", len(query), f.Dim)
	}
	results := make([]Result, len(f.Vectors))
	for i, v := range f.Vectors {
		results[i] = Result{ID: i, Score: innerProduct(query, v)}
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].ID < results[b].ID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func innerProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Normalize scales v to unit L2 norm in place; a zero vector is left
// unchanged.
func Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

// Write serializes the index to path: a small header (magic, dim, count)
// followed by row-major float32 vectors.
func (f *Flat) Write(path string) error {
	out, err := os.Create(path) //nolint:gosec // G304: build-pipeline-controlled output path
	if err != nil {
		return err
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.Dim))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(f.Vectors)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, row := range f.Vectors {
		for _, v := range row {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// Load deserializes an index written by Write.
func Load(path string) (*Flat, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: store-resolved artifact path
	if err != nil {
		return nil, err
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("index file too short")
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		return nil, fmt.Errorf("bad index magic %x", got)
	}
	dim := int(binary.LittleEndian.Uint32(data[4:8]))
	n := int(binary.LittleEndian.Uint32(data[8:12]))
	want := 12 + n*dim*4
	if len(data) != want {
		return nil, fmt.Errorf("index file length %d, want %d", len(data), want)
	}
	vectors := make([][]float32, n)
	off := 12
	for i := 0; i < n; i++ {
		row := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(data[off : off+4])
			row[j] = math.Float32frombits(bits)
			off += 4
		}
		vectors[i] = row
	}
	return &Flat{Dim: dim, Vectors: vectors}, nil
}

// Ntotal returns the number of indexed vectors.
func (f *Flat) Ntotal() int { return len(f.Vectors) }
