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

// Package chunk implements the language/extension-dispatched chunker router
// (spec.md §4.4) and its concrete chunkers, each producing deterministic,
// token-budgeted DocChunks from source text.
package chunk

import (
	"fmt"
	"strings"

	"github.com/kraklabs/cpm/pkg/packet"
)

// Config controls packing behavior, matching spec.md §4.4's knob set. Only
// ChunkTokens, OverlapTokens and HardCapTokens shape the packed chunks.
// Hierarchical, MicroChunkTokens, MicroOverlapTokens, MaxSymbolBlocksPerChunk
// and SeparatePreambleChunk are not read by any chunker, and
// IncludeContextInChildren is checked only by the Markdown chunker, where it
// changes nothing (see markdownChunker).
type Config struct {
	ChunkTokens              int  // target pack size
	OverlapTokens            int  // tokens of trailing overlap carried into the next chunk
	HardCapTokens            int  // upper bound per chunk; oversized blocks are split by lines
	Hierarchical             bool // not read by any chunker (see above)
	MicroChunkTokens         int
	MicroOverlapTokens       int
	MaxSymbolBlocksPerChunk  int
	SeparatePreambleChunk    bool
	IncludeContextInChildren bool // checked only by the Markdown chunker (see above)
}

// DefaultConfig matches the teacher's ingestion defaults in magnitude.
func DefaultConfig() Config {
	return Config{
		ChunkTokens:             400,
		OverlapTokens:           40,
		HardCapTokens:           1500,
		MicroChunkTokens:        120,
		MicroOverlapTokens:      20,
		MaxSymbolBlocksPerChunk: 8,
	}
}

// Chunker segments one file's content into DocChunks.
type Chunker interface {
	// Name identifies the chunker for the "chunker" metadata key.
	Name() string
	// Chunk splits content (the file's text) into chunks. path is the
	// file's path relative to the scan root, used for id derivation and
	// metadata.
	Chunk(cfg Config, path, content string) ([]packet.DocChunk, error)
}

// EstimateTokens is the default, pluggable token counter: whitespace-split
// length (spec.md §4.4's "default is whitespace-split length").
func EstimateTokens(s string) int {
	return len(strings.Fields(s))
}

// block is an intermediate unit a chunker extracts before packing: a
// contiguous span of lines, optionally already knowing its own kind (for
// metadata like "lang").
type block struct {
	text      string
	lineStart int
	lineEnd   int
}

// chunkID derives a deterministic per-file chunk id from path and index.
func chunkID(path string, index int) string {
	return fmt.Sprintf("%s#%d", path, index)
}

// packGreedy packs blocks into token-budgeted chunks: greedily appending
// blocks until appending the next one would exceed cfg.ChunkTokens (always
// including at least one block per chunk), splitting any single block that
// alone exceeds cfg.HardCapTokens by lines, and carrying the trailing
// overlapTokens worth of text from one chunk into the next.
func packGreedy(blocks []block, cfg Config) []block {
	hardCap := cfg.HardCapTokens
	if hardCap <= 0 {
		hardCap = cfg.ChunkTokens * 4
	}
	target := cfg.ChunkTokens
	if target <= 0 {
		target = 400
	}

	var expanded []block
	for _, b := range blocks {
		if EstimateTokens(b.text) > hardCap {
			expanded = append(expanded, splitByLines(b, hardCap)...)
			continue
		}
		expanded = append(expanded, b)
	}

	var packed []block
	var cur []block
	curTokens := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		texts := make([]string, len(cur))
		for i, b := range cur {
			texts[i] = b.text
		}
		packed = append(packed, block{
			text:      strings.Join(texts, "\n"),
			lineStart: cur[0].lineStart,
			lineEnd:   cur[len(cur)-1].lineEnd,
		})
		cur = nil
		curTokens = 0
	}
	for _, b := range expanded {
		n := EstimateTokens(b.text)
		if len(cur) > 0 && curTokens+n > target {
			flush()
		}
		cur = append(cur, b)
		curTokens += n
	}
	flush()

	if cfg.OverlapTokens > 0 {
		packed = applyOverlap(packed, cfg.OverlapTokens)
	}
	return packed
}

// splitByLines splits an oversized block into hardCap-token-sized pieces by
// line boundaries.
func splitByLines(b block, hardCap int) []block {
	lines := strings.Split(b.text, "\n")
	var out []block
	var cur []string
	curTokens := 0
	lineNo := b.lineStart
	start := lineNo
	for _, line := range lines {
		n := EstimateTokens(line)
		if len(cur) > 0 && curTokens+n > hardCap {
			out = append(out, block{text: strings.Join(cur, "\n"), lineStart: start, lineEnd: lineNo - 1})
			cur = nil
			curTokens = 0
			start = lineNo
		}
		cur = append(cur, line)
		curTokens += n
		lineNo++
	}
	if len(cur) > 0 {
		out = append(out, block{text: strings.Join(cur, "\n"), lineStart: start, lineEnd: lineNo - 1})
	}
	return out
}

// applyOverlap prepends the trailing overlapTokens of chunk i-1 to chunk i.
func applyOverlap(chunks []block, overlapTokens int) []block {
	for i := 1; i < len(chunks); i++ {
		prevFields := strings.Fields(chunks[i-1].text)
		if len(prevFields) == 0 {
			continue
		}
		n := overlapTokens
		if n > len(prevFields) {
			n = len(prevFields)
		}
		overlap := strings.Join(prevFields[len(prevFields)-n:], " ")
		chunks[i].text = overlap + "\n" + chunks[i].text
	}
	return chunks
}

// buildChunks turns packed blocks into DocChunks, attaching the reserved
// metadata keys.
func buildChunks(chunkerName, path, ext, lang string, blocks []block) []packet.DocChunk {
	out := make([]packet.DocChunk, len(blocks))
	for i, b := range blocks {
		out[i] = packet.NewDocChunk(chunkID(path, i), b.text, map[string]any{
			packet.MetaPath:      path,
			packet.MetaExt:       ext,
			packet.MetaLineStart: b.lineStart,
			packet.MetaLineEnd:   b.lineEnd,
			packet.MetaChunker:   chunkerName,
			packet.MetaLang:      lang,
		})
	}
	return out
}
