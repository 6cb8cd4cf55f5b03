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

package chunk

import (
	"strings"

	"github.com/kraklabs/cpm/pkg/packet"
)

// plainTextChunker packs lines with no structural awareness: every line is
// its own block, handed to the shared greedy packer. This is the chunker
// for prose (.txt) and any extension with no more specific dispatch rule.
type plainTextChunker struct{}

// NewPlainTextChunker returns the line-based plain-text chunker.
func NewPlainTextChunker() Chunker { return plainTextChunker{} }

func (plainTextChunker) Name() string { return "plaintext" }

func (plainTextChunker) Chunk(cfg Config, path, content string) ([]packet.DocChunk, error) {
	lines := splitLines(content)
	blocks := make([]block, 0, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		blocks = append(blocks, block{text: line, lineStart: i + 1, lineEnd: i + 1})
	}
	packed := packGreedy(blocks, cfg)
	return buildChunks("plaintext", path, extOf(path), "", packed), nil
}

// bracefallbackChunker is the fallback for brace-delimited languages with
// no bundled grammar (C, C++, Rust, etc.): the same brace-depth scan as the
// Java chunker, generalized to an unlabeled "lang" metadata field.
type bracefallbackChunker struct{}

// NewBraceFallbackChunker returns the generic brace-depth fallback chunker.
func NewBraceFallbackChunker() Chunker { return bracefallbackChunker{} }

func (bracefallbackChunker) Name() string { return "brace-fallback" }

func (bracefallbackChunker) Chunk(cfg Config, path, content string) ([]packet.DocChunk, error) {
	blocks := braceDepthBlocks(content, 1)
	packed := packGreedy(blocks, cfg)
	return buildChunks("brace-fallback", path, extOf(path), "", packed), nil
}

// fallbackChunker is the router's last resort when no extension rule
// matches: the plain-text line packer, packing lines into chunks of about
// cfg.ChunkTokens tokens, with its chunker metadata set to "fallback".
type fallbackChunker struct{}

// NewFallbackChunker returns the router's default chunker.
func NewFallbackChunker() Chunker { return fallbackChunker{} }

func (fallbackChunker) Name() string { return "fallback" }

func (f fallbackChunker) Chunk(cfg Config, path, content string) ([]packet.DocChunk, error) {
	chunks, err := plainTextChunker{}.Chunk(cfg, path, content)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Metadata[packet.MetaChunker] = f.Name()
	}
	return chunks, nil
}
