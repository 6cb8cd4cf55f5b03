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

// javaChunker splits Java source into top-level brace blocks by tracking
// brace depth line by line. No Java grammar is bundled with go-tree-sitter
// in this module's dependency set, so this stays a stdlib brace-depth scan
// rather than an AST walk — the same boundary the teacher's own fallback
// parser (pkg/ingestion/parser.go) draws for languages without a grammar.
type javaChunker struct{}

// NewJavaChunker returns the brace-depth Java chunker.
func NewJavaChunker() Chunker { return javaChunker{} }

func (javaChunker) Name() string { return "java-brace" }

func (javaChunker) Chunk(cfg Config, path, content string) ([]packet.DocChunk, error) {
	blocks := braceDepthBlocks(content, 1)
	packed := packGreedy(blocks, cfg)
	return buildChunks("java-brace", path, extOf(path), "java", packed), nil
}

// braceDepthBlocks splits content into blocks that close back to depth 0 no
// deeper than cutDepth (1 = only top-level class/method bodies are kept
// whole; deeper nesting stays inside its enclosing block).
func braceDepthBlocks(content string, cutDepth int) []block {
	lines := splitLines(content)
	var blocks []block
	var cur []string
	depth := 0
	start := 1
	sawOpenAtCutDepth := false

	for i, line := range lines {
		lineNo := i + 1
		cur = append(cur, line)
		for _, r := range line {
			switch r {
			case '{':
				depth++
				if depth == cutDepth {
					sawOpenAtCutDepth = true
				}
			case '}':
				if depth > 0 {
					depth--
				}
			}
		}
		if sawOpenAtCutDepth && depth == 0 {
			blocks = append(blocks, block{text: strings.Join(cur, "\n"), lineStart: start, lineEnd: lineNo})
			cur = nil
			start = lineNo + 1
			sawOpenAtCutDepth = false
		}
	}
	if len(cur) > 0 {
		blocks = append(blocks, block{text: strings.Join(cur, "\n"), lineStart: start, lineEnd: len(lines)})
	}
	return blocks
}
