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

// markdownChunker splits on ATX headers (# .. ######), each section
// becoming a block that is packed on its own, so two sections never share a
// chunk; a section over cfg.HardCapTokens is split by lines (spec.md §4.4).
// cfg.IncludeContextInChildren changes nothing here: every section block
// already begins with its own header line, and the pieces of a split
// section do not get the header repeated.
type markdownChunker struct{}

// NewMarkdownChunker returns the Markdown section chunker.
func NewMarkdownChunker() Chunker { return markdownChunker{} }

func (markdownChunker) Name() string { return "markdown" }

func (markdownChunker) Chunk(cfg Config, path, content string) ([]packet.DocChunk, error) {
	lines := splitLines(content)
	var blocks []block
	var cur []string
	start := 1
	header := ""

	flush := func(end int) {
		if len(cur) == 0 {
			return
		}
		text := strings.Join(cur, "\n")
		if cfg.IncludeContextInChildren && header != "" && !strings.HasPrefix(strings.TrimSpace(text), header) {
			text = header + "\n" + text
		}
		blocks = append(blocks, block{text: text, lineStart: start, lineEnd: end})
		cur = nil
	}

	for i, line := range lines {
		lineNo := i + 1
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush(lineNo - 1)
			header = strings.TrimSpace(line)
			start = lineNo
		}
		cur = append(cur, line)
	}
	flush(len(lines))

	if len(blocks) == 0 && content != "" {
		blocks = []block{{text: content, lineStart: 1, lineEnd: len(lines)}}
	}

	var packed []block
	for _, b := range blocks {
		packed = append(packed, packGreedy([]block{b}, cfg)...)
	}
	return buildChunks("markdown", path, extOf(path), "markdown", packed), nil
}
