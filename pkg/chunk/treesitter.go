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
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/kraklabs/cpm/pkg/packet"
)

// treeSitterChunker segments source text along AST top-level declaration
// boundaries (functions, types, classes), then packs the resulting blocks
// with the shared greedy, token-budgeted packer. Each supported language
// gets its own sync.Pool of parsers, mirroring the teacher's
// TreeSitterParser pooling (parsers are not safe for concurrent use).
type treeSitterChunker struct {
	name string
	lang string
	pool sync.Pool
}

func newTreeSitterChunker(name, lang string, getLang func() *sitter.Language) *treeSitterChunker {
	return &treeSitterChunker{
		name: name,
		lang: lang,
		pool: sync.Pool{New: func() any {
			p := sitter.NewParser()
			p.SetLanguage(getLang())
			return p
		}},
	}
}

// NewGoChunker returns the Go AST-boundary chunker.
func NewGoChunker() Chunker { return newTreeSitterChunker("go-treesitter", "go", golang.GetLanguage) }

// NewPythonChunker returns the Python AST-boundary chunker.
func NewPythonChunker() Chunker {
	return newTreeSitterChunker("python-treesitter", "python", python.GetLanguage)
}

// NewJSChunker returns the JavaScript AST-boundary chunker.
func NewJSChunker() Chunker {
	return newTreeSitterChunker("javascript-treesitter", "javascript", javascript.GetLanguage)
}

// NewTSChunker returns the TypeScript AST-boundary chunker.
func NewTSChunker() Chunker {
	return newTreeSitterChunker("typescript-treesitter", "typescript", typescript.GetLanguage)
}

func (c *treeSitterChunker) Name() string { return c.name }

func (c *treeSitterChunker) Chunk(cfg Config, path, content string) ([]packet.DocChunk, error) {
	parserObj := c.pool.Get()
	parser, ok := parserObj.(*sitter.Parser)
	if !ok {
		return nil, fmt.Errorf("%s: invalid parser from pool", c.name)
	}
	defer c.pool.Put(parser)

	src := []byte(content)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("%s: parse: %w", c.name, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var blocks []block
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child == nil || child.ChildCount() == 0 && child.EndByte() == child.StartByte() {
			continue
		}
		text := string(src[child.StartByte():child.EndByte()])
		if len(text) == 0 {
			continue
		}
		blocks = append(blocks, block{
			text:      text,
			lineStart: int(child.StartPoint().Row) + 1,
			lineEnd:   int(child.EndPoint().Row) + 1,
		})
	}
	if len(blocks) == 0 {
		// No top-level declarations found (e.g. empty file, or a grammar
		// that didn't match): fall back to whole-file-as-one-block so
		// packing still produces something for non-empty content.
		if content != "" {
			blocks = []block{{text: content, lineStart: 1, lineEnd: len(splitLines(content))}}
		}
	}

	packed := packGreedy(blocks, cfg)
	return buildChunks(c.name, path, extOf(path), c.lang, packed), nil
}
