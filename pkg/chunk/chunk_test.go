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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_DispatchesByExtension(t *testing.T) {
	r := NewRouter(DefaultConfig())
	assert.Equal(t, "go-treesitter", r.ChunkerFor("main.go").Name())
	assert.Equal(t, "python-treesitter", r.ChunkerFor("app.py").Name())
	assert.Equal(t, "markdown", r.ChunkerFor("README.md").Name())
	assert.Equal(t, "java-brace", r.ChunkerFor("Main.java").Name())
	assert.Equal(t, "fallback", r.ChunkerFor("unknown.xyz").Name())
}

func TestRouter_Deterministic(t *testing.T) {
	r := NewRouter(DefaultConfig())
	content := "Welcome\nThis is a sample project\nEnd"
	c1, err := r.Chunk("docs/intro.md", content)
	require.NoError(t, err)
	c2, err := r.Chunk("docs/intro.md", content)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
}

func TestPlainTextChunker_PacksByTokenBudget(t *testing.T) {
	cfg := Config{ChunkTokens: 5, HardCapTokens: 100}
	c := NewPlainTextChunker()
	content := "one two\nthree four\nfive six\nseven eight\n"
	chunks, err := c.Chunk(cfg, "notes.txt", content)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, EstimateTokens(ch.Text), 10) // budget plus at most one extra line
	}
}

func TestJavaChunker_SplitsTopLevelBlocks(t *testing.T) {
	src := `package com.example;

class Foo {
    void bar() {
        int x = 1;
    }
}

class Baz {
    void qux() {}
}
`
	c := NewJavaChunker()
	chunks, err := c.Chunk(Config{ChunkTokens: 1000, HardCapTokens: 10000}, "Foo.java", src)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 1)
}

func TestMarkdownChunker_SplitsOnHeaders(t *testing.T) {
	src := "# Title\nIntro text\n\n## Section\nBody text\n"
	c := NewMarkdownChunker()
	chunks, err := c.Chunk(Config{ChunkTokens: 1000, HardCapTokens: 10000}, "doc.md", src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "Title")
	assert.Contains(t, chunks[1].Text, "Section")
}

func TestBuildChunks_SetsReservedMetadataKeys(t *testing.T) {
	blocks := []block{{text: "hello world", lineStart: 1, lineEnd: 1}}
	chunks := buildChunks("plaintext", "a/b.txt", ".txt", "", blocks)
	require.Len(t, chunks, 1)
	md := chunks[0].Metadata
	assert.Equal(t, "a/b.txt", md["path"])
	assert.Equal(t, ".txt", md["ext"])
	assert.Equal(t, 1, md["line_start"])
	assert.Equal(t, 1, md["line_end"])
	assert.Equal(t, "plaintext", md["chunker"])
}
