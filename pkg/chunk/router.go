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

// Router dispatches a file to a Chunker by extension, falling back to the
// fallback chunker for anything unrecognized (spec.md §4.4).
type Router struct {
	cfg      Config
	byExt    map[string]Chunker
	fallback Chunker
}

// NewRouter builds the default router: one chunker per well-known
// extension, and the fallback chunker otherwise.
func NewRouter(cfg Config) *Router {
	r := &Router{cfg: cfg, byExt: map[string]Chunker{}, fallback: NewFallbackChunker()}
	goC := NewGoChunker()
	py := NewPythonChunker()
	js := NewJSChunker()
	ts := NewTSChunker()
	md := NewMarkdownChunker()
	java := NewJavaChunker()
	brace := NewBraceFallbackChunker()
	txt := NewPlainTextChunker()

	r.Register(".go", goC)
	r.Register(".py", py)
	r.Register(".js", js)
	r.Register(".jsx", js)
	r.Register(".mjs", js)
	r.Register(".ts", ts)
	r.Register(".tsx", ts)
	r.Register(".md", md)
	r.Register(".markdown", md)
	r.Register(".java", java)
	r.Register(".c", brace)
	r.Register(".h", brace)
	r.Register(".cc", brace)
	r.Register(".cpp", brace)
	r.Register(".hpp", brace)
	r.Register(".rs", brace)
	r.Register(".cs", brace)
	r.Register(".txt", txt)
	return r
}

// Register installs chunker for ext (lowercased, including the leading
// dot), overriding any previous registration.
func (r *Router) Register(ext string, chunker Chunker) {
	r.byExt[strings.ToLower(ext)] = chunker
}

// ChunkerFor returns the chunker registered for path's extension, or the
// router's fallback chunker if none is registered.
func (r *Router) ChunkerFor(path string) Chunker {
	if c, ok := r.byExt[strings.ToLower(extOf(path))]; ok {
		return c
	}
	return r.fallback
}

// Chunk dispatches path/content to the matching chunker. The result is
// deterministic: identical (path, content, Config) always yields identical
// chunk ids, text, and metadata.
func (r *Router) Chunk(path, content string) ([]packet.DocChunk, error) {
	return r.ChunkerFor(path).Chunk(r.cfg, path, content)
}
