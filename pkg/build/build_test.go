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

package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/lockfile"
	"github.com/kraklabs/cpm/pkg/packet"
)

// fakeEmbedder returns a fixed-dim deterministic vector per text, and
// counts how many texts it was asked to embed across all calls.
type fakeEmbedder struct {
	dim    int
	calls  int
	nTexts int
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string, _ embedclient.Options) ([][]float32, error) {
	f.calls++
	f.nTexts += len(texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		for d := range v {
			v[d] = float32(len(t)+d) + 1
		}
		out[i] = v
	}
	return out, nil
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedTexts(context.Context, []string, embedclient.Options) ([][]float32, error) {
	return nil, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "embedder unreachable" }

func writeSourceTree(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world\nsecond line\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("# Title\nbody text here\n"), 0o600))
}

func baseOpts(srcDir, packetDir string) Options {
	return Options{
		SourceDir: srcDir, PacketDir: packetDir, Name: "docs", Version: "1.0.0",
		Provider: "openai", Model: "text-embedding-3-small", MaxSeqLength: 8192,
		Normalize: true, Dtype: embedclient.DtypeFloat16, BuildProfile: "default", CpmVersion: "0.1.0",
	}
}

func TestRun_FullBuildWritesArtifactsAndLockfile(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)
	packetDir := t.TempDir()

	emb := &fakeEmbedder{dim: 4}
	res, err := Run(context.Background(), emb, baseOpts(src, packetDir))
	require.NoError(t, err)
	assert.False(t, res.BuildFailed)
	assert.Equal(t, res.DocsCount, res.Embedded)
	assert.Equal(t, 0, res.Reused)

	for _, f := range []string{"docs.jsonl", "vectors.f16.bin", filepath.Join("faiss", "index.faiss"), "cpm.yml", "manifest.json", "packet.lock.json"} {
		_, statErr := os.Stat(filepath.Join(packetDir, f))
		assert.NoError(t, statErr, f)
	}

	lf, err := lockfile.Load(filepath.Join(packetDir, "packet.lock.json"))
	require.NoError(t, err)
	assert.Equal(t, "docs", lf.Packet.Name)
	assert.NotEmpty(t, lf.Packet.ResolvedPacketID)
	assert.NotEmpty(t, lf.Artifacts.EmbeddingsHash)
}

func TestRun_IncrementalRebuildReusesUnchangedChunks(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)
	packetDir := t.TempDir()

	emb := &fakeEmbedder{dim: 4}
	_, err := Run(context.Background(), emb, baseOpts(src, packetDir))
	require.NoError(t, err)
	firstCalls := emb.nTexts

	// Rebuild with no source changes: everything should come from cache.
	res, err := Run(context.Background(), emb, baseOpts(src, packetDir))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, res.DocsCount, res.Reused)
	assert.Equal(t, firstCalls, emb.nTexts, "no new texts should have been embedded")
}

func TestRun_IncrementalRebuildEmbedsOnlyChangedFile(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)
	packetDir := t.TempDir()

	emb := &fakeEmbedder{dim: 4}
	_, err := Run(context.Background(), emb, baseOpts(src, packetDir))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a brand new line\nand another\n"), 0o600))
	res, err := Run(context.Background(), emb, baseOpts(src, packetDir))
	require.NoError(t, err)
	assert.Greater(t, res.Embedded, 0)
	assert.Greater(t, res.Reused, 0)
}

func TestRun_EmbedderFailureWritesMinimalManifest(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)
	packetDir := t.TempDir()

	_, err := Run(context.Background(), failingEmbedder{}, baseOpts(src, packetDir))
	require.Error(t, err)

	m, loadErr := packet.LoadManifest(filepath.Join(packetDir, "manifest.json"))
	require.NoError(t, loadErr)
	assert.Equal(t, 0, m.Embedding.Dim)
	assert.Equal(t, 0, m.Counts.Vectors)
	assert.Equal(t, `"embedding_failed"`, string(m.Extras["build_status"]))
}

func TestRun_PlanMismatchFailsWithoutUpdateLock(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)
	packetDir := t.TempDir()

	emb := &fakeEmbedder{dim: 4}
	opts := baseOpts(src, packetDir)
	_, err := Run(context.Background(), emb, opts)
	require.NoError(t, err)

	// Change the source_dir ref so the plan's inputs diverge from the lock.
	otherSrc := t.TempDir()
	writeSourceTree(t, otherSrc)
	opts2 := baseOpts(otherSrc, packetDir)
	_, err = Run(context.Background(), emb, opts2)
	var mismatch *lockfile.PlanMismatchError
	require.ErrorAs(t, err, &mismatch)

	opts2.UpdateLock = true
	_, err = Run(context.Background(), emb, opts2)
	assert.NoError(t, err)
}
