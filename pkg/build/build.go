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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kraklabs/cpm/pkg/canon"
	"github.com/kraklabs/cpm/pkg/chunk"
	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/index"
	"github.com/kraklabs/cpm/pkg/lockfile"
	"github.com/kraklabs/cpm/pkg/packet"
)

// Embedder is the subset of *embedclient.Client the pipeline depends on,
// so tests can substitute a fake without a network round trip.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string, opts embedclient.Options) ([][]float32, error)
}

// ProgressFunc is called after each named step completes, mirroring the
// teacher's ingestion progress-callback pattern.
type ProgressFunc func(step string, done, total int)

// Options configures one Run call.
type Options struct {
	SourceDir    string
	PacketDir    string // destination packet directory, created if missing
	Name         string
	Version      string
	Description  string
	Entrypoints  []string
	Provider     string
	Model        string
	MaxSeqLength int
	Normalize    bool
	Dtype        embedclient.Dtype
	BuildProfile string
	CpmVersion   string
	UpdateLock   bool // overwrite packet.lock.json even on plan divergence
	Progress     ProgressFunc
}

// Result summarizes a completed build, mirroring the teacher's
// IngestionResult shape.
type Result struct {
	PacketID   string
	DocsCount  int
	Dim        int
	Reused     int
	Embedded   int
	Removed    int
	BuildFailed bool
	FailReason string
}

func (o *Options) progress(step string, done, total int) {
	if o.Progress != nil {
		o.Progress(step, done, total)
	}
}

// Run executes the full build pipeline (spec.md §4.6): scan, chunk,
// incremental-reuse-aware embed, index, write packet artifacts, and
// resolve+write packet.lock.json.
func Run(ctx context.Context, emb Embedder, opts Options) (*Result, error) {
	if opts.PacketDir == "" {
		return nil, fmt.Errorf("build: packet_dir is required")
	}
	if err := os.MkdirAll(opts.PacketDir, 0o755); err != nil {
		return nil, err
	}
	faissDir := filepath.Join(opts.PacketDir, "faiss")
	if err := os.MkdirAll(faissDir, 0o755); err != nil {
		return nil, err
	}

	docsPath := filepath.Join(opts.PacketDir, "docs.jsonl")
	vectorsPath := filepath.Join(opts.PacketDir, "vectors.f16.bin")
	indexPath := filepath.Join(faissDir, "index.faiss")
	cpmYAMLPath := filepath.Join(opts.PacketDir, "cpm.yml")
	manifestPath := filepath.Join(opts.PacketDir, "manifest.json")
	lockPath := filepath.Join(opts.PacketDir, "packet.lock.json")

	// Step 1: scan.
	files, err := Scan(opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("build: scan: %w", err)
	}
	opts.progress("scan", len(files), len(files))

	// Step 2: chunk.
	router := chunk.NewRouter(chunk.DefaultConfig())
	var allChunks []packet.DocChunk
	for i, f := range files {
		cs, err := router.Chunk(f.RelPath, f.Content)
		if err != nil {
			return nil, fmt.Errorf("build: chunk %s: %w", f.RelPath, err)
		}
		allChunks = append(allChunks, cs...)
		opts.progress("chunk", i+1, len(files))
	}

	// Step 3: load existing cache (hash -> chunk, carrying no vector on its
	// own; the actual vector reuse happens via the parallel vectors file).
	existingManifest, _ := packet.LoadManifest(manifestPath)
	cacheCompatible := existingManifest != nil &&
		existingManifest.Embedding.Provider == opts.Provider &&
		existingManifest.Embedding.Model == opts.Model &&
		existingManifest.Embedding.MaxSeqLength == opts.MaxSeqLength

	var cachedChunks []packet.DocChunk
	var cachedVectors [][]float32
	if cacheCompatible {
		if cc, err := packet.ReadDocsJSONL(docsPath); err == nil {
			if cv, err := packet.ReadVectorsF16(vectorsPath, existingManifest.Embedding.Dim); err == nil && len(cv) == len(cc) {
				cachedChunks = cc
				cachedVectors = cv
			}
		}
	}
	cacheByHash := map[string][]float32{}
	for i, c := range cachedChunks {
		cacheByHash[c.Hash] = cachedVectors[i]
	}

	// Step 4: split into reused vs. to-embed.
	var toEmbedTexts []string
	var toEmbedIdx []int
	vectors := make([][]float32, len(allChunks))
	reused := 0
	for i, c := range allChunks {
		if v, ok := cacheByHash[c.Hash]; ok {
			vectors[i] = v
			reused++
		} else {
			toEmbedTexts = append(toEmbedTexts, c.Text)
			toEmbedIdx = append(toEmbedIdx, i)
		}
	}

	dim := 0
	if existingManifest != nil && cacheCompatible {
		dim = existingManifest.Embedding.Dim
	}

	// Step 5: embed what isn't cached. An embedder that cannot serve even a
	// single-row batch is treated as unhealthy (spec.md §4.6 step 4).
	if len(toEmbedTexts) > 0 {
		embedded, err := emb.EmbedTexts(ctx, toEmbedTexts, embedclient.Options{
			Model:        opts.Model,
			MaxSeqLength: opts.MaxSeqLength,
			Normalize:    opts.Normalize,
			Dtype:        opts.Dtype,
			InputSize:    len(toEmbedTexts),
		})
		if err != nil {
			return writeFailedManifest(opts, manifestPath, err)
		}
		for j, idx := range toEmbedIdx {
			vectors[idx] = embedded[j]
		}
		if len(embedded) > 0 {
			newDim := len(embedded[0])
			if dim != 0 && dim != newDim {
				// Model dimension changed: the whole cache is stale, re-embed everything.
				return rebuildFullOnDimChange(ctx, emb, opts, allChunks, manifestPath)
			}
			dim = newDim
		}
		opts.progress("embed", len(toEmbedTexts), len(toEmbedTexts))
	} else if dim == 0 && len(allChunks) > 0 {
		// Fully cached but dim unknown (fresh process, no manifest read); probe once.
		probe, err := emb.EmbedTexts(ctx, []string{allChunks[0].Text}, embedclient.Options{
			Model: opts.Model, MaxSeqLength: opts.MaxSeqLength, Normalize: opts.Normalize, Dtype: opts.Dtype,
		})
		if err != nil {
			return writeFailedManifest(opts, manifestPath, err)
		}
		if len(probe) > 0 {
			dim = len(probe[0])
		}
	}

	removed := len(cachedChunks) - reused
	if removed < 0 {
		removed = 0
	}

	// Step 6: build the cosine/IP flat index. Vectors are L2-normalized so
	// inner product equals cosine similarity.
	for _, v := range vectors {
		index.Normalize(v)
	}
	idx, err := index.New(dim, vectors)
	if err != nil {
		return nil, fmt.Errorf("build: index: %w", err)
	}

	// Step 7: write packet artifacts.
	if err := packet.WriteDocsJSONL(docsPath, allChunks); err != nil {
		return nil, fmt.Errorf("build: write docs.jsonl: %w", err)
	}
	if err := packet.WriteVectorsF16(vectorsPath, vectors, dim); err != nil {
		return nil, fmt.Errorf("build: write vectors.f16.bin: %w", err)
	}
	if err := idx.Write(indexPath); err != nil {
		return nil, fmt.Errorf("build: write index.faiss: %w", err)
	}

	extCounts := ExtCounts(files)
	tags := packet.TagsFromExtCounts(extCounts)
	cpmYAML := packet.CpmYAML{
		Name:                opts.Name,
		Version:             opts.Version,
		Description:         opts.Description,
		Tags:                tags,
		Entrypoints:         opts.Entrypoints,
		EmbeddingModel:      opts.Model,
		EmbeddingDim:        dim,
		EmbeddingNormalized: opts.Normalize,
		CreatedAt:           packet.NowUTC(),
	}
	if err := packet.WriteCpmYAML(cpmYAMLPath, cpmYAML); err != nil {
		return nil, fmt.Errorf("build: write cpm.yml: %w", err)
	}

	checksums, err := packet.ComputeChecksums(opts.PacketDir, []string{
		"docs.jsonl", "vectors.f16.bin", filepath.Join("faiss", "index.faiss"), "cpm.yml",
	})
	if err != nil {
		return nil, fmt.Errorf("build: checksums: %w", err)
	}

	manifest := &packet.Manifest{
		SchemaVersion: packet.ManifestSchemaVersion,
		Embedding: packet.EmbeddingInfo{
			Provider: opts.Provider, Model: opts.Model, Dim: dim,
			Dtype: string(opts.Dtype), Normalized: opts.Normalize, MaxSeqLength: opts.MaxSeqLength,
		},
		Similarity: packet.SimilarityInfo{Space: "cosine", IndexType: "faiss-flatip"},
		Counts:     packet.Counts{Docs: len(allChunks), Vectors: len(vectors)},
		Source:     packet.SourceInfo{InputDir: opts.SourceDir, FileExtCounts: extCounts},
		CPM: packet.CPMInfo{
			Name: opts.Name, Version: opts.Version, Tags: tags,
			Entrypoints: opts.Entrypoints, Description: opts.Description,
		},
		Incremental: packet.IncrementalStats{
			Enabled: cacheCompatible, Reused: reused, Embedded: len(toEmbedTexts), Removed: removed,
		},
		Checksums: checksums,
	}

	packetID, err := canon.Hash(manifest)
	if err != nil {
		return nil, fmt.Errorf("build: packet_id: %w", err)
	}
	manifest.PacketID = packetID
	if err := packet.SaveManifest(manifestPath, manifest); err != nil {
		return nil, fmt.Errorf("build: write manifest.json: %w", err)
	}

	// Step 8: resolve the plan and write/verify packet.lock.json.
	if err := writeLockfile(opts, manifest, docsPath, vectorsPath, indexPath, manifestPath, lockPath); err != nil {
		return nil, err
	}

	return &Result{
		PacketID: packetID,
		DocsCount: len(allChunks),
		Dim:       dim,
		Reused:    reused,
		Embedded:  len(toEmbedTexts),
		Removed:   removed,
	}, nil
}

// writeFailedManifest implements spec.md §4.6 step 4's failure contract: a
// minimal manifest recording the failure, plus a wrapped error for the
// caller.
func writeFailedManifest(opts Options, manifestPath string, cause error) (*Result, error) {
	manifest := &packet.Manifest{
		SchemaVersion: packet.ManifestSchemaVersion,
		Embedding:     packet.EmbeddingInfo{Provider: opts.Provider, Model: opts.Model, Dim: 0},
		Counts:        packet.Counts{Vectors: 0},
		CPM:           packet.CPMInfo{Name: opts.Name, Version: opts.Version},
		Extras: map[string]json.RawMessage{
			"build_status": json.RawMessage(`"embedding_failed"`),
		},
	}
	_ = packet.SaveManifest(manifestPath, manifest)
	return &Result{BuildFailed: true, FailReason: cause.Error()}, fmt.Errorf("build: embed: %w", cause)
}

// rebuildFullOnDimChange discards the incremental cache and re-embeds every
// chunk, used when the model's output dimension no longer matches the
// cached vectors (spec.md §4.6 step 5).
func rebuildFullOnDimChange(ctx context.Context, emb Embedder, opts Options, allChunks []packet.DocChunk, manifestPath string) (*Result, error) {
	texts := make([]string, len(allChunks))
	for i, c := range allChunks {
		texts[i] = c.Text
	}
	vecs, err := emb.EmbedTexts(ctx, texts, embedclient.Options{
		Model: opts.Model, MaxSeqLength: opts.MaxSeqLength, Normalize: opts.Normalize, Dtype: opts.Dtype,
		InputSize: len(texts),
	})
	if err != nil {
		return writeFailedManifest(opts, manifestPath, err)
	}
	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	for _, v := range vecs {
		index.Normalize(v)
	}
	idx, err := index.New(dim, vecs)
	if err != nil {
		return nil, err
	}
	docsPath := filepath.Join(opts.PacketDir, "docs.jsonl")
	vectorsPath := filepath.Join(opts.PacketDir, "vectors.f16.bin")
	indexPath := filepath.Join(opts.PacketDir, "faiss", "index.faiss")
	if err := packet.WriteDocsJSONL(docsPath, allChunks); err != nil {
		return nil, err
	}
	if err := packet.WriteVectorsF16(vectorsPath, vecs, dim); err != nil {
		return nil, err
	}
	if err := idx.Write(indexPath); err != nil {
		return nil, err
	}
	return &Result{DocsCount: len(allChunks), Dim: dim, Embedded: len(allChunks)}, nil
}

// writeLockfile resolves the build plan, checks it against any existing
// lockfile (failing on divergence unless UpdateLock is set), and writes
// packet.lock.json.
func writeLockfile(opts Options, manifest *packet.Manifest, docsPath, vectorsPath, indexPath, manifestPath, lockPath string) error {
	sourceHash, err := canon.HashFile(docsPath)
	if err != nil {
		return err
	}
	newInputs := []lockfile.Input{{Kind: "dir", Ref: opts.SourceDir, Hash: sourceHash}}

	chunkConfigHash, err := canon.Hash(chunk.DefaultConfig())
	if err != nil {
		return err
	}
	embedConfigHash, err := canon.Hash(map[string]any{
		"model": opts.Model, "max_seq_length": opts.MaxSeqLength, "normalize": opts.Normalize, "dtype": string(opts.Dtype),
	})
	if err != nil {
		return err
	}
	indexConfigHash, err := canon.Hash(map[string]any{"space": "cosine", "index_type": "faiss-flatip"})
	if err != nil {
		return err
	}
	newPipeline := []lockfile.PipelineStep{
		{Step: "chunk", ConfigHash: chunkConfigHash},
		{Step: "embed", ConfigHash: embedConfigHash, Params: map[string]any{"model": opts.Model}},
		{Step: "index", ConfigHash: indexConfigHash},
	}

	existing, _ := lockfile.Load(lockPath)
	if err := lockfile.VerifyPlan(existing, newInputs, newPipeline, opts.UpdateLock); err != nil {
		return err
	}

	resolvedID, err := lockfile.ComputeResolvedPacketID(lockfile.ResolvedPacketIDInputs{
		Name: opts.Name, Version: opts.Version, BuildProfile: opts.BuildProfile,
		SourcePath: opts.SourceDir, ConfigHash: embedConfigHash,
	})
	if err != nil {
		return err
	}

	chunksHash, err := canon.HashFile(docsPath)
	if err != nil {
		return err
	}
	embeddingsHash, err := canon.HashFile(vectorsPath)
	if err != nil {
		return err
	}
	indexHash, err := canon.HashFile(indexPath)
	if err != nil {
		return err
	}
	manifestHash, err := canon.HashFile(manifestPath)
	if err != nil {
		return err
	}

	lf := &lockfile.Lockfile{
		LockfileVersion: lockfile.LockfileVersion,
		Packet: lockfile.PacketRef{
			Name: opts.Name, Version: opts.Version, PacketID: manifest.PacketID,
			ResolvedPacketID: resolvedID, BuildProfile: opts.BuildProfile,
		},
		Inputs:   newInputs,
		Pipeline: newPipeline,
		Models: []lockfile.ModelRef{{
			Provider: opts.Provider, Model: opts.Model, Dtype: string(opts.Dtype),
			Normalize: opts.Normalize, MaxSeqLength: opts.MaxSeqLength,
		}},
		Artifacts: lockfile.Artifacts{
			ChunksManifestHash: chunksHash, EmbeddingsHash: embeddingsHash,
			IndexHash: indexHash, PacketManifestHash: manifestHash,
		},
		Resolution: lockfile.Resolution{GeneratedAt: packet.NowUTC().Format("2006-01-02T15:04:05Z"), CpmVersion: opts.CpmVersion},
	}
	return lockfile.Save(lockPath, lf)
}
