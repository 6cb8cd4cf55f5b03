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

// Package retrieval implements the query/replay/diff pipeline of spec.md
// §4.11: packet resolution (by path, name@version, as-of timestamp, or
// source URI), query embedding, named indexer/reranker dispatch, bounded
// citation context compilation, and a deterministic output hash.
package retrieval

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/canon"
	"github.com/kraklabs/cpm/pkg/chunk"
	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/feature"
	"github.com/kraklabs/cpm/pkg/index"
	"github.com/kraklabs/cpm/pkg/install"
	"github.com/kraklabs/cpm/pkg/packet"
	"github.com/kraklabs/cpm/pkg/registry"
	"github.com/kraklabs/cpm/pkg/store"
	"github.com/kraklabs/cpm/pkg/workspace"
)

// DefaultIndexer and DefaultReranker are spec.md §4.11's defaults.
const (
	DefaultIndexer          = "faiss-flatip"
	DefaultReranker         = "none"
	DefaultMaxContextTokens = 6000
	NativeRetriever         = "cpm:native-retriever"
)

// Indexer is the interface a non-default named indexer must implement to be
// dispatched through the feature registry.
type Indexer interface {
	Search(vectors [][]float32, dim int, query []float32, k int) ([]index.Result, error)
}

// RerankFunc reorders (or annotates) hits; "none" is the identity function.
type RerankFunc func(hits []Hit) []Hit

// Hit is one scored search result (spec.md §3/§4.11 step 6).
type Hit struct {
	ID       int            `json:"id"`
	Score    float32        `json:"score"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Snippet is one citation-bounded entry of the compiled context.
type Snippet struct {
	Citation string `json:"citation"`
	ID       int    `json:"id"`
	Text     string `json:"text"`
}

// CompiledContext is the greedily-packed context of spec.md §4.11 step 8.
type CompiledContext struct {
	TokenEstimate int       `json:"token_estimate"`
	CoreSnippets  []Snippet `json:"core_snippets"`
}

// Options configures Query.
type Options struct {
	Packet           string // absolute dir, "name[@version]", or a dir://|oci:// source URI
	Query            string
	K                int
	Indexer          string
	Reranker         string
	SelectedModel    string
	DefaultProvider  string
	MaxContextTokens int
	AsOf             *time.Time

	Embed     *embedclient.Client
	EmbedOpts embedclient.Options

	Registry *registry.Client  // for oci:// source URIs
	Features *feature.Registry // for non-default indexer/reranker/retriever dispatch
}

// Result is the full query outcome, including the replay hash.
type Result struct {
	Packet          string          `json:"packet"`
	Query           string          `json:"query"`
	K               int             `json:"k"`
	Indexer         string          `json:"indexer"`
	Reranker        string          `json:"reranker"`
	Retriever       string          `json:"retriever"`
	SelectedModel   string          `json:"selected_model"`
	Results         []Hit           `json:"results"`
	CompiledContext CompiledContext `json:"compiled_context"`
	OutputHash      string          `json:"output_hash"`
	Warnings        []string        `json:"warnings,omitempty"`
}

// hashPayload is exactly the shape spec.md §4.11 step 9 hashes.
type hashPayload struct {
	Packet          string          `json:"packet"`
	Query           string          `json:"query"`
	K               int             `json:"k"`
	Indexer         string          `json:"indexer"`
	Reranker        string          `json:"reranker"`
	SelectedModel   string          `json:"selected_model"`
	Results         []Hit           `json:"results"`
	CompiledContext CompiledContext `json:"compiled_context"`
}

// Engine runs the retrieval pipeline atop a workspace.
type Engine struct {
	ws        *workspace.Workspace
	store     *store.Store
	installer *install.Installer
}

// New returns an Engine backed by ws.
func New(ws *workspace.Workspace) *Engine {
	return &Engine{ws: ws, store: store.New(ws), installer: install.New(ws)}
}

type resolvedPacket struct {
	Dir     string
	Name    string
	Version string
}

// Query implements spec.md §4.11's 9-step algorithm.
func (e *Engine) Query(ctx context.Context, opts Options) (*Result, error) {
	if opts.K <= 0 {
		opts.K = 10
	}
	indexerName := opts.Indexer
	if indexerName == "" {
		indexerName = DefaultIndexer
	}
	rerankerName := opts.Reranker
	if rerankerName == "" {
		rerankerName = DefaultReranker
	}
	maxTokens := opts.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}

	var warnings []string

	// Step 1: resolve packet_dir.
	rp, err := e.resolvePacket(ctx, opts.Packet, opts.AsOf, opts.Registry)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(rp.Dir, "manifest.json")
	sourceManifest, err := packet.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	// Step 2: auto-write an install-lock if missing.
	suggestedRetriever := suggestedRetrieverOf(sourceManifest)
	if rp.Name != "" {
		if _, err := e.installer.ReadLock(rp.Name); err != nil {
			lock := &install.Lock{
				Name:               rp.Name,
				Version:            rp.Version,
				SelectedModel:      sourceManifest.Embedding.Model,
				SelectedProvider:   opts.DefaultProvider,
				SuggestedRetriever: suggestedRetriever,
				InstalledAt:        time.Now().UTC().Format("20060102T150405.000000Z"),
			}
			_ = e.writeAutoLock(rp.Name, lock)
		}
	}

	// Step 3: retriever fallback.
	retrieverName := NativeRetriever
	if suggestedRetriever != "" {
		if opts.Features != nil {
			if _, resolveErr := opts.Features.Resolve(suggestedRetriever); resolveErr == nil {
				retrieverName = suggestedRetriever
			} else {
				warnings = append(warnings, "suggested retriever '"+suggestedRetriever+"' is not installed, falling back to "+NativeRetriever)
			}
		} else {
			warnings = append(warnings, "suggested retriever '"+suggestedRetriever+"' is not installed, falling back to "+NativeRetriever)
		}
	}

	// Step 4: load docs + vector index; determine model_name.
	docs, err := packet.ReadDocsJSONL(filepath.Join(rp.Dir, "docs.jsonl"))
	if err != nil {
		return nil, err
	}
	vectors, err := packet.ReadVectorsF16(filepath.Join(rp.Dir, "vectors.f16.bin"), sourceManifest.Embedding.Dim)
	if err != nil {
		return nil, err
	}
	selectedModel := opts.SelectedModel
	if selectedModel == "" {
		selectedModel = sourceManifest.Embedding.Model
	}

	// Step 5: embed the query.
	if opts.Embed == nil {
		return nil, cpmerrors.NewConfigError("No embedding client configured", "query requires an embed client to embed the query text", "Configure an embed_url/embed_mode", nil)
	}
	embedOpts := opts.EmbedOpts
	embedOpts.Model = selectedModel
	embedOpts.Normalize = true
	embedOpts.Dtype = embedclient.DtypeFloat32
	queryVecs, err := opts.Embed.EmbedTexts(ctx, []string{opts.Query}, embedOpts)
	if err != nil {
		return nil, err
	}
	if len(queryVecs) != 1 {
		return nil, cpmerrors.NewRuntimeError("Embedding failed", "query embedding did not return exactly one vector", "", nil)
	}
	queryVec := queryVecs[0]

	// Step 6: search.
	searchResults, err := e.search(indexerName, vectors, sourceManifest.Embedding.Dim, queryVec, opts.K, opts.Features)
	if err != nil {
		return nil, err
	}
	hits := buildHits(searchResults, docs)

	// Step 7: rerank.
	rerank, err := e.resolveReranker(rerankerName, opts.Features)
	if err != nil {
		return nil, err
	}
	hits = rerank(hits)
	if degenerateScores(hits) {
		warnings = append(warnings, "degenerate scores")
	}

	// Step 8: compile a bounded citation context.
	compiled := compileContext(hits, maxTokens)

	// Step 9: compute the deterministic output hash.
	payload := hashPayload{
		Packet:          opts.Packet,
		Query:           opts.Query,
		K:               opts.K,
		Indexer:         indexerName,
		Reranker:        rerankerName,
		SelectedModel:   selectedModel,
		Results:         hits,
		CompiledContext: compiled,
	}
	hash, err := canon.Hash(payload)
	if err != nil {
		return nil, err
	}

	return &Result{
		Packet:          opts.Packet,
		Query:           opts.Query,
		K:               opts.K,
		Indexer:         indexerName,
		Reranker:        rerankerName,
		Retriever:       retrieverName,
		SelectedModel:   selectedModel,
		Results:         hits,
		CompiledContext: compiled,
		OutputHash:      hash,
		Warnings:        warnings,
	}, nil
}

// Replay re-runs the query described by opts (the caller passes the same
// Options the original query used; no log is read) and reports whether the
// freshly computed hash equals recordedHash.
func (e *Engine) Replay(ctx context.Context, opts Options, recordedHash string) (bool, *Result, error) {
	result, err := e.Query(ctx, opts)
	if err != nil {
		return false, nil, err
	}
	return result.OutputHash == recordedHash, result, nil
}

func (e *Engine) resolvePacket(ctx context.Context, packetSpec string, asOf *time.Time, reg *registry.Client) (resolvedPacket, error) {
	switch {
	case packetSpec == "":
		return resolvedPacket{}, cpmerrors.NewInputError("Missing packet", "query requires a packet path, name[@version], or source URI", "", nil)
	case filepath.IsAbs(packetSpec):
		return resolvedPacket{Dir: packetSpec, Name: filepath.Base(packetSpec)}, nil
	case strings.Contains(packetSpec, "://"):
		return e.resolveSourceURI(ctx, packetSpec, reg)
	default:
		name, ver := splitNameVersion(packetSpec)
		if asOf != nil {
			lock, err := e.installer.HistoricalLock(name, *asOf)
			if err != nil {
				return resolvedPacket{}, err
			}
			ver = lock.Version
		} else {
			var target *string
			if ver != "" {
				target = &ver
			}
			resolvedVer, err := e.store.Resolve(name, target)
			if err != nil {
				return resolvedPacket{}, err
			}
			ver = resolvedVer
		}
		return resolvedPacket{Dir: e.store.VersionDir(name, ver), Name: name, Version: ver}, nil
	}
}

func splitNameVersion(spec string) (name, version string) {
	if idx := strings.LastIndex(spec, "@"); idx >= 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, ""
}

// resolveSourceURI fetches a dir:// or oci:// packet into a content-addressed
// cache directory under cache/objects/, keyed by sha256(uri).
func (e *Engine) resolveSourceURI(ctx context.Context, uri string, reg *registry.Client) (resolvedPacket, error) {
	key := canon.HashBytes([]byte(uri))
	dest := filepath.Join(e.ws.ObjectsCacheDir(), key)
	if _, statErr := os.Stat(filepath.Join(dest, "manifest.json")); statErr == nil {
		return resolvedPacket{Dir: dest, Name: key}, nil
	}

	switch {
	case strings.HasPrefix(uri, "dir://"):
		src := strings.TrimPrefix(uri, "dir://")
		if err := copyTree(src, dest); err != nil {
			return resolvedPacket{}, err
		}
	case strings.HasPrefix(uri, "oci://"):
		if reg == nil {
			return resolvedPacket{}, cpmerrors.NewConfigError("No registry configured", "query requires an OCI registry client to fetch an oci:// packet", "", nil)
		}
		ref, err := registry.ParseRef(uri)
		if err != nil {
			return resolvedPacket{}, err
		}
		digest, err := reg.Resolve(ctx, ref)
		if err != nil {
			return resolvedPacket{}, err
		}
		ref.Digest = digest
		tmpDir, err := os.MkdirTemp("", "cpm-query-fetch-*")
		if err != nil {
			return resolvedPacket{}, err
		}
		defer os.RemoveAll(tmpDir)
		if _, err := reg.Pull(ctx, ref, tmpDir); err != nil {
			return resolvedPacket{}, err
		}
		if err := copyTree(filepath.Join(tmpDir, "packet", "payload"), dest); err != nil {
			return resolvedPacket{}, err
		}
	default:
		return resolvedPacket{}, cpmerrors.NewInputError("Unsupported source scheme", "query's source URI must use dir:// or oci://", "", nil)
	}
	return resolvedPacket{Dir: dest, Name: key}, nil
}

func (e *Engine) writeAutoLock(name string, lock *install.Lock) error {
	return e.installer.WriteLock(name, lock)
}

func suggestedRetrieverOf(m *packet.Manifest) string {
	raw, ok := m.Extras["suggested_retriever"]
	if !ok {
		return ""
	}
	s := strings.Trim(string(raw), `"`)
	return s
}

// search dispatches to the default brute-force flat index, or to a
// feature-registered Indexer for any other name.
func (e *Engine) search(name string, vectors [][]float32, dim int, query []float32, k int, features *feature.Registry) ([]index.Result, error) {
	if name == "" || name == DefaultIndexer {
		flat, err := index.New(dim, vectors)
		if err != nil {
			return nil, err
		}
		return flat.Search(query, k)
	}
	if features == nil {
		return nil, cpmerrors.NewResolutionError("Indexer not found", "No feature registry configured to resolve indexer '"+name+"'", "", nil)
	}
	entry, err := features.Resolve(name)
	if err != nil {
		return nil, err
	}
	idx, ok := entry.Target.(Indexer)
	if !ok {
		return nil, cpmerrors.NewResolutionError("Invalid indexer", "Feature '"+name+"' does not implement the retrieval Indexer interface", "", nil)
	}
	return idx.Search(vectors, dim, query, k)
}

func (e *Engine) resolveReranker(name string, features *feature.Registry) (RerankFunc, error) {
	switch name {
	case "", DefaultReranker:
		return func(hits []Hit) []Hit { return hits }, nil
	case "token-diversity":
		return tokenDiversityRerank, nil
	}
	if features == nil {
		return nil, cpmerrors.NewResolutionError("Reranker not found", "No feature registry configured to resolve reranker '"+name+"'", "", nil)
	}
	entry, err := features.Resolve(name)
	if err != nil {
		return nil, err
	}
	fn, ok := entry.Target.(RerankFunc)
	if !ok {
		return nil, cpmerrors.NewResolutionError("Invalid reranker", "Feature '"+name+"' does not implement RerankFunc", "", nil)
	}
	return fn, nil
}

// tokenDiversityRerank keeps the highest-scoring hit for each distinct
// token-set signature first seen, demoting near-duplicate snippets (those
// sharing >80% of their whitespace-split tokens with an already-kept hit) to
// the tail without dropping them.
func tokenDiversityRerank(hits []Hit) []Hit {
	kept := make([]Hit, 0, len(hits))
	keptTokens := make([]map[string]bool, 0, len(hits))
	var deferred []Hit

	for _, h := range hits {
		tokens := tokenSet(h.Text)
		duplicate := false
		for _, kt := range keptTokens {
			if overlapRatio(tokens, kt) > 0.8 {
				duplicate = true
				break
			}
		}
		if duplicate {
			deferred = append(deferred, h)
			continue
		}
		kept = append(kept, h)
		keptTokens = append(keptTokens, tokens)
	}
	return append(kept, deferred...)
}

func tokenSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(text) {
		out[f] = true
	}
	return out
}

func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

func degenerateScores(hits []Hit) bool {
	if len(hits) < 2 {
		return false
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	return max-min <= 1e-6
}

// buildHits converts raw search results into Hits, filtering negative ids and
// indices out of range of the docs list (spec.md §4.11 step 6).
func buildHits(results []index.Result, docs []packet.DocChunk) []Hit {
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.ID < 0 || r.ID >= len(docs) {
			continue
		}
		doc := docs[r.ID]
		hits = append(hits, Hit{ID: r.ID, Score: r.Score, Text: doc.Text, Metadata: doc.Metadata})
	}
	return hits
}

// compileContext greedily packs hits in score order while the cumulative
// estimated token count stays within maxTokens (spec.md §4.11 step 8).
func compileContext(hits []Hit, maxTokens int) CompiledContext {
	var snippets []Snippet
	total := 0
	for _, h := range hits {
		n := chunk.EstimateTokens(h.Text)
		if total+n > maxTokens && len(snippets) > 0 {
			break
		}
		snippets = append(snippets, Snippet{Citation: citationOf(h), ID: h.ID, Text: h.Text})
		total += n
		if total > maxTokens {
			break
		}
	}
	return CompiledContext{TokenEstimate: total, CoreSnippets: snippets}
}

func citationOf(h Hit) string {
	if h.Metadata != nil {
		if path, ok := h.Metadata[packet.MetaPath]; ok {
			if s, ok := path.(string); ok && s != "" {
				return s
			}
		}
	}
	return "doc-" + strconv.Itoa(h.ID)
}

// copyTree copies a regular-file tree, used by resolveSourceURI to populate
// the content-addressed cache from a fetched packet payload.
func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(s) //nolint:gosec // G304: source resolved under a caller-supplied dir:// root or a pulled OCI payload
		if err != nil {
			return err
		}
		if err := os.WriteFile(d, data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// DiffResult is the outcome of Diff: doc id set differences, changed-content
// detection, embedding drift over the leading prefix of the two vector
// files, and a proxy nDCG delta.
type DiffResult struct {
	Added           []string `json:"added"`
	Removed         []string `json:"removed"`
	Changed         []string `json:"changed"`
	EmbeddingDrift  float64  `json:"embedding_drift"`
	DeltaNDCGProxy  float64  `json:"delta_ndcg_proxy"`
	ExceedsMaxDrift bool     `json:"exceeds_max_drift"`
}

// Diff implements spec.md §4.11's diff(left, right, max_drift?).
func Diff(leftDir, rightDir string, maxDrift *float64) (*DiffResult, error) {
	leftDocs, err := packet.ReadDocsJSONL(filepath.Join(leftDir, "docs.jsonl"))
	if err != nil {
		return nil, err
	}
	rightDocs, err := packet.ReadDocsJSONL(filepath.Join(rightDir, "docs.jsonl"))
	if err != nil {
		return nil, err
	}
	leftByID := map[string]packet.DocChunk{}
	for _, d := range leftDocs {
		leftByID[d.ID] = d
	}
	rightByID := map[string]packet.DocChunk{}
	for _, d := range rightDocs {
		rightByID[d.ID] = d
	}

	var added, removed, changed []string
	for id, r := range rightByID {
		if l, ok := leftByID[id]; !ok {
			added = append(added, id)
		} else if l.Hash != r.Hash {
			changed = append(changed, id)
		}
	}
	for id := range leftByID {
		if _, ok := rightByID[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)

	union := map[string]bool{}
	for id := range leftByID {
		union[id] = true
	}
	for id := range rightByID {
		union[id] = true
	}

	leftManifest, err := packet.LoadManifest(filepath.Join(leftDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	leftVectors, err := packet.ReadVectorsF16(filepath.Join(leftDir, "vectors.f16.bin"), leftManifest.Embedding.Dim)
	if err != nil {
		return nil, err
	}
	rightManifest, err := packet.LoadManifest(filepath.Join(rightDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	rightVectors, err := packet.ReadVectorsF16(filepath.Join(rightDir, "vectors.f16.bin"), rightManifest.Embedding.Dim)
	if err != nil {
		return nil, err
	}
	drift := embeddingDrift(leftVectors, rightVectors)

	unionSize := len(union)
	var deltaNDCG float64
	if unionSize > 0 {
		deltaNDCG = float64(len(added)+len(removed)+len(changed)) / float64(unionSize)
	}

	result := &DiffResult{
		Added:          added,
		Removed:        removed,
		Changed:        changed,
		EmbeddingDrift: drift,
		DeltaNDCGProxy: deltaNDCG,
	}
	if maxDrift != nil && drift > *maxDrift {
		result.ExceedsMaxDrift = true
	}
	return result, nil
}

// embeddingDrift computes ||L-R||_2 / min(|L|,|R|) over the leading prefix of
// two row-major vector sets, clamped to the shorter one.
func embeddingDrift(left, right [][]float32) float64 {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		row := left[i]
		other := right[i]
		m := len(row)
		if len(other) < m {
			m = len(other)
		}
		for j := 0; j < m; j++ {
			diff := float64(row[j]) - float64(other[j])
			sumSq += diff * diff
		}
	}
	return math.Sqrt(sumSq) / float64(n)
}
