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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/internal/ui"
	"github.com/kraklabs/cpm/pkg/feature"
	"github.com/kraklabs/cpm/pkg/retrieval"
)

func retrievalOptions(wc *workspaceConfig, packetSpec, query string, k int, indexerName, rerankerName, providerName string) (retrieval.Options, error) {
	client, model, err := embedClientForProvider(wc, providerName)
	if err != nil {
		return retrieval.Options{}, err
	}
	return retrieval.Options{
		Packet:          packetSpec,
		Query:           query,
		K:               k,
		Indexer:         indexerName,
		Reranker:        rerankerName,
		SelectedModel:   model,
		DefaultProvider: providerName,
		Embed:           client,
		Registry:        registryClient(wc),
		Features:        feature.New(),
	}, nil
}

// runQuery implements 'cpm query <packet> <text>' (spec.md §4.11).
func runQuery(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	k := fs.Int("k", 10, "Number of hits to return")
	indexer := fs.String("indexer", "", "Named indexer (default: faiss-flatip)")
	reranker := fs.String("reranker", "", "Named reranker (default: none)")
	provider := fs.String("provider", "", "Embedding provider (default: embeddings.yml's default)")
	asOf := fs.String("as-of", "", "RFC3339 timestamp: resolve the packet as it was installed at this time")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm query <packet> <text> [options]

Description:
  Run a retrieval query against an installed packet, a packet directory,
  or a source URI, and print the ranked hits plus the compiled citation
  context (spec.md §4.11).

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing arguments", "packet and query text are required", "cpm query docs \"how do I configure retries?\"", nil), globals.JSON)
	}

	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)

	opts, err := retrievalOptions(wc, fs.Arg(0), strings.Join(fs.Args()[1:], " "), *k, *indexer, *reranker, *provider)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	if *asOf != "" {
		t, err := time.Parse(time.RFC3339, *asOf)
		if err != nil {
			cpmerrors.FatalError(cpmerrors.NewInputError("Invalid --as-of", err.Error(), "Use RFC3339, e.g. 2026-01-15T00:00:00Z", err), globals.JSON)
		}
		opts.AsOf = &t
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	engine := retrieval.New(ws)
	result, err := engine.Query(ctx, opts)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	printQueryResult(globals, result)
}

// runReplay implements 'cpm replay <packet> <text> --expect-hash <hash>':
// re-runs a query and exits non-zero if the output hash has drifted
// (spec.md's replay contract: changing any hit text must fail replay).
func runReplay(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	k := fs.Int("k", 10, "Number of hits to return")
	indexer := fs.String("indexer", "", "Named indexer")
	reranker := fs.String("reranker", "", "Named reranker")
	provider := fs.String("provider", "", "Embedding provider")
	expectHash := fs.String("expect-hash", "", "Recorded output_hash to replay against (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm replay <packet> <text> --expect-hash <hash> [options]\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 || *expectHash == "" {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing arguments", "packet, query text, and --expect-hash are required", "", nil), globals.JSON)
	}

	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)

	opts, err := retrievalOptions(wc, fs.Arg(0), strings.Join(fs.Args()[1:], " "), *k, *indexer, *reranker, *provider)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine := retrieval.New(ws)
	matched, result, err := engine.Replay(ctx, opts, *expectHash)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"matched": matched, "result": result})
	} else if matched {
		ui.Success("replay matched (output_hash=%s)", result.OutputHash)
	} else {
		ui.Error("replay diverged: expected %s, got %s", *expectHash, result.OutputHash)
	}
	if !matched {
		os.Exit(1)
	}
}

// runDiff implements 'cpm diff <left-dir> <right-dir> [--max-drift f]'.
func runDiff(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	maxDrift := fs.Float64("max-drift", 0, "Maximum allowed embedding drift before diff fails (0 = unset)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm diff <left-packet-dir> <right-packet-dir> [--max-drift f]\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing arguments", "left and right packet directories are required", "", nil), globals.JSON)
	}

	var drift *float64
	if *maxDrift > 0 {
		drift = maxDrift
	}

	result, err := retrieval.Diff(fs.Arg(0), fs.Arg(1), drift)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		fmt.Printf("added:   %v\n", result.Added)
		fmt.Printf("removed: %v\n", result.Removed)
		fmt.Printf("changed: %v\n", result.Changed)
		fmt.Printf("embedding_drift: %.4f\n", result.EmbeddingDrift)
		fmt.Printf("delta_ndcg_proxy: %.4f\n", result.DeltaNDCGProxy)
		if result.ExceedsMaxDrift {
			ui.Warn("embedding drift exceeds --max-drift")
		}
	}
	if result.ExceedsMaxDrift {
		os.Exit(1)
	}
}

func printQueryResult(globals GlobalFlags, result *retrieval.Result) {
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCORE\tTEXT")
	for _, hit := range result.Results {
		fmt.Fprintf(tw, "%d\t%.4f\t%s\n", hit.ID, hit.Score, formatCell(hit.Text, 80))
	}
	_ = tw.Flush()

	fmt.Println()
	ui.Info("indexer=%s reranker=%s retriever=%s tokens=%d output_hash=%s",
		result.Indexer, result.Reranker, result.Retriever, result.CompiledContext.TokenEstimate, result.OutputHash)
	for _, w := range result.Warnings {
		ui.Warn("%s", w)
	}
}

func formatCell(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= width {
		return s
	}
	return s[:width-1] + "…"
}
