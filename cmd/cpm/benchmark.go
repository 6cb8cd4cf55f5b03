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
	"time"

	flag "github.com/spf13/pflag"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/internal/ui"
	"github.com/kraklabs/cpm/pkg/benchmark"
	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/retrieval"
)

// runBenchmark dispatches 'benchmark run' and 'benchmark trend'.
func runBenchmark(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cpm benchmark run|trend [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		runBenchmarkRun(args[1:], globals)
	case "trend":
		runBenchmarkTrend(args[1:], globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown benchmark subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

// runBenchmarkRun implements 'cpm benchmark run' (spec.md §4.12's KPI gate).
func runBenchmarkRun(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("benchmark run", flag.ExitOnError)
	runs := fs.Int("runs", 3, "Number of query repetitions to sample")
	k := fs.Int("k", 10, "Number of hits per query")
	indexer := fs.String("indexer", "", "Named indexer")
	reranker := fs.String("reranker", "", "Named reranker")
	provider := fs.String("provider", "", "Embedding provider")
	minCitationCoverage := fs.Float64("min-citation-coverage", 0, "KPI gate: fail below this citation coverage ratio")
	maxLatencyP95 := fs.Float64("max-latency-p95", 0, "KPI gate: fail above this p95 latency (ms)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm benchmark run <packet> <text> [options]

Description:
  Run a query repeatedly and report latency/citation-coverage/token KPIs
  (spec.md §4.12). With --min-citation-coverage or --max-latency-p95 set,
  exits non-zero if the sampled report violates the gate.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing arguments", "packet and query text are required", "", nil), globals.JSON)
	}

	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)

	client, model, err := embedClientForProvider(wc, *provider)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	engine := retrieval.New(ws)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := benchmark.Run(ctx, engine, benchmark.RunOptions{
		Packet: fs.Arg(0), Query: fs.Arg(1), Runs: *runs, K: *k,
		Indexer: *indexer, Reranker: *reranker,
		Embed: client, EmbedOpts: embedclient.Options{Model: model},
		Registry: registryClient(wc),
		MinCitationCoverage: *minCitationCoverage, MaxLatencyMsP95: *maxLatencyP95,
	})
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	path, err := benchmark.Save(ws.StateBenchmarksDir(), report, time.Now())
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		ui.Success("benchmark saved to %s", path)
		fmt.Printf("  success_rate:          %.2f\n", report.SuccessRate)
		fmt.Printf("  latency_ms_avg/p95:    %.2f / %.2f\n", report.LatencyMsAvg, report.LatencyMsP95)
		fmt.Printf("  token_avg:             %.2f\n", report.TokenAvg)
		fmt.Printf("  citation_coverage_avg: %.4f\n", report.CitationCoverageAvg)
		for _, f := range report.KPIFailures {
			ui.Error("KPI failure: %s", f)
		}
	}
	if len(report.KPIFailures) > 0 {
		os.Exit(1)
	}
}

// runBenchmarkTrend implements 'cpm benchmark trend'.
func runBenchmarkTrend(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("benchmark trend", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Number of most recent benchmark reports to summarize")
	metrics := fs.StringSlice("metric", nil, "Metric to summarize (repeatable; default: latency/citation/token set)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm benchmark trend [options]\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ws := requireWorkspace(globals)
	trend, err := benchmark.LoadTrend(ws.StateBenchmarksDir(), *limit, *metrics)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(trend)
		return
	}

	ui.Info("%d report(s): %s .. %s", trend.Reports, trend.FirstReport, trend.LastReport)
	for name, m := range trend.Metrics {
		fmt.Printf("  %-24s avg=%.4f min=%.4f max=%.4f delta=%+.4f\n", name, m.Avg, m.Min, m.Max, m.Delta)
	}
}
