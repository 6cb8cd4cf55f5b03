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

// Package benchmark implements runtime KPI sampling over the retrieval
// pipeline: repeated query() runs reduced to latency/token/citation-
// coverage statistics, a persisted snapshot under state/benchmarks/, a
// historical trend summary across snapshots, and the KPI gate spec.md
// §8's "benchmark run with min_citation_coverage=1.0 fails when any
// compiled snippet has an empty citation" example exercises.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/canon"
	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/feature"
	"github.com/kraklabs/cpm/pkg/registry"
	"github.com/kraklabs/cpm/pkg/retrieval"
)

// RunOptions configures one benchmark run.
type RunOptions struct {
	Packet   string
	Query    string
	Runs     int
	K        int
	Indexer  string
	Reranker string

	Embed     *embedclient.Client
	EmbedOpts embedclient.Options
	Registry  *registry.Client
	Features  *feature.Registry

	// KPI gate thresholds; zero means "not enforced".
	MinCitationCoverage float64
	MaxLatencyMsP95     float64
}

// Report is one benchmark-<ts>.json snapshot.
type Report struct {
	OK                  bool    `json:"ok"`
	Runs                int     `json:"runs"`
	SuccessRate         float64 `json:"success_rate"`
	LatencyMsAvg        float64 `json:"latency_ms_avg"`
	LatencyMsP95        float64 `json:"latency_ms_p95"`
	TokenAvg            float64 `json:"token_avg"`
	CitationCoverageAvg float64 `json:"citation_coverage_avg"`
	ResultCount         int     `json:"result_count"`
	Indexer             string  `json:"indexer"`
	Reranker            string  `json:"reranker"`
	Packet              string  `json:"packet"`
	Query               string  `json:"query"`
	PacketTreeHash      string  `json:"packet_tree_hash,omitempty"`

	// KPIFailures lists which gate thresholds this report violated; a
	// non-empty list means `cpm benchmark` should exit non-zero.
	KPIFailures []string `json:"kpi_failures,omitempty"`
}

// Run executes opts.Runs query() calls against engine and reduces the
// results to a KPI Report, mirroring
// original_source/cpm_core/builtins/benchmark.py's BenchmarkCommand.
func Run(ctx context.Context, engine *retrieval.Engine, opts RunOptions) (*Report, error) {
	runCount := opts.Runs
	if runCount <= 0 {
		runCount = 3
	}

	var durationsMs []float64
	var tokens []float64
	var citationRatios []float64
	okRuns := 0
	resultCount := 0

	for i := 0; i < runCount; i++ {
		started := time.Now()
		result, err := engine.Query(ctx, retrieval.Options{
			Packet: opts.Packet, Query: opts.Query, K: opts.K,
			Indexer: opts.Indexer, Reranker: opts.Reranker,
			Embed: opts.Embed, EmbedOpts: opts.EmbedOpts,
			Registry: opts.Registry, Features: opts.Features,
		})
		durationsMs = append(durationsMs, float64(time.Since(started).Microseconds())/1000.0)
		if err != nil {
			continue
		}
		okRuns++
		tokens = append(tokens, float64(result.CompiledContext.TokenEstimate))
		if len(result.CompiledContext.CoreSnippets) > 0 {
			cited := 0
			for _, s := range result.CompiledContext.CoreSnippets {
				if s.Citation != "" {
					cited++
				}
			}
			citationRatios = append(citationRatios, float64(cited)/float64(len(result.CompiledContext.CoreSnippets)))
		}
		if i == 0 {
			resultCount = len(result.Results)
		}
	}

	report := &Report{
		OK:                  true,
		Runs:                runCount,
		SuccessRate:         round4(float64(okRuns) / float64(runCount)),
		LatencyMsAvg:        round3(mean(durationsMs)),
		LatencyMsP95:        round3(p95(durationsMs)),
		TokenAvg:            round2(mean(tokens)),
		CitationCoverageAvg: round4(mean(citationRatios)),
		ResultCount:         resultCount,
		Indexer:             opts.Indexer,
		Reranker:            opts.Reranker,
		Packet:              opts.Packet,
		Query:               opts.Query,
	}
	if treeHash, err := canon.DirectoryTreeHash(opts.Packet); err == nil {
		report.PacketTreeHash = treeHash
	}

	applyKPIGate(report, opts)
	return report, nil
}

// applyKPIGate implements spec.md §8's KPI gate example: a non-zero
// min_citation_coverage/max threshold that the run's averages fall short
// of is recorded in KPIFailures so callers (cpm benchmark's exit code) can
// fail the run without re-deriving the comparison.
func applyKPIGate(report *Report, opts RunOptions) {
	if opts.MinCitationCoverage > 0 && report.CitationCoverageAvg < opts.MinCitationCoverage {
		report.KPIFailures = append(report.KPIFailures, fmt.Sprintf(
			"citation_coverage_avg %.4f below min_citation_coverage %.4f", report.CitationCoverageAvg, opts.MinCitationCoverage))
	}
	if opts.MaxLatencyMsP95 > 0 && report.LatencyMsP95 > opts.MaxLatencyMsP95 {
		report.KPIFailures = append(report.KPIFailures, fmt.Sprintf(
			"latency_ms_p95 %.3f above max_latency_ms_p95 %.3f", report.LatencyMsP95, opts.MaxLatencyMsP95))
	}
}

// Save writes report to state/benchmarks/benchmark-<ts>.json, ts in the
// same zero-padded UTC timestamp format as install-lock history snapshots.
func Save(benchmarksDir string, report *Report, ts time.Time) (string, error) {
	if err := os.MkdirAll(benchmarksDir, 0o750); err != nil {
		return "", cpmerrors.NewPermissionError("Cannot create benchmarks directory", err.Error(), "Check directory permissions", err)
	}
	path := filepath.Join(benchmarksDir, fmt.Sprintf("benchmark-%s.json", ts.UTC().Format("20060102T150405.000000Z")))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", cpmerrors.NewPermissionError("Cannot write benchmark report", err.Error(), "Check file permissions and disk space", err)
	}
	return path, nil
}

// DefaultTrendMetrics mirrors benchmark_trend.py's DEFAULT_METRICS.
var DefaultTrendMetrics = []string{"latency_ms_avg", "latency_ms_p95", "citation_coverage_avg", "token_avg"}

// MetricTrend is one metric's summary across a window of reports.
type MetricTrend struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Delta float64 `json:"delta"` // last - first
}

// Trend is the outcome of LoadTrend: a window of historical reports reduced
// to per-metric avg/min/max/delta.
type Trend struct {
	Reports     int                     `json:"reports"`
	FirstReport string                  `json:"first_report"`
	LastReport  string                  `json:"last_report"`
	Metrics     map[string]MetricTrend  `json:"metrics"`
}

// LoadTrend implements benchmark_trend.py's BenchmarkTrendCommand: reads
// the last limit benchmark-*.json snapshots (sorted by filename, which
// sorts chronologically given the fixed timestamp format) from
// benchmarksDir and reduces metrics to avg/min/max/delta.
func LoadTrend(benchmarksDir string, limit int, metrics []string) (*Trend, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(metrics) == 0 {
		metrics = DefaultTrendMetrics
	}

	entries, err := os.ReadDir(benchmarksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cpmerrors.NewResolutionError("No benchmark history", fmt.Sprintf("%s does not exist", benchmarksDir), "Run 'cpm benchmark' at least once first", nil)
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, cpmerrors.NewResolutionError("No benchmark reports found", benchmarksDir, "Run 'cpm benchmark' at least once first", nil)
	}
	if len(names) > limit {
		names = names[len(names)-limit:]
	}

	var reports []map[string]any
	var paths []string
	for _, name := range names {
		path := filepath.Join(benchmarksDir, name)
		data, err := os.ReadFile(path) //nolint:gosec // G304: workspace-resolved benchmarks directory
		if err != nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		reports = append(reports, payload)
		paths = append(paths, path)
	}
	if len(reports) == 0 {
		return nil, cpmerrors.NewResolutionError("No valid benchmark reports", benchmarksDir, "", nil)
	}

	trend := &Trend{Reports: len(reports), FirstReport: paths[0], LastReport: paths[len(paths)-1], Metrics: map[string]MetricTrend{}}
	for _, metric := range metrics {
		var values []float64
		for _, r := range reports {
			if v, ok := r[metric].(float64); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		trend.Metrics[metric] = MetricTrend{
			Avg:   round6(mean(values)),
			Min:   round6(minOf(values)),
			Max:   round6(maxOf(values)),
			Delta: round6(values[len(values)-1] - values[0]),
		}
	}
	return trend, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// p95 returns the 95th-percentile value using the same
// round(0.95 * (n-1)) nearest-rank index as benchmark.py's _p95.
func p95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(0.95 * float64(len(sorted)-1)))
	return sorted[idx]
}

func round2(v float64) float64 { return roundTo(v, 2) }
func round3(v float64) float64 { return roundTo(v, 3) }
func round4(v float64) float64 { return roundTo(v, 4) }
func round6(v float64) float64 { return roundTo(v, 6) }

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}
