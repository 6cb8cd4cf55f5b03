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

package benchmark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/packet"
	"github.com/kraklabs/cpm/pkg/retrieval"
	"github.com/kraklabs/cpm/pkg/workspace"
)

func newStubEmbedPool(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Texts))
		for i := range req.Texts {
			vectors[i] = vec
		}
		_ = json.NewEncoder(w).Encode(struct {
			Vectors [][]float32 `json:"vectors"`
		}{Vectors: vectors})
	}))
}

func newFixtureEngine(t *testing.T) (*retrieval.Engine, string, *embedclient.Client) {
	t.Helper()
	srv := newStubEmbedPool(t, []float32{1, 0})
	t.Cleanup(srv.Close)

	packetDir := t.TempDir()
	chunks := []packet.DocChunk{
		packet.NewDocChunk("a", "alpha document", nil),
		packet.NewDocChunk("b", "beta document", nil),
	}
	require.NoError(t, packet.WriteDocsJSONL(filepath.Join(packetDir, "docs.jsonl"), chunks))
	require.NoError(t, packet.WriteVectorsF16(filepath.Join(packetDir, "vectors.f16.bin"), [][]float32{{1, 0}, {0, 1}}, 2))
	require.NoError(t, packet.SaveManifest(filepath.Join(packetDir, "manifest.json"), &packet.Manifest{
		SchemaVersion: packet.ManifestSchemaVersion,
		Embedding:     packet.EmbeddingInfo{Dim: 2, Model: "stub-model"},
	}))

	root := t.TempDir()
	ws, err := workspace.Open(root)
	require.NoError(t, err)
	require.NoError(t, ws.EnsureLayout())

	engine := retrieval.New(ws)
	embed := embedclient.New(srv.URL, embedclient.ModeEmbedPool, "")
	return engine, packetDir, embed
}

func TestRun_ProducesSuccessRateAndResultCount(t *testing.T) {
	engine, packetDir, embed := newFixtureEngine(t)

	report, err := Run(context.Background(), engine, RunOptions{
		Packet: packetDir, Query: "find alpha", Runs: 3, K: 2, Embed: embed,
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.Runs)
	require.InDelta(t, 1.0, report.SuccessRate, 1e-9)
	require.Equal(t, 2, report.ResultCount)
	require.Empty(t, report.KPIFailures)
}

func TestRun_KPIGateFailsOnLatencyThreshold(t *testing.T) {
	engine, packetDir, embed := newFixtureEngine(t)

	report, err := Run(context.Background(), engine, RunOptions{
		Packet: packetDir, Query: "find alpha", Runs: 2, K: 2, Embed: embed,
		MaxLatencyMsP95: 0.000001, // far below any real query latency, forces a KPI failure
	})
	require.NoError(t, err)
	require.NotEmpty(t, report.KPIFailures)
}

func TestRun_KPIGateFailsOnCitationCoverageThreshold(t *testing.T) {
	engine, packetDir, embed := newFixtureEngine(t)

	report, err := Run(context.Background(), engine, RunOptions{
		Packet: packetDir, Query: "find alpha", Runs: 2, K: 2, Embed: embed,
		MinCitationCoverage: 2.0, // impossible to satisfy, forces a KPI failure
	})
	require.NoError(t, err)
	require.NotEmpty(t, report.KPIFailures)
}

func TestSave_WritesTimestampedReport(t *testing.T) {
	dir := t.TempDir()
	report := &Report{OK: true, Runs: 3, LatencyMsAvg: 12.5}
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	path, err := Save(dir, report, ts)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Contains(t, filepath.Base(path), "20260501T120000")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var loaded Report
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.Equal(t, report.Runs, loaded.Runs)
}

func TestLoadTrend_ReducesMetricsAcrossSnapshots(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	values := []float64{10, 20, 30}
	for i, v := range values {
		_, err := Save(dir, &Report{LatencyMsAvg: v}, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	trend, err := LoadTrend(dir, 20, []string{"latency_ms_avg"})
	require.NoError(t, err)
	require.Equal(t, 3, trend.Reports)
	mt := trend.Metrics["latency_ms_avg"]
	require.InDelta(t, 20.0, mt.Avg, 1e-9)
	require.InDelta(t, 10.0, mt.Min, 1e-9)
	require.InDelta(t, 30.0, mt.Max, 1e-9)
	require.InDelta(t, 20.0, mt.Delta, 1e-9)
}

func TestLoadTrend_RespectsLimit(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := Save(dir, &Report{LatencyMsAvg: float64(i)}, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	trend, err := LoadTrend(dir, 2, []string{"latency_ms_avg"})
	require.NoError(t, err)
	require.Equal(t, 2, trend.Reports)
}

func TestLoadTrend_MissingDirectoryErrors(t *testing.T) {
	_, err := LoadTrend(filepath.Join(t.TempDir(), "does-not-exist"), 20, nil)
	require.Error(t, err)
}
