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

package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/embedclient"
)

func newTestManager(t *testing.T, models []ModelSpec) *Manager {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, SavePoolFile(&PoolFile{Version: 1, Models: models}, filepath.Join(dir, "pool.yml")))
	m, err := NewManager(filepath.Join(dir, "pool.yml"), filepath.Join(dir, "embeddings.db"), 4)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	require.NoError(t, m.Start())
	return m
}

func TestEmbed_CacheHitOnSecondCall(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})

	first, err := m.Embed("local", []string{"hello", "world"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, 0, first.CacheHits)
	require.Equal(t, 2, first.CacheMiss)
	require.Len(t, first.Vectors, 2)
	require.Equal(t, 8, first.Dim)

	second, err := m.Embed("local", []string{"hello", "world"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, second.CacheHits)
	require.Equal(t, 0, second.CacheMiss)
	require.Equal(t, first.Vectors, second.Vectors)
}

func TestEmbed_PartialCacheHit(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})

	_, err := m.Embed("local", []string{"alpha"}, embedclient.Options{})
	require.NoError(t, err)

	mixed, err := m.Embed("local", []string{"alpha", "beta"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, mixed.CacheHits)
	require.Equal(t, 1, mixed.CacheMiss)
}

func TestEmbed_UnknownModel(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})
	_, err := m.Embed("does-not-exist", []string{"x"}, embedclient.Options{})
	require.Error(t, err)
}

func TestEmbed_AliasResolution(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8, Aliases: []string{"default"}}})

	direct, err := m.Embed("local", []string{"hi"}, embedclient.Options{})
	require.NoError(t, err)
	viaAlias, err := m.Embed("default", []string{"hi"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, direct.Vectors, viaAlias.Vectors)
}

func TestSetEnabled_DisablesModel(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})
	require.NoError(t, m.SetEnabled("local", false))

	pf, err := LoadPoolFile(m.poolPath)
	require.NoError(t, err)
	spec, ok := findModel(pf, "local")
	require.True(t, ok)
	require.True(t, spec.Disabled)
}

func TestReload_StartsAddedModelAndStopsRemovedModel(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})

	_, err := m.Embed("local", []string{"hello"}, embedclient.Options{})
	require.NoError(t, err)

	pf, err := LoadPoolFile(m.poolPath)
	require.NoError(t, err)
	pf.Models = []ModelSpec{{Name: "second", Driver: "local_st", Dim: 8}}
	require.NoError(t, SavePoolFile(pf, m.poolPath))
	require.NoError(t, m.Reload())

	_, err = m.Embed("local", []string{"hello"}, embedclient.Options{})
	require.Error(t, err, "removed model must no longer resolve")

	result, err := m.Embed("second", []string{"hello"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, 0, result.CacheHits, "the newly added model must start with no cached rows")
}

func TestReload_RefreshesUnchangedModelSpecWithoutDroppingCache(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})

	first, err := m.Embed("local", []string{"hello"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, first.CacheMiss)

	pf, err := LoadPoolFile(m.poolPath)
	require.NoError(t, err)
	pf.Models[0].Aliases = []string{"default"}
	require.NoError(t, SavePoolFile(pf, m.poolPath))
	require.NoError(t, m.Reload())

	second, err := m.Embed("default", []string{"hello"}, embedclient.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, second.CacheHits, "unchanged model's cache must survive a reload that only adds an alias")
}

func TestReload_RejectsAliasCollisionAndLeavesPriorStateIntact(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8, Aliases: []string{"default"}}})

	pf, err := LoadPoolFile(m.poolPath)
	require.NoError(t, err)
	pf.Models = append(pf.Models, ModelSpec{Name: "second", Driver: "local_st", Dim: 8, Aliases: []string{"default"}})
	require.NoError(t, SavePoolFile(pf, m.poolPath))

	require.Error(t, m.Reload())

	_, err = m.Embed("local", []string{"hello"}, embedclient.Options{})
	require.NoError(t, err, "a rejected reload must leave the previously running model resolvable")
}

func TestModelRuntime_StopFailsQueuedItemsPromptly(t *testing.T) {
	rt := newModelRuntime(ModelSpec{Name: "local", Driver: "local_st", Dim: 4}, make(chan struct{}, 1))
	rt.running = true
	_, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	future, err := rt.Enqueue([]string{"hello"}, embedclient.Options{})
	require.NoError(t, err)

	done := make(chan workResult, 1)
	go func() { done <- <-future }()

	rt.Stop()

	select {
	case res := <-done:
		require.Error(t, res.err, "a queued item must fail once its runtime is stopped before being picked up")
	case <-time.After(time.Second):
		t.Fatal("queued item's future did not resolve after Stop")
	}
}

func TestServer_HealthAndStatus(t *testing.T) {
	m := newTestManager(t, []ModelSpec{{Name: "local", Driver: "local_st", Dim: 8}})
	srv := httptest.NewServer(NewServer(m, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}
