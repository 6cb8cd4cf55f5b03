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

package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/feature"
	"github.com/kraklabs/cpm/pkg/workspace"
)

func writePluginManifest(t *testing.T, dir, id, entrypoint string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	content := "plugin:\n" +
		"  id: " + id + "\n" +
		"  name: " + id + "\n" +
		"  version: 1.0.0\n" +
		"  group: test-group\n" +
		"  entrypoint: " + entrypoint + "\n" +
		"  requires_cpm: \">=0.1.0\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.toml"), []byte(content), 0o600))
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.EnsureLayout())
	return ws
}

func TestLoadAll_SucceedsAndRegistersFeatures(t *testing.T) {
	RegisterEntrypoint("test-ok-entrypoint", func(ctx *Context) error {
		return ctx.Registry.Register(feature.Entry{Group: ctx.Manifest.Plugin.Group, Name: "hello", Kind: feature.KindCommand})
	})

	ws := newTestWorkspace(t)
	writePluginManifest(t, filepath.Join(ws.PluginsDir(), "ok-plugin"), "ok-plugin", "test-ok-entrypoint")

	registry := feature.New()
	loader := NewLoader(registry, nil)
	records, err := loader.LoadAll(ws)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StateReady, records[0].State)
	require.Equal(t, []string{"test-group:hello"}, records[0].Features)

	_, resolveErr := registry.Resolve("test-group:hello")
	require.NoError(t, resolveErr)
}

func TestLoadAll_FailedInitRollsBackPartialRegistrations(t *testing.T) {
	RegisterEntrypoint("test-failing-entrypoint", func(ctx *Context) error {
		require.NoError(t, ctx.Registry.Register(feature.Entry{Group: ctx.Manifest.Plugin.Group, Name: "partial", Kind: feature.KindCommand}))
		return errAlwaysFails
	})

	ws := newTestWorkspace(t)
	writePluginManifest(t, filepath.Join(ws.PluginsDir(), "bad-plugin"), "bad-plugin", "test-failing-entrypoint")

	registry := feature.New()
	loader := NewLoader(registry, nil)
	records, err := loader.LoadAll(ws)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StateFailed, records[0].State)

	_, resolveErr := registry.Resolve("test-group:partial")
	require.Error(t, resolveErr, "a failed plugin's partial registrations must be rolled back")
}

func TestLoadAll_PanicInInitIsIsolated(t *testing.T) {
	RegisterEntrypoint("test-panicking-entrypoint", func(ctx *Context) error {
		panic("boom")
	})

	ws := newTestWorkspace(t)
	writePluginManifest(t, filepath.Join(ws.PluginsDir(), "panic-plugin"), "panic-plugin", "test-panicking-entrypoint")

	registry := feature.New()
	loader := NewLoader(registry, nil)
	records, err := loader.LoadAll(ws)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StateFailed, records[0].State)
	require.Contains(t, records[0].Error, "panicked")
}

func TestLoadAll_UnknownEntrypointFails(t *testing.T) {
	ws := newTestWorkspace(t)
	writePluginManifest(t, filepath.Join(ws.PluginsDir(), "missing-plugin"), "missing-plugin", "does-not-exist-entrypoint")

	registry := feature.New()
	loader := NewLoader(registry, nil)
	records, err := loader.LoadAll(ws)
	require.NoError(t, err)
	require.Equal(t, StateFailed, records[0].State)
}

func TestManifest_Validate_IDMustMatchDirectoryName(t *testing.T) {
	m := Manifest{}
	m.Plugin.ID = "foo"
	m.Plugin.Name = "foo"
	m.Plugin.Version = "1.0.0"
	m.Plugin.Group = "g"
	m.Plugin.Entrypoint = "e"
	m.Plugin.RequiresCPM = ">=0.1.0"

	require.NoError(t, m.Validate("foo"))
	require.Error(t, m.Validate("bar"))
}

func TestManifest_Validate_RejectsMissingFields(t *testing.T) {
	m := Manifest{}
	m.Plugin.ID = "foo"
	require.Error(t, m.Validate("foo"))
}

var errAlwaysFails = testError("plugin init intentionally failed")

type testError string

func (e testError) Error() string { return string(e) }
