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

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/workspace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Open(root)
	require.NoError(t, err)
	require.NoError(t, ws.EnsureLayout())
	return New(ws)
}

func installFake(t *testing.T, s *Store, name, v string) {
	t.Helper()
	dir := s.VersionDir(name, v)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpm.yml"), []byte("version: "+v+"\n"), 0o600))
}

func TestResolve_PinTakesPrecedence(t *testing.T) {
	s := newTestStore(t)
	installFake(t, s, "acme-docs", "1.0.0")
	installFake(t, s, "acme-docs", "1.2.0")
	require.NoError(t, s.WritePin("acme-docs", "1.0.0"))

	got, err := s.Resolve("acme-docs", nil)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", got)
}

func TestResolve_NoPinFallsBackToGreatest(t *testing.T) {
	s := newTestStore(t)
	installFake(t, s, "acme-docs", "1.0.0")
	installFake(t, s, "acme-docs", "1.2.0")

	got, err := s.Resolve("acme-docs", nil)
	require.NoError(t, err)
	require.Equal(t, "1.2.0", got)
}

func TestResolve_NotInstalled(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Resolve("missing-packet", nil)
	require.Error(t, err)
}

func TestResolve_ExplicitVersionNotFound(t *testing.T) {
	s := newTestStore(t)
	installFake(t, s, "acme-docs", "1.0.0")
	target := "9.9.9"
	_, err := s.Resolve("acme-docs", &target)
	require.Error(t, err)
}

func TestPrune_KeepsPinnedActiveAndRecent(t *testing.T) {
	s := newTestStore(t)
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"} {
		installFake(t, s, "acme-docs", v)
	}
	require.NoError(t, s.WritePin("acme-docs", "1.0.0"))

	removed, err := s.Prune("acme-docs", 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1.1.0", "1.2.0"}, removed)

	remaining, err := s.InstalledVersions("acme-docs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1.0.0", "1.3.0"}, remaining)
}
