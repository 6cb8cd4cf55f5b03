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

package install

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cpm/pkg/policy"
	"github.com/kraklabs/cpm/pkg/registry"
	"github.com/kraklabs/cpm/pkg/store"
	"github.com/kraklabs/cpm/pkg/workspace"
)

func buildPacketArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		"packet/manifest.json":      `{"schema_version":1,"embedding":{"model":"all-MiniLM-L6-v2"}}`,
		"packet/payload/docs.jsonl": `{"id":"a","text":"hello"}` + "\n",
		"packet/payload/cpm.yml":    "version: 1.0.0\n",
	}
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// newFakeRegistry starts an httptest server speaking the resolve/pull/
// referrers/tags wire shape registry.Client calls. Resolve's HEAD response
// reports a digest distinct from the version tag, and every subsequent
// call in Install's pipeline (DiscoverReferrers, Pull) addresses the
// artifact by that resolved digest rather than the original tag — the fake
// dispatches on path suffix rather than a fixed version segment so it
// matches requests under either identifier.
func newFakeRegistry(t *testing.T, referrers registry.Referrers) *httptest.Server {
	t.Helper()
	archive := buildPacketArchive(t)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/packages/acme-docs":
			_, _ = w.Write([]byte(`{"tags":["1.0.0","2.0.0"]}`))
		case strings.HasSuffix(r.URL.Path, "/download"):
			_, _ = w.Write(archive)
		case strings.HasSuffix(r.URL.Path, "/referrers"):
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(referrers))
		case r.Method == http.MethodHead:
			w.Header().Set("X-Cpm-Digest", "sha256:fixedvalue")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func newTestInstaller(t *testing.T) (*Installer, *workspace.Workspace) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Open(root)
	require.NoError(t, err)
	require.NoError(t, ws.EnsureLayout())
	return New(ws), ws
}

func permissivePolicy() policy.Policy {
	return policy.Policy{Mode: policy.ModePermissive}
}

func TestInstall_SucceedsAndWritesLockAndHistory(t *testing.T) {
	srv := newFakeRegistry(t, registry.Referrers{})
	defer srv.Close()

	in, ws := newTestInstaller(t)
	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	lock, err := in.Install(context.Background(), "acme-docs", "1.0.0", Options{
		Registry:   reg,
		Repository: repository,
		Policy:     permissivePolicy(),
	})
	require.NoError(t, err)
	require.Equal(t, "acme-docs", lock.Name)
	require.Equal(t, "1.0.0", lock.Version)
	require.Equal(t, "sha256:fixedvalue", lock.PacketDigest)

	read, err := in.ReadLock("acme-docs")
	require.NoError(t, err)
	require.Equal(t, lock.PacketDigest, read.PacketDigest)

	_, statErr := os.Stat(filepath.Join(ws.InstallHistoryDir("acme-docs"), lock.InstalledAt+".lock.json"))
	require.NoError(t, statErr)
}

func TestInstall_RequiresExplicitVersion(t *testing.T) {
	in, _ := newTestInstaller(t)
	_, err := in.Install(context.Background(), "acme-docs", "", Options{Policy: permissivePolicy()})
	require.Error(t, err)
}

func TestInstall_DeniedBySourceAllowlist(t *testing.T) {
	srv := newFakeRegistry(t, registry.Referrers{})
	defer srv.Close()

	in, _ := newTestInstaller(t)
	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	_, err := in.Install(context.Background(), "acme-docs", "1.0.0", Options{
		Registry:   reg,
		Repository: repository,
		Policy:     policy.Policy{Mode: policy.ModePermissive, AllowedSources: []string{"oci://other-host/*"}},
	})
	require.Error(t, err)
}

func TestInstall_StrictModeDeniedWithoutTrustEvidence(t *testing.T) {
	srv := newFakeRegistry(t, registry.Referrers{})
	defer srv.Close()

	in, _ := newTestInstaller(t)
	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	_, err := in.Install(context.Background(), "acme-docs", "1.0.0", Options{
		Registry:   reg,
		Repository: repository,
		Policy:     policy.Policy{Mode: policy.ModeStrict},
	})
	require.Error(t, err)
}

func TestInstall_StrictModeAllowedWithFullTrustEvidence(t *testing.T) {
	sig, sbom, prov := "sig", "sbom", "prov"
	srv := newFakeRegistry(t, registry.Referrers{Signature: &sig, SBOM: &sbom, Provenance: &prov})
	defer srv.Close()

	in, _ := newTestInstaller(t)
	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	lock, err := in.Install(context.Background(), "acme-docs", "1.0.0", Options{
		Registry:   reg,
		Repository: repository,
		Policy:     policy.Policy{Mode: policy.ModeStrict},
	})
	require.NoError(t, err)
	require.InDelta(t, 1.0, lock.TrustScore, 1e-9)
}

func TestUninstall_ClearsPinAndActive(t *testing.T) {
	srv := newFakeRegistry(t, registry.Referrers{})
	defer srv.Close()

	in, _ := newTestInstaller(t)
	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	_, err := in.Install(context.Background(), "acme-docs", "1.0.0", Options{
		Registry: reg, Repository: repository, Policy: permissivePolicy(),
	})
	require.NoError(t, err)

	require.NoError(t, in.Uninstall("acme-docs", "1.0.0"))
	// the lock file itself is not cleared by Uninstall, only pin/active/version dir.
	_, err = in.ReadLock("acme-docs")
	require.NoError(t, err)

	pin, err := in.store.ReadPin("acme-docs")
	require.NoError(t, err)
	require.Equal(t, "", pin)
	active, err := in.store.ReadActive("acme-docs")
	require.NoError(t, err)
	require.Equal(t, "", active)
}

func TestHistoricalLock_ReturnsSnapshotAtOrBeforeAsOf(t *testing.T) {
	in, _ := newTestInstaller(t)

	early := &Lock{Name: "acme-docs", Version: "1.0.0", InstalledAt: historyStamp(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	late := &Lock{Name: "acme-docs", Version: "2.0.0", InstalledAt: historyStamp(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))}
	require.NoError(t, in.WriteLock("acme-docs", early))
	require.NoError(t, in.WriteLock("acme-docs", late))

	got, err := in.HistoricalLock("acme-docs", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "1.0.0", got.Version)

	got2, err := in.HistoricalLock("acme-docs", time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2.0.0", got2.Version)
}

func TestHistoricalLock_NoneBeforeAsOfErrors(t *testing.T) {
	in, _ := newTestInstaller(t)
	lock := &Lock{Name: "acme-docs", Version: "1.0.0", InstalledAt: historyStamp(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))}
	require.NoError(t, in.WriteLock("acme-docs", lock))

	_, err := in.HistoricalLock("acme-docs", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestUse_NoPinResolvesGreatestRemoteTag(t *testing.T) {
	srv := newFakeRegistry(t, registry.Referrers{})
	defer srv.Close()

	in, ws := newTestInstaller(t)
	s := store.New(ws)
	require.NoError(t, os.MkdirAll(s.VersionDir("acme-docs", "1.0.0"), 0o750))
	require.NoError(t, os.MkdirAll(s.VersionDir("acme-docs", "2.0.0"), 0o750))

	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	resolved, err := in.Use(context.Background(), "acme-docs", "latest", reg, repository)
	require.NoError(t, err)
	require.Equal(t, "2.0.0", resolved)
}

func TestUse_ExistingPinTakesPrecedenceOverRemote(t *testing.T) {
	srv := newFakeRegistry(t, registry.Referrers{})
	defer srv.Close()

	in, ws := newTestInstaller(t)
	s := store.New(ws)
	require.NoError(t, os.MkdirAll(s.VersionDir("acme-docs", "1.0.0"), 0o750))
	require.NoError(t, os.MkdirAll(s.VersionDir("acme-docs", "2.0.0"), 0o750))
	require.NoError(t, s.WritePin("acme-docs", "1.0.0"))

	reg := registry.New(registry.Config{Insecure: true})
	repository := "oci://" + strings.TrimPrefix(srv.URL, "http://")

	resolved, err := in.Use(context.Background(), "acme-docs", "latest", reg, repository)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", resolved)
}

func TestPrune_KeepsMostRecentN(t *testing.T) {
	in, ws := newTestInstaller(t)
	s := store.New(ws)
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		require.NoError(t, os.MkdirAll(s.VersionDir("acme-docs", v), 0o750))
	}

	removed, err := in.Prune("acme-docs", 1)
	require.NoError(t, err)
	require.NotEmpty(t, removed)

	remaining, err := s.InstalledVersions("acme-docs")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
