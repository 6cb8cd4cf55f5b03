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

package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRef_DigestAndTagForms(t *testing.T) {
	ref, err := ParseRef("oci://registry.local/acme-docs@sha256:abcd")
	require.NoError(t, err)
	require.Equal(t, "registry.local", ref.Host)
	require.Equal(t, "acme-docs", ref.Repository)
	require.Equal(t, "sha256:abcd", ref.Digest)
	require.Equal(t, "sha256:abcd", ref.Version())

	ref2, err := ParseRef("oci://registry.local/acme-docs:1.0.0")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", ref2.Tag)
	require.Equal(t, "1.0.0", ref2.Version())
}

func TestParseRef_MissingRepositoryErrors(t *testing.T) {
	_, err := ParseRef("oci://registry.local")
	require.Error(t, err)
}

func TestHostAllowed_ExactAndSuffixMatch(t *testing.T) {
	require.True(t, HostAllowed(nil, "anything.example"))
	require.True(t, HostAllowed([]string{"registry.local"}, "registry.local"))
	require.True(t, HostAllowed([]string{"registry.local"}, "mirror.registry.local"))
	require.False(t, HostAllowed([]string{"registry.local"}, "evil.example"))
}

func TestClient_Resolve_ChecksHostAllowlist(t *testing.T) {
	c := New(Config{AllowlistDomains: []string{"allowed.local"}, Insecure: true})
	ref, err := ParseRef("oci://blocked.local/pkg@1.0.0")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), ref)
	require.Error(t, err)
}

func TestClient_Resolve_ReadsDigestHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("X-Cpm-Digest", "sha256:deadbeef")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Insecure: true})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg", Tag: "1.0.0"}
	digest, err := c.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "sha256:deadbeef", digest)
}

func TestClient_Resolve_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{Insecure: true})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg", Tag: "1.0.0"}
	_, err := c.Resolve(context.Background(), ref)
	require.Error(t, err)
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o600, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestClient_Pull_ExtractsArchive(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"packet/manifest.json":    `{"schema_version":1}`,
		"packet/payload/docs.jsonl": "{}\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/download")
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	c := New(Config{Insecure: true})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg", Tag: "1.0.0"}
	outDir := t.TempDir()
	result, err := c.Pull(context.Background(), ref, outDir)
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	data, err := os.ReadFile(filepath.Join(outDir, "packet", "manifest.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "schema_version")
}

func TestClient_Pull_RejectsPathTraversal(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"../../etc/escape.txt": "evil",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	c := New(Config{Insecure: true})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg", Tag: "1.0.0"}
	_, err := c.Pull(context.Background(), ref, t.TempDir())
	require.Error(t, err)
}

func TestClient_Pull_EnforcesMaxArtifactSize(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"packet/payload/big.txt": strings.Repeat("x", 1024),
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	c := New(Config{Insecure: true, MaxArtifactSizeBytes: 16})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg", Tag: "1.0.0"}
	_, err := c.Pull(context.Background(), ref, t.TempDir())
	require.Error(t, err)
}

func TestClient_ListTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tags":["1.0.0","1.1.0","2.0.0"]}`))
	}))
	defer srv.Close()

	c := New(Config{Insecure: true})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg"}
	tags, err := c.ListTags(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.0", "1.1.0", "2.0.0"}, tags)
}

func TestClient_DiscoverReferrers_NotFoundReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{Insecure: true})
	ref := Ref{Host: strings.TrimPrefix(srv.URL, "http://"), Repository: "pkg", Tag: "1.0.0"}
	refs, err := c.DiscoverReferrers(context.Background(), ref)
	require.NoError(t, err)
	require.Nil(t, refs.Signature)
}

func TestClient_RedactToken_MasksSecrets(t *testing.T) {
	c := New(Config{Token: "supersecret"})
	require.Equal(t, "Bearer ***", c.RedactToken("Bearer supersecret"))
}
