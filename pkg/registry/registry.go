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

// Package registry implements the resolve/pull/push client of spec.md §4.7
// against the "registry packet HTTP" wire shape spec.md §6 takes as given
// (HEAD/GET/POST under /v1/packages/...), since no OCI distribution client
// library appears anywhere in this repository's dependency corpus. Host
// allow-listing, token redaction, extraction size caps, and path-traversal
// guards are implemented here rather than delegated to a vendored client.
package registry

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
)

// Ref identifies a packet artifact within a remote registry, parsed from an
// "oci://host/name@version" or "oci://host/name:tag" source URI.
type Ref struct {
	Scheme     string
	Host       string
	Repository string
	Tag        string
	Digest     string
}

// ParseRef parses a source URI of the form "oci://host[:port]/name@version"
// or "oci://host[:port]/name:tag".
func ParseRef(uri string) (Ref, error) {
	scheme := "oci"
	rest := uri
	if idx := strings.Index(uri, "://"); idx >= 0 {
		scheme = uri[:idx]
		rest = uri[idx+3:]
	}
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return Ref{}, cpmerrors.NewInputError("Invalid registry reference", "Missing repository path in '"+uri+"'", "Use the form oci://host/name@version", nil)
	}
	host := rest[:slash]
	path := rest[slash+1:]

	ref := Ref{Scheme: scheme, Host: host}
	if at := strings.LastIndex(path, "@"); at >= 0 {
		ref.Repository = path[:at]
		ref.Digest = path[at+1:]
		return ref, nil
	}
	if colon := strings.LastIndex(path, ":"); colon >= 0 {
		ref.Repository = path[:colon]
		ref.Tag = path[colon+1:]
		return ref, nil
	}
	ref.Repository = path
	return ref, nil
}

// Version returns the digest if set, else the tag — whichever identifies
// the artifact for path-building in /v1/packages/{name}/{version}.
func (r Ref) Version() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// HostAllowed reports whether host is permitted by allowlist, per spec.md
// §4.7's rule: host == allowed || host endswith "."+allowed. An empty
// allowlist permits every host.
func HostAllowed(allowlist []string, host string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Config configures a Client.
type Config struct {
	AllowlistDomains     []string
	Insecure             bool
	Username             string
	Password             string
	Token                string
	TimeoutSeconds       int
	MaxArtifactSizeBytes int64
}

// Client is the registry/OCI client (spec.md §4.7).
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// New returns a Client configured by cfg.
func New(cfg Config) *Client {
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}, cfg: cfg}
}

func (c *Client) baseURL(ref Ref) string {
	scheme := "https"
	if c.cfg.Insecure {
		scheme = "http"
	}
	return scheme + "://" + ref.Host
}

func (c *Client) checkHost(ref Ref) error {
	if !HostAllowed(c.cfg.AllowlistDomains, ref.Host) {
		return cpmerrors.NewSecurityError(
			"Registry host not allowed",
			"'"+ref.Host+"' is not in the configured allow-list",
			"Add the host to config.toml's [oci] allowlist_domains, or use an allow-listed registry",
			nil,
		)
	}
	return nil
}

func (c *Client) authHeader(req *http.Request) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// RedactToken replaces any occurrence of cfg's token/password in s with
// "***", for safe inclusion in logs.
func (c *Client) RedactToken(s string) string {
	out := s
	if c.cfg.Token != "" {
		out = strings.ReplaceAll(out, c.cfg.Token, "***")
	}
	if c.cfg.Password != "" {
		out = strings.ReplaceAll(out, c.cfg.Password, "***")
	}
	return out
}

// Resolve returns the content digest for ref, from the registry's
// Docker-Content-Digest-shaped response header on a HEAD request.
func (c *Client) Resolve(ctx context.Context, ref Ref) (string, error) {
	if err := c.checkHost(ref); err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/v1/packages/%s/%s", c.baseURL(ref), ref.Repository, ref.Version())
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	c.authHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", cpmerrors.NewNetworkError("Registry unreachable", c.RedactToken(err.Error()), "Check network connectivity and the registry URL", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", cpmerrors.NewResolutionError("Packet not found", fmt.Sprintf("%s@%s does not exist in the registry", ref.Repository, ref.Version()), "Check the name and version", nil)
	}
	if resp.StatusCode >= 400 {
		return "", cpmerrors.NewNetworkError("Registry error", fmt.Sprintf("HTTP %d", resp.StatusCode), "", nil)
	}
	digest := resp.Header.Get("X-Cpm-Digest")
	if digest == "" {
		digest = resp.Header.Get("Docker-Content-Digest")
	}
	if digest == "" {
		return "", cpmerrors.NewResolutionError("Missing content digest", "Registry response did not include a digest header", "Check the registry implementation", nil)
	}
	return digest, nil
}

// PullResult is the outcome of Pull.
type PullResult struct {
	Files []string // paths written, relative to outDir
}

// Pull downloads ref's archive and extracts it into outDir, guarding
// against path traversal and capping total extracted bytes at
// cfg.MaxArtifactSizeBytes (0 means unbounded).
func (c *Client) Pull(ctx context.Context, ref Ref, outDir string) (*PullResult, error) {
	if err := c.checkHost(ref); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/packages/%s/%s/download", c.baseURL(ref), ref.Repository, ref.Version())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cpmerrors.NewNetworkError("Registry unreachable", c.RedactToken(err.Error()), "Check network connectivity and the registry URL", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, cpmerrors.NewNetworkError("Registry error", fmt.Sprintf("HTTP %d pulling %s@%s", resp.StatusCode, ref.Repository, ref.Version()), "", nil)
	}

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, err
	}

	limit := resp.Body
	var reader io.Reader = limit
	if c.cfg.MaxArtifactSizeBytes > 0 {
		reader = io.LimitReader(limit, c.cfg.MaxArtifactSizeBytes+1)
	}

	files, err := extractTarGz(reader, outDir, c.cfg.MaxArtifactSizeBytes)
	if err != nil {
		return nil, err
	}
	return &PullResult{Files: files}, nil
}

// extractTarGz extracts a gzipped tar stream into outDir. Every entry path
// is validated to stay within outDir (no "..", no absolute paths, no
// symlink escapes) before being written, and total written bytes are
// capped at maxBytes (0 means unbounded).
func extractTarGz(r io.Reader, outDir string, maxBytes int64) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, cpmerrors.NewIntegrityError("Corrupt archive", "Failed to open gzip stream: "+err.Error(), "Re-download the packet", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var files []string
	var written int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cpmerrors.NewIntegrityError("Corrupt archive", err.Error(), "Re-download the packet", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest, err := safeJoin(outDir, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return nil, err
		}
		out, err := os.Create(dest) //nolint:gosec // G304: path-traversal-checked by safeJoin
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(out, tr)
		written += n
		if maxBytes > 0 && written > maxBytes {
			out.Close()
			return nil, cpmerrors.NewSecurityError("Artifact too large", "Extracted size exceeds the configured maximum", "Increase config.toml's [oci] max_artifact_size_bytes if this is expected", nil)
		}
		closeErr := out.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		rel, relErr := filepath.Rel(outDir, dest)
		if relErr != nil {
			return nil, relErr
		}
		files = append(files, filepath.ToSlash(rel))
	}
	return files, nil
}

// safeJoin joins base and name, rejecting any result that escapes base
// (spec.md §4.7's path-traversal guard).
func safeJoin(base, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", cpmerrors.NewSecurityError("Path traversal blocked", "Archive entry '"+name+"' is absolute", "Re-download from a trusted registry", nil)
	}
	cleaned := filepath.Clean(filepath.Join(base, name))
	baseClean := filepath.Clean(base)
	if cleaned != baseClean && !strings.HasPrefix(cleaned, baseClean+string(filepath.Separator)) {
		return "", cpmerrors.NewSecurityError("Path traversal blocked", "Archive entry '"+name+"' escapes the extraction directory", "Re-download from a trusted registry", nil)
	}
	return cleaned, nil
}

// Push uploads artifactPath (a tar.gz or zip archive) to ref via multipart
// POST, returning the server-assigned digest.
func (c *Client) Push(ctx context.Context, ref Ref, artifactPath string) (string, error) {
	if err := c.checkHost(ref); err != nil {
		return "", err
	}
	f, err := os.Open(artifactPath) //nolint:gosec // G304: caller-supplied local artifact path
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body strings.Builder
	mw := multipart.NewWriter(&bodyWriter{&body})
	part, err := mw.CreateFormFile("artifact", filepath.Base(artifactPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1/packages/%s/%s", c.baseURL(ref), ref.Repository, ref.Version())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body.String()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", cpmerrors.NewNetworkError("Registry unreachable", c.RedactToken(err.Error()), "Check network connectivity and the registry URL", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", cpmerrors.NewNetworkError("Publish failed", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody)), "", nil)
	}
	var parsed struct {
		Digest string `json:"digest"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", cpmerrors.NewNetworkError("Malformed publish response", err.Error(), "", err)
	}
	return parsed.Digest, nil
}

type bodyWriter struct{ sb *strings.Builder }

func (w *bodyWriter) Write(p []byte) (int, error) { return w.sb.Write(p) }

// ListTags returns the tags published for ref.Repository.
func (c *Client) ListTags(ctx context.Context, ref Ref) ([]string, error) {
	if err := c.checkHost(ref); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/packages/%s", c.baseURL(ref), ref.Repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cpmerrors.NewNetworkError("Registry unreachable", c.RedactToken(err.Error()), "Check network connectivity and the registry URL", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, cpmerrors.NewNetworkError("Registry error", fmt.Sprintf("HTTP %d listing tags for %s", resp.StatusCode, ref.Repository), "", nil)
	}
	var parsed struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, cpmerrors.NewNetworkError("Malformed listing response", err.Error(), "", err)
	}
	return parsed.Tags, nil
}

// Referrers is the verification evidence discover_referrers surfaces.
type Referrers struct {
	Signature  *string `json:"signature,omitempty"`
	SBOM       *string `json:"sbom,omitempty"`
	Provenance *string `json:"provenance,omitempty"`
	SLSALevel  int     `json:"slsa_level,omitempty"`
}

// DiscoverReferrers fetches the referrer metadata attached to ref@digest.
func (c *Client) DiscoverReferrers(ctx context.Context, ref Ref) (*Referrers, error) {
	if err := c.checkHost(ref); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/packages/%s/%s/referrers", c.baseURL(ref), ref.Repository, ref.Version())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cpmerrors.NewNetworkError("Registry unreachable", c.RedactToken(err.Error()), "Check network connectivity and the registry URL", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &Referrers{}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, cpmerrors.NewNetworkError("Registry error", fmt.Sprintf("HTTP %d discovering referrers for %s@%s", resp.StatusCode, ref.Repository, ref.Version()), "", nil)
	}
	var out Referrers
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cpmerrors.NewNetworkError("Malformed referrers response", err.Error(), "", err)
	}
	return &out, nil
}

// ExtractZip extracts a zip archive at path into outDir with the same
// path-traversal guard as extractTarGz, for registries that publish
// archive_format=zip packets.
func ExtractZip(path, outDir string, maxBytes int64) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, cpmerrors.NewIntegrityError("Corrupt archive", err.Error(), "Re-download the packet", err)
	}
	defer r.Close()

	var files []string
	var written int64
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest, err := safeJoin(outDir, f.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		out, err := os.Create(dest) //nolint:gosec // G304: path-traversal-checked by safeJoin
		if err != nil {
			rc.Close()
			return nil, err
		}
		n, copyErr := io.Copy(out, rc)
		written += n
		rc.Close()
		out.Close()
		if copyErr != nil {
			return nil, copyErr
		}
		if maxBytes > 0 && written > maxBytes {
			return nil, cpmerrors.NewSecurityError("Artifact too large", "Extracted size exceeds the configured maximum", "Increase config.toml's [oci] max_artifact_size_bytes if this is expected", nil)
		}
		rel, relErr := filepath.Rel(outDir, dest)
		if relErr != nil {
			return nil, relErr
		}
		files = append(files, filepath.ToSlash(rel))
	}
	return files, nil
}
