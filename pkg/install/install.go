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

// Package install implements install/uninstall/use/prune/update (spec.md
// §4.8): policy-gated packet fetch, install-lock writing with history
// snapshots, and pin/active maintenance atop pkg/store.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/packet"
	"github.com/kraklabs/cpm/pkg/policy"
	"github.com/kraklabs/cpm/pkg/registry"
	"github.com/kraklabs/cpm/pkg/store"
	"github.com/kraklabs/cpm/pkg/version"
	"github.com/kraklabs/cpm/pkg/workspace"
)

// ModelArtifact records an OCI-pulled model artifact's local cache path.
type ModelArtifact struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	CacheDir string `json:"cache_dir"`
	Digest   string `json:"digest,omitempty"`
}

// Lock is state/install/<name>.lock.json (spec.md §3's Install lock).
type Lock struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	PacketRef         string         `json:"packet_ref"`
	PacketDigest      string         `json:"packet_digest"`
	Sources           []string       `json:"sources,omitempty"`
	Signature         bool           `json:"signature"`
	SBOM              bool           `json:"sbom"`
	Provenance        bool           `json:"provenance"`
	TrustScore        float64        `json:"trust_score"`
	SelectedModel     string         `json:"selected_model"`
	SelectedProvider  string         `json:"selected_provider"`
	SuggestedRetriever string        `json:"suggested_retriever,omitempty"`
	InstalledAt       string         `json:"installed_at"`
	ArtifactFiles     []string       `json:"artifact_files"`
	NoEmbed           bool           `json:"no_embed"`
	ModelArtifact     *ModelArtifact `json:"model_artifact,omitempty"`
}

// Provider describes one embedding provider's model-hosting capability, for
// the selection cascade of spec.md §4.8 step 6 and the optional OCI
// model-artifact pull of step 7.
type Provider struct {
	Name             string
	SupportedModels  []string // glob patterns
	ModelArtifactOCI bool
	RefTemplate      string // e.g. "oci://models.local/{model}"
}

// Options configures Install.
type Options struct {
	Registry       *registry.Client
	Repository     string // config.toml [oci] repository, e.g. "oci://registry.local"
	Policy         policy.Policy
	Model          string
	Provider       string
	Insecure       bool
	ForceDiscovery bool
	NoEmbed        bool
	Providers      []Provider // for the model-selection cascade
}

// Installer implements install/uninstall/use/prune/update atop a Store.
type Installer struct {
	ws    *workspace.Workspace
	store *store.Store
}

// New returns an Installer backed by ws.
func New(ws *workspace.Workspace) *Installer {
	return &Installer{ws: ws, store: store.New(ws)}
}

// copyDir copies the regular-file tree rooted at src into dst, refusing
// symlinks (a pulled packet payload is untrusted input).
func copyDir(src, dst string) error {
	src = filepath.Clean(src)
	dst = filepath.Clean(dst)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if entry.Type()&os.ModeSymlink != 0 {
			return cpmerrors.NewSecurityError("Unsafe packet payload", "Refusing to copy symlink '"+rel+"' from a pulled packet", "Re-publish the packet without symlinks", nil)
		}
		if entry.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: path from a path-traversal-checked extraction walk
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304: destination under workspace-resolved packages dir
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// historyStamp formats t as a filesystem-safe, lexicographically sortable,
// microsecond-resolution timestamp (spec.md §5's monotonic install-lock
// history filenames).
func historyStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000Z")
}

// Install implements spec.md §4.8's 8-step install algorithm.
func (in *Installer) Install(ctx context.Context, name, ver string, opts Options) (*Lock, error) {
	// Step 1: parse spec = name@version; reject missing version.
	if ver == "" {
		return nil, cpmerrors.NewInputError("Missing version", "install requires an explicit version (name@version)", "Specify a version, e.g. 'cpm install "+name+"@1.0.0'", nil)
	}

	sourceURI := fmt.Sprintf("%s/%s@%s", strings.TrimSuffix(opts.Repository, "/"), name, ver)

	// Step 2: policy pre-check against the allow-list.
	pre := policy.Evaluate(opts.Policy, policy.Input{SourceURI: sourceURI})
	if !pre.Allow {
		return nil, denyError(pre)
	}

	ref, err := registry.ParseRef(sourceURI)
	if err != nil {
		return nil, err
	}

	// Step 3: resolve digest, discover referrers, compute trust_score.
	digest, err := opts.Registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	ref.Digest = digest

	referrers, err := opts.Registry.DiscoverReferrers(ctx, ref)
	if err != nil {
		return nil, err
	}
	evidence := policy.TrustEvidence{
		HasSignature:  referrers.Signature != nil,
		HasSBOM:       referrers.SBOM != nil,
		HasProvenance: referrers.Provenance != nil,
	}
	trustScore := policy.TrustScore(evidence)

	strictMode := opts.Policy.Mode == policy.ModeStrict
	strictFailures := policy.StrictFailures(strictMode, strictMode, strictMode, evidence)

	// Step 4: re-evaluate policy with trust_score and strict failures.
	tokenCount := 0
	post := policy.Evaluate(opts.Policy, policy.Input{
		SourceURI:      sourceURI,
		TrustScore:     &trustScore,
		TokenCount:     &tokenCount,
		StrictFailures: strictFailures,
	})
	if !post.Allow {
		return nil, denyError(post)
	}

	// Step 5: pull into a temp dir, validate, copy to packages/<name>/<version>.
	tmpDir, err := os.MkdirTemp("", "cpm-install-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	pullResult, err := opts.Registry.Pull(ctx, ref, tmpDir)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(tmpDir, "packet", "manifest.json")
	payloadDir := filepath.Join(tmpDir, "packet", "payload")
	if _, statErr := os.Stat(manifestPath); statErr != nil {
		return nil, cpmerrors.NewIntegrityError("Malformed packet archive", "packet/manifest.json was not found", "Re-publish the packet or check the registry", statErr)
	}
	if _, statErr := os.Stat(payloadDir); statErr != nil {
		return nil, cpmerrors.NewIntegrityError("Malformed packet archive", "packet/payload/ was not found", "Re-publish the packet or check the registry", statErr)
	}

	sourceManifest, err := packet.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	destDir := in.store.VersionDir(name, ver)
	if err := copyDir(payloadDir, destDir); err != nil {
		return nil, err
	}
	if opts.NoEmbed {
		os.Remove(filepath.Join(destDir, "vectors.f16.bin"))
		os.Remove(filepath.Join(destDir, "faiss", "index.faiss"))
	}

	// Step 6: select an embedding model.
	selectedModel, selectedProvider := selectModel(opts.Model, opts.Provider, sourceManifest.Embedding.Model, opts.Providers)

	var modelArtifact *ModelArtifact
	// Step 7: optional OCI model-artifact pull.
	for _, p := range opts.Providers {
		if p.Name != selectedProvider || !p.ModelArtifactOCI || p.RefTemplate == "" {
			continue
		}
		modelRefStr := strings.ReplaceAll(p.RefTemplate, "{model}", selectedModel)
		modelRef, parseErr := registry.ParseRef(modelRefStr)
		if parseErr != nil {
			break
		}
		modelDir := filepath.Join(in.ws.ModelsCacheDir(), p.Name, safeModelName(selectedModel))
		if _, pullErr := opts.Registry.Pull(ctx, modelRef, modelDir); pullErr == nil {
			modelArtifact = &ModelArtifact{Provider: p.Name, Model: selectedModel, CacheDir: modelDir}
		}
		break
	}

	// Step 8: pin and write install-lock (+ history snapshot).
	if err := in.store.WritePin(name, ver); err != nil {
		return nil, err
	}
	if err := in.store.WriteActive(name, ver); err != nil {
		return nil, err
	}

	lock := &Lock{
		Name: name, Version: ver,
		PacketRef:         sourceURI,
		PacketDigest:      digest,
		Sources:           []string{sourceURI},
		Signature:         evidence.HasSignature,
		SBOM:              evidence.HasSBOM,
		Provenance:        evidence.HasProvenance,
		TrustScore:        trustScore,
		SelectedModel:     selectedModel,
		SelectedProvider:  selectedProvider,
		InstalledAt:       historyStamp(time.Now()),
		ArtifactFiles:     pullResult.Files,
		NoEmbed:           opts.NoEmbed,
		ModelArtifact:     modelArtifact,
	}
	if err := in.writeLock(name, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

func denyError(r policy.Result) error {
	switch r.Reason {
	case "source_not_allowlisted":
		return cpmerrors.NewSecurityError("Policy denied", "Source is not in the configured allow-list", "Add the source to policy.yml's allowed_sources", nil)
	case "trust_below_threshold":
		return cpmerrors.NewSecurityError("Policy denied", "Artifact trust score is below the configured minimum", "Install from a source with signature/SBOM/provenance evidence, or lower min_trust_score", nil)
	case "token_budget_exceeded":
		return cpmerrors.NewSecurityError("Policy denied", "Token budget exceeded", "Lower the query scope or raise max_tokens", nil)
	case "strict_verification_failed":
		return cpmerrors.NewSecurityError("Policy denied", "Strict verification failed", "Disable strict mode or provide the missing signature/SBOM/provenance evidence", nil)
	default:
		return cpmerrors.NewSecurityError("Policy denied", r.Reason, "", nil)
	}
}

// selectModel implements spec.md §4.8 step 6's cascade: explicit model,
// else the packet's recommended model (with the first provider whose
// supported_models globs match it), else the first supported_models entry
// of the first provider that lists any. No models are discovered from the
// providers; that last entry is returned as written, even if it is a glob.
func selectModel(explicitModel, explicitProvider, recommended string, providers []Provider) (model, provider string) {
	if explicitModel != "" {
		return explicitModel, explicitProvider
	}
	if recommended != "" {
		for _, p := range providers {
			if matchesAny(p.SupportedModels, recommended) {
				return recommended, p.Name
			}
		}
		return recommended, explicitProvider
	}
	for _, p := range providers {
		if len(p.SupportedModels) > 0 {
			return p.SupportedModels[0], p.Name
		}
	}
	return "", ""
}

func matchesAny(globs []string, s string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, s); ok {
			return true
		}
	}
	return false
}

func safeModelName(model string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(model)
}

// WriteLock writes an already-assembled Lock (e.g. the auto-written lock of
// spec.md §4.11 step 2) without running the rest of Install's pipeline.
func (in *Installer) WriteLock(name string, lock *Lock) error {
	return in.writeLock(name, lock)
}

// writeLock writes state/install/<name>.lock.json and a history snapshot
// under state/install/history/<name>/<ts>.lock.json.
func (in *Installer) writeLock(name string, lock *Lock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return err
	}
	lockPath := in.ws.InstallLockPath(name)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(lockPath, data, 0o600); err != nil {
		return err
	}

	histDir := in.ws.InstallHistoryDir(name)
	if err := os.MkdirAll(histDir, 0o750); err != nil {
		return err
	}
	histPath := filepath.Join(histDir, lock.InstalledAt+".lock.json")
	return os.WriteFile(histPath, data, 0o600)
}

// ReadLock reads state/install/<name>.lock.json.
func (in *Installer) ReadLock(name string) (*Lock, error) {
	data, err := os.ReadFile(in.ws.InstallLockPath(name)) //nolint:gosec // G304: workspace-resolved state path
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// HistoricalLock returns the install-lock snapshot in effect at asOf: the
// most recent history snapshot whose timestamp is <= asOf (spec.md §4.11
// step 1's as_of resolution).
func (in *Installer) HistoricalLock(name string, asOf time.Time) (*Lock, error) {
	histDir := in.ws.InstallHistoryDir(name)
	entries, err := os.ReadDir(histDir)
	if err != nil {
		return nil, err
	}
	target := historyStamp(asOf)
	best := ""
	for _, e := range entries {
		stamp := strings.TrimSuffix(e.Name(), ".lock.json")
		if stamp <= target && stamp > best {
			best = stamp
		}
	}
	if best == "" {
		return nil, cpmerrors.NewResolutionError("No snapshot found", fmt.Sprintf("No install-lock snapshot for '%s' at or before %s", name, target), "Check the as-of timestamp", nil)
	}
	data, err := os.ReadFile(filepath.Join(histDir, best+".lock.json")) //nolint:gosec // G304: workspace-resolved history path
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// Uninstall removes a version and clears pin/active if they pointed at it.
func (in *Installer) Uninstall(name, ver string) error {
	if err := in.store.Remove(name, ver); err != nil {
		return err
	}
	if pin, _ := in.store.ReadPin(name); pin == ver {
		_ = in.store.WritePin(name, "")
	}
	if active, _ := in.store.ReadActive(name); active == ver {
		_ = in.store.WriteActive(name, "")
	}
	return nil
}

// Use sets the active version for name, resolving "latest" via the
// registry if reg is non-nil (spec.md §4.8: "use name@latest must contact
// the registry unless a non-latest pin is supplied").
func (in *Installer) Use(ctx context.Context, name, target string, reg *registry.Client, repository string) (string, error) {
	if target == version.Latest && reg != nil {
		if pin, _ := in.store.ReadPin(name); pin != "" && pin != version.Latest {
			target = pin
		} else {
			latest, err := in.greatestRemoteVersion(ctx, reg, repository, name)
			if err != nil {
				return "", err
			}
			target = latest
		}
	}
	resolved, err := in.store.Resolve(name, &target)
	if err != nil {
		return "", err
	}
	if err := in.store.WriteActive(name, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// Prune delegates to the store's keep-k pruning, preserving pin/active.
func (in *Installer) Prune(name string, keep int) ([]string, error) {
	return in.store.Prune(name, keep)
}

// Update re-installs name at the greatest version tag opts.Registry lists,
// or at the tag "latest" when there is no registry or the tag lookup fails.
// Already-installed versions are not consulted, and Install itself always
// fetches through opts.Registry.
func (in *Installer) Update(ctx context.Context, name string, opts Options) (*Lock, error) {
	target := version.Latest
	if opts.Registry != nil {
		if g, err := in.greatestRemoteVersion(ctx, opts.Registry, opts.Repository, name); err == nil {
			target = g
		}
	}
	return in.Install(ctx, name, target, opts)
}

func (in *Installer) greatestRemoteVersion(ctx context.Context, reg *registry.Client, repository, name string) (string, error) {
	ref, err := registry.ParseRef(fmt.Sprintf("%s/%s@latest", strings.TrimSuffix(repository, "/"), name))
	if err != nil {
		return "", err
	}
	tags, err := reg.ListTags(ctx, ref)
	if err != nil {
		return "", err
	}
	g := version.Greatest(tags)
	if g == "" {
		return "", cpmerrors.NewResolutionError("No versions found", "Registry returned no tags for '"+name+"'", "", nil)
	}
	return g, nil
}
