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

// Package config loads the four workspace config files of spec.md §6:
// config.toml, embeddings.yml, policy.yml, build.toml. All four are parsed
// as YAML, whatever their extension. Only config.toml (LoadConfig) takes
// CPM_* environment variable overrides, in the teacher's applyEnvOverrides
// style; the other three are used as read from disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
)

// OCIConfig is config.toml's [oci] table.
type OCIConfig struct {
	Repository         string   `yaml:"repository"`
	TimeoutSeconds      int      `yaml:"timeout_seconds"`
	MaxRetries          int      `yaml:"max_retries"`
	BackoffSeconds      float64  `yaml:"backoff_seconds"`
	Insecure            bool     `yaml:"insecure"`
	AllowlistDomains    []string `yaml:"allowlist_domains"`
	MaxArtifactSizeBytes int64   `yaml:"max_artifact_size_bytes"`
	Username            string   `yaml:"username,omitempty"`
	Password            string   `yaml:"password,omitempty"`
	Token               string   `yaml:"token,omitempty"`
	StrictVerify        bool     `yaml:"strict_verify"`
	RequireSignature    bool     `yaml:"require_signature"`
	RequireSBOM         bool     `yaml:"require_sbom"`
	RequireProvenance   bool     `yaml:"require_provenance"`
}

// HubConfig is config.toml's [hub] table.
type HubConfig struct {
	URL                  string `yaml:"url"`
	EnforceRemotePolicy  bool   `yaml:"enforce_remote_policy"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
}

// Config is config.toml.
type Config struct {
	OCI OCIConfig `yaml:"oci"`
	Hub HubConfig `yaml:"hub"`
}

// DefaultConfig mirrors the teacher's DefaultConfig(projectID) idiom: sane
// local-development defaults, overridable by env vars and the file itself.
func DefaultConfig() *Config {
	return &Config{
		OCI: OCIConfig{
			TimeoutSeconds:       30,
			MaxRetries:           3,
			BackoffSeconds:       0.5,
			MaxArtifactSizeBytes: 512 * 1024 * 1024,
		},
		Hub: HubConfig{TimeoutSeconds: 5},
	}
}

// LoadConfig reads config.toml (YAML-encoded) from path, or returns
// DefaultConfig() if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // G304: workspace-resolved config path
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, cpmerrors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", path),
			"Check file permissions and ensure the file exists",
			err,
		)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cpmerrors.NewConfigError(
			"Invalid configuration format",
			fmt.Sprintf("%s contains syntax errors", path),
			"Edit the file to fix syntax errors, or run 'cpm init --force' to recreate it",
			err,
		)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return cpmerrors.NewInternalError("Cannot encode configuration", "YAML marshaling failed unexpectedly", "This is a bug; please report it", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return cpmerrors.NewPermissionError("Cannot create configuration directory", err.Error(), "Check directory permissions", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return cpmerrors.NewPermissionError("Cannot write configuration file", err.Error(), "Check file permissions and disk space", err)
	}
	return nil
}

// applyEnvOverrides applies CPM_*-prefixed environment variables, renamed
// from the teacher's CIE_* convention.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CPM_OCI_REPOSITORY"); v != "" {
		c.OCI.Repository = v
	}
	if v := os.Getenv("CPM_OCI_TOKEN"); v != "" {
		c.OCI.Token = v
	}
	if v := os.Getenv("CPM_HUB_URL"); v != "" {
		c.Hub.URL = v
	}
}

// AuthProvider is an embeddings.yml provider's [auth] table.
type AuthProvider struct {
	Type   string `yaml:"type,omitempty"` // "basic" or "bearer"
	User   string `yaml:"user,omitempty"`
	Pass   string `yaml:"pass,omitempty"`
	Token  string `yaml:"token,omitempty"`
}

// HTTPShape describes an http-type provider's endpoint paths.
type HTTPShape struct {
	BaseURL        string `yaml:"base_url,omitempty"`
	EmbeddingsPath string `yaml:"embeddings_path,omitempty"`
	ModelsPath     string `yaml:"models_path,omitempty"`
}

// Provider is one embeddings.yml provider entry.
type Provider struct {
	Type      string            `yaml:"type"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Auth      AuthProvider      `yaml:"auth,omitempty"`
	Timeout   int               `yaml:"timeout,omitempty"`
	BatchSize int               `yaml:"batch_size,omitempty"`
	Model     string            `yaml:"model,omitempty"`
	Dims      int               `yaml:"dims,omitempty"`
	Extra     map[string]any    `yaml:"extra,omitempty"`
	HTTP      HTTPShape         `yaml:"http,omitempty"`
}

// EmbeddingsConfig is embeddings.yml.
type EmbeddingsConfig struct {
	Default   string              `yaml:"default"`
	Providers map[string]Provider `yaml:"providers"`
}

// LoadEmbeddingsConfig reads embeddings.yml from path.
func LoadEmbeddingsConfig(path string) (*EmbeddingsConfig, error) {
	var ec EmbeddingsConfig
	if err := loadYAML(path, &ec); err != nil {
		return nil, err
	}
	return &ec, nil
}

// PolicyConfig is policy.yml's flat `policy:` block (spec.md §4.13).
type PolicyConfig struct {
	Mode            string   `yaml:"mode"`
	AllowedSources  []string `yaml:"allowed_sources"`
	MinTrustScore   float64  `yaml:"min_trust_score"`
	MaxTokens       int      `yaml:"max_tokens"`
}

// PolicyFile is the top-level policy.yml document.
type PolicyFile struct {
	Policy PolicyConfig `yaml:"policy"`
}

// LoadPolicyConfig reads policy.yml from path.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	var pf PolicyFile
	if err := loadYAML(path, &pf); err != nil {
		return nil, err
	}
	return &pf.Policy, nil
}

// BuildSourceConfig is build.toml's [source] table.
type BuildSourceConfig struct {
	Dir string `yaml:"dir"`
}

// BuildOutputConfig is build.toml's [output] table.
type BuildOutputConfig struct {
	Dir           string `yaml:"dir"`
	Version       string `yaml:"version"`
	Archive       bool   `yaml:"archive"`
	ArchiveFormat string `yaml:"archive_format"`
}

// BuildEmbeddingConfig is build.toml's [embedding] table.
type BuildEmbeddingConfig struct {
	Model        string `yaml:"model"`
	MaxSeqLength int    `yaml:"max_seq_length"`
	EmbedURL     string `yaml:"embed_url"`
	TimeoutSeconds int  `yaml:"timeout"`
}

// BuildChunkingConfig is build.toml's [chunking] table.
type BuildChunkingConfig struct {
	LinesPerChunk int `yaml:"lines_per_chunk"`
	OverlapLines  int `yaml:"overlap_lines"`
}

// BuildConfig is build.toml.
type BuildConfig struct {
	Source    BuildSourceConfig    `yaml:"source"`
	Output    BuildOutputConfig    `yaml:"output"`
	Embedding BuildEmbeddingConfig `yaml:"embedding"`
	Chunking  BuildChunkingConfig  `yaml:"chunking"`
}

// LoadBuildConfig reads build.toml from path.
func LoadBuildConfig(path string) (*BuildConfig, error) {
	var bc BuildConfig
	if err := loadYAML(path, &bc); err != nil {
		return nil, err
	}
	return &bc, nil
}

// loadYAML reads path (accepting .yaml/.yml/.toml extensions, all parsed as
// YAML — see the package doc comment) into out.
func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: workspace-resolved config path
	if err != nil {
		return cpmerrors.NewConfigError("Cannot read configuration file", fmt.Sprintf("Failed to read %s", path), "Check the file exists and is readable", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return cpmerrors.NewConfigError("Invalid configuration format", fmt.Sprintf("%s contains syntax errors", path), "Fix the file's syntax", err)
	}
	return nil
}
