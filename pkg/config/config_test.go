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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.OCI.TimeoutSeconds)
	require.Equal(t, 3, cfg.OCI.MaxRetries)
}

func TestSaveAndLoadConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.OCI.Repository = "oci://registry.local/cpm"
	cfg.Hub.URL = "https://hub.example.com"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "oci://registry.local/cpm", loaded.OCI.Repository)
	require.Equal(t, "https://hub.example.com", loaded.Hub.URL)
}

func TestLoadConfig_EnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.OCI.Repository = "oci://from-file/pkg"
	require.NoError(t, SaveConfig(cfg, path))

	t.Setenv("CPM_OCI_REPOSITORY", "oci://from-env/pkg")
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "oci://from-env/pkg", loaded.OCI.Repository)
}

func TestLoadConfig_InvalidYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o600))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadEmbeddingsConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadEmbeddingsConfig(filepath.Join(t.TempDir(), "embeddings.yml"))
	require.Error(t, err)
}

func TestLoadEmbeddingsConfig_ParsesProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: local
providers:
  local:
    type: http
    http:
      base_url: http://localhost:8088
      embeddings_path: /embed
    model: all-MiniLM-L6-v2
`), 0o600))

	ec, err := LoadEmbeddingsConfig(path)
	require.NoError(t, err)
	require.Equal(t, "local", ec.Default)
	require.Equal(t, "all-MiniLM-L6-v2", ec.Providers["local"].Model)
	require.Equal(t, "http://localhost:8088", ec.Providers["local"].HTTP.BaseURL)
}

func TestLoadPolicyConfig_ParsesFlatPolicyBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
policy:
  mode: strict
  allowed_sources:
    - "oci://registry.local/*"
  min_trust_score: 0.5
  max_tokens: 4000
`), 0o600))

	pc, err := LoadPolicyConfig(path)
	require.NoError(t, err)
	require.Equal(t, "strict", pc.Mode)
	require.Equal(t, 0.5, pc.MinTrustScore)
	require.Equal(t, 4000, pc.MaxTokens)
}

func TestLoadBuildConfig_ParsesNestedTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  dir: docs
output:
  dir: dist
  version: 1.0.0
embedding:
  model: local
  max_seq_length: 512
chunking:
  lines_per_chunk: 40
  overlap_lines: 4
`), 0o600))

	bc, err := LoadBuildConfig(path)
	require.NoError(t, err)
	require.Equal(t, "docs", bc.Source.Dir)
	require.Equal(t, "1.0.0", bc.Output.Version)
	require.Equal(t, 40, bc.Chunking.LinesPerChunk)
}
