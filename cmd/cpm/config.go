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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/internal/ui"
	"github.com/kraklabs/cpm/pkg/config"
	"github.com/kraklabs/cpm/pkg/policy"
	"github.com/kraklabs/cpm/pkg/workspace"
)

func configTOMLPath(ws *workspace.Workspace) string     { return filepath.Join(ws.ConfigDir(), "config.toml") }
func embeddingsYMLPath(ws *workspace.Workspace) string   { return filepath.Join(ws.ConfigDir(), "embeddings.yml") }
func policyYMLPath(ws *workspace.Workspace) string       { return filepath.Join(ws.ConfigDir(), "policy.yml") }
func buildTOMLPath(ws *workspace.Workspace) string       { return filepath.Join(ws.ConfigDir(), "build.toml") }

// workspaceConfig bundles the four config files of spec.md §6, loaded once
// per command invocation.
type workspaceConfig struct {
	Config     *config.Config
	Embeddings *config.EmbeddingsConfig
	Policy     *config.PolicyConfig
	Build      *config.BuildConfig
}

// loadWorkspaceConfig reads config.toml (required-ish, falls back to
// defaults) and the other three files (optional; absence yields a zero
// value, since not every command needs all four).
func loadWorkspaceConfig(ws *workspace.Workspace, globals GlobalFlags) *workspaceConfig {
	cfg, err := config.LoadConfig(configTOMLPath(ws))
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	wc := &workspaceConfig{Config: cfg, Embeddings: &config.EmbeddingsConfig{}, Policy: &config.PolicyConfig{}, Build: &config.BuildConfig{}}

	if ec, err := config.LoadEmbeddingsConfig(embeddingsYMLPath(ws)); err == nil {
		wc.Embeddings = ec
	}
	if pc, err := config.LoadPolicyConfig(policyYMLPath(ws)); err == nil {
		wc.Policy = pc
	}
	if bc, err := config.LoadBuildConfig(buildTOMLPath(ws)); err == nil {
		wc.Build = bc
	}
	return wc
}

// toPolicy converts the loaded PolicyConfig into a pkg/policy.Policy value.
func (wc *workspaceConfig) toPolicy() policy.Policy {
	return policy.Policy{
		Mode:           policy.Mode(wc.Policy.Mode),
		AllowedSources: wc.Policy.AllowedSources,
		MinTrustScore:  wc.Policy.MinTrustScore,
		MaxTokens:      wc.Policy.MaxTokens,
	}
}

// runConfigCmd implements 'cpm config': print the resolved workspace
// configuration, mirroring the teacher's 'cie config' command.
func runConfigCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm config [options]

Description:
  Show the resolved workspace configuration: config.toml, embeddings.yml,
  policy.yml, and build.toml, merged with defaults and CPM_* environment
  overrides.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"workspace":  ws.Root,
			"config":     wc.Config,
			"embeddings": wc.Embeddings,
			"policy":     wc.Policy,
			"build":      wc.Build,
		})
		return
	}

	ui.Info("workspace: %s", ws.Root)
	fmt.Printf("oci.repository:        %s\n", wc.Config.OCI.Repository)
	fmt.Printf("oci.allowlist_domains:  %v\n", wc.Config.OCI.AllowlistDomains)
	fmt.Printf("oci.strict_verify:      %v\n", wc.Config.OCI.StrictVerify)
	fmt.Printf("hub.url:                %s\n", wc.Config.Hub.URL)
	fmt.Printf("embeddings.default:     %s\n", wc.Embeddings.Default)
	fmt.Printf("policy.mode:            %s\n", wc.Policy.Mode)
	fmt.Printf("policy.allowed_sources: %v\n", wc.Policy.AllowedSources)
	fmt.Printf("build.source.dir:       %s\n", wc.Build.Source.Dir)
}
