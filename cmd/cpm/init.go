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
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/internal/ui"
	"github.com/kraklabs/cpm/pkg/config"
)

// runInit creates a .cpm workspace: the directory layout of spec.md §6 plus
// default config.toml/embeddings.yml/policy.yml/build.toml files.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite existing config files")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm init [options]

Description:
  Create a .cpm workspace in the current directory: packages/, cache/,
  plugins/, state/, config/, logs/, plus default config.toml,
  embeddings.yml, policy.yml, and build.toml files under config/.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cpm init
  cpm init --force   Recreate config files even if they already exist

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ws := openWorkspace(globals)
	if err := ws.EnsureLayout(); err != nil {
		cpmerrors.FatalError(cpmerrors.NewPermissionError("Cannot create workspace layout", err.Error(), "Check directory permissions", err), globals.JSON)
	}

	writeIfAbsent(globals, configTOMLPath(ws), *force, func(path string) error {
		return config.SaveConfig(config.DefaultConfig(), path)
	})
	writeIfAbsent(globals, embeddingsYMLPath(ws), *force, func(path string) error {
		return writeYAML(path, config.EmbeddingsConfig{
			Default: "local",
			Providers: map[string]config.Provider{
				"local": {Type: "http", HTTP: config.HTTPShape{BaseURL: "http://localhost:8088", EmbeddingsPath: "/embed"}, Timeout: 10, BatchSize: 32},
			},
		})
	})
	writeIfAbsent(globals, policyYMLPath(ws), *force, func(path string) error {
		return writeYAML(path, config.PolicyFile{Policy: config.PolicyConfig{Mode: "permissive", MaxTokens: 0}})
	})
	writeIfAbsent(globals, buildTOMLPath(ws), *force, func(path string) error {
		return writeYAML(path, config.BuildConfig{
			Source:    config.BuildSourceConfig{Dir: "docs"},
			Output:    config.BuildOutputConfig{Dir: "dist", Version: "0.1.0"},
			Embedding: config.BuildEmbeddingConfig{Model: "local", MaxSeqLength: 512, TimeoutSeconds: 10},
			Chunking:  config.BuildChunkingConfig{LinesPerChunk: 40, OverlapLines: 4},
		})
	})

	ui.Success("Created workspace at %s", ws.Root)
	fmt.Println()
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Edit %s/config/*.{toml,yml} as needed\n", ws.Root)
	fmt.Printf("  2. Run 'cpm build run --source <dir> --name <name>' to build a packet\n")
	fmt.Printf("  3. Run 'cpm query <name> \"<question>\"' to query it\n")
}

func writeIfAbsent(globals GlobalFlags, path string, force bool, write func(string) error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return
		}
	}
	if err := write(path); err != nil {
		cpmerrors.FatalError(cpmerrors.NewPermissionError("Cannot write config file", err.Error(), "Check directory permissions", err), globals.JSON)
	}
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
