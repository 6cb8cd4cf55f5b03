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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/internal/ui"
	"github.com/kraklabs/cpm/pkg/build"
	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/store"
)

// runBuild dispatches cpm's "build" sub-subcommands: currently only "run".
func runBuild(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cpm build run [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		runBuildRun(args[1:], globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown build subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

// runBuildRun implements 'cpm build run' (spec.md §4.6's build pipeline):
// scan, chunk, incrementally embed, index, and write packet.lock.json.
func runBuildRun(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("build run", flag.ExitOnError)
	source := fs.String("source", "", "Source directory to scan (required)")
	name := fs.String("name", "", "Packet name (required)")
	packetVersion := fs.String("packet-version", "0.1.0", "Packet version")
	description := fs.String("description", "", "Packet description")
	entrypoints := fs.StringSlice("entrypoint", nil, "Entrypoint file (repeatable)")
	provider := fs.String("provider", "", "Embedding provider name (default: embeddings.yml's default)")
	model := fs.String("model", "", "Embedding model name (default: provider's configured model)")
	maxSeqLength := fs.Int("max-seq-length", 512, "Max sequence length passed to the embedder")
	normalize := fs.Bool("normalize", true, "L2-normalize embeddings")
	dtype := fs.String("dtype", "float16", "Output dtype: float16 or float32")
	updateLock := fs.Bool("update-lock", false, "Overwrite packet.lock.json even on plan divergence")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm build run --source <dir> --name <name> [options]

Description:
  Scan a source directory, chunk its documents, embed the chunks
  (incrementally reusing unchanged chunks from a prior build), build a
  flat vector index, and write the packet to the workspace's package
  store (spec.md §4.6).

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cpm build run --source docs --name docs --packet-version 1.2.3
  cpm build run --source docs --name docs --provider local --model all-MiniLM-L6-v2

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *source == "" || *name == "" {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing required flags", "--source and --name are required", "", nil), globals.JSON)
	}

	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)

	client, defaultModel, err := embedClientForProvider(wc, *provider)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	effectiveModel := *model
	if effectiveModel == "" {
		effectiveModel = defaultModel
	}

	st := store.New(ws)
	packetDir := st.VersionDir(*name, *packetVersion)

	bar := ui.NewProgressBar(0, "building "+*name, globals.Quiet)

	opts := build.Options{
		SourceDir:    *source,
		PacketDir:    packetDir,
		Name:         *name,
		Version:      *packetVersion,
		Description:  *description,
		Entrypoints:  *entrypoints,
		Provider:     *provider,
		Model:        effectiveModel,
		MaxSeqLength: *maxSeqLength,
		Normalize:    *normalize,
		Dtype:        embedclient.Dtype(*dtype),
		CpmVersion:   version,
		UpdateLock:   *updateLock,
		Progress: func(step string, done, total int) {
			if !globals.Quiet {
				_ = bar.Set(done)
			}
			if globals.Verbose >= 1 {
				ui.Info("%s: %d/%d", step, done, total)
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := build.Run(ctx, client, opts)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	if result.BuildFailed {
		ui.Error("build failed: %s", result.FailReason)
		os.Exit(1)
	}
	ui.Success("Built packet %s (docs=%d dim=%d reused=%d embedded=%d removed=%d)",
		result.PacketID, result.DocsCount, result.Dim, result.Reused, result.Embedded, result.Removed)
	fmt.Printf("  packet dir: %s\n", packetDir)
	if strings.TrimSpace(effectiveModel) == "" {
		ui.Warn("no embedding model was configured; check embeddings.yml")
	}
}
