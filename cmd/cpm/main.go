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

// Package main implements the cpm CLI: build, install, query, and serve a
// versioned context packet store for retrieval-augmented tooling.
//
// Usage:
//
//	cpm init                        Create a .cpm workspace
//	cpm build run                   Build a packet from source documents
//	cpm install <name>[@version]    Install a packet from the registry
//	cpm query <packet> <text>       Run a retrieval query
//	cpm serve                       Start the embedding pool HTTP server
//	cpm benchmark run               Sample retrieval KPIs
package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cpm/internal/ui"
)

// version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags that apply to every subcommand.
type GlobalFlags struct {
	JSON      bool
	NoColor   bool
	Verbose   int
	Quiet     bool
	Workspace string
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		workspace   = flag.StringP("workspace", "w", "", "Workspace root (default: ./.cpm)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name), so
	// subcommand-specific flags pass through to their own flag sets.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `CPM - Context Packet Manager

CPM builds, versions, and serves context packets: chunked, embedded,
indexed document sets that retrieval-augmented tools query over. It
manages a local package store the way a language package manager
manages dependencies, with a pluggable embedding pool and feature
registry for non-default indexers, rerankers, and retrievers.

Usage:
  cpm <command> [options]

Commands:
  init              Create a .cpm workspace with default config files
  build run         Build a packet from a source directory
  install           Install a packet (name[@version]) from the registry
  uninstall         Remove an installed packet version
  use               Pin the active version for a packet
  prune             Remove old installed versions, keeping the most recent
  update            Re-resolve and install the latest version of a packet
  query             Run a retrieval query against a packet
  replay            Re-run a query and compare its output hash to --expect-hash (no query log is read)
  diff              Compare two packet builds
  serve             Start the embedding pool HTTP server
  benchmark run     Sample retrieval KPIs over N query runs
  benchmark trend   Summarize a window of benchmark snapshots
  status            Show workspace and installed-packet status
  config            Show the resolved workspace configuration

Global Options:
  --json             Output in JSON format (for applicable commands)
  --no-color         Disable color output (respects NO_COLOR env var)
  -v, --verbose      Increase verbosity (-v for info, -vv for debug)
  -q, --quiet        Suppress non-essential output
  -w, --workspace    Workspace root (default: ./.cpm, or $CPM_WORKSPACE_ROOT)
  -V, --version      Show version and exit

Examples:
  cpm init
  cpm build run --source docs --name docs --packet-version 1.2.3
  cpm install docs@1.2.3
  cpm query docs "how do I configure retries?"
  cpm serve --port 8090
  cpm benchmark run docs "retry policy" --runs 5

For detailed command help: cpm <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("cpm version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "Error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:      *jsonOutput,
		NoColor:   *noColor,
		Verbose:   *verbose,
		Quiet:     *quiet,
		Workspace: *workspace,
	}

	ui.InitColors(globals.NoColor)
	initLogger(globals)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "build":
		runBuild(cmdArgs, globals)
	case "install":
		runInstall(cmdArgs, globals)
	case "uninstall":
		runUninstall(cmdArgs, globals)
	case "use":
		runUse(cmdArgs, globals)
	case "prune":
		runPrune(cmdArgs, globals)
	case "update":
		runUpdate(cmdArgs, globals)
	case "query":
		runQuery(cmdArgs, globals)
	case "replay":
		runReplay(cmdArgs, globals)
	case "diff":
		runDiff(cmdArgs, globals)
	case "serve":
		os.Exit(runServe(cmdArgs, globals))
	case "benchmark":
		runBenchmark(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "config":
		runConfigCmd(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// initLogger sets up the process-wide slog default, gated on -v/-vv the way
// the teacher's CLI gates its own ui.Info/Debug helpers.
func initLogger(globals GlobalFlags) {
	level := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose >= 1:
		level = slog.LevelInfo
	}
	if globals.Quiet {
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
