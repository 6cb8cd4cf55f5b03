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
	"github.com/kraklabs/cpm/pkg/install"
	"github.com/kraklabs/cpm/pkg/registry"
)

// registryClient builds a *registry.Client from config.toml's [oci] table.
func registryClient(wc *workspaceConfig) *registry.Client {
	oci := wc.Config.OCI
	return registry.New(registry.Config{
		AllowlistDomains:     oci.AllowlistDomains,
		Insecure:             oci.Insecure,
		Username:             oci.Username,
		Password:             oci.Password,
		Token:                oci.Token,
		TimeoutSeconds:       oci.TimeoutSeconds,
		MaxArtifactSizeBytes: oci.MaxArtifactSizeBytes,
	})
}

func installOptions(wc *workspaceConfig, providerFlag, modelFlag string, forceDiscovery, noEmbed bool) install.Options {
	oci := wc.Config.OCI
	return install.Options{
		Registry:       registryClient(wc),
		Repository:     oci.Repository,
		Policy:         wc.toPolicy(),
		Model:          modelFlag,
		Provider:       providerFlag,
		Insecure:       oci.Insecure,
		ForceDiscovery: forceDiscovery,
		NoEmbed:        noEmbed,
	}
}

func splitNameAtVersion(spec string) (name, ver string) {
	if idx := strings.LastIndex(spec, "@"); idx >= 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, ""
}

// runInstall implements 'cpm install <name>[@version]'.
func runInstall(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	provider := fs.String("provider", "", "Preferred embedding provider for the install-lock's selection cascade")
	model := fs.String("model", "", "Preferred embedding model")
	forceDiscovery := fs.Bool("force-discovery", false, "Re-run OCI referrer discovery even if a cached trust decision exists")
	noEmbed := fs.Bool("no-embed", false, "Delete the installed packet's vectors and index after copying it")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm install <name>[@version] [options]

Description:
  Resolve and install a packet from the configured OCI registry
  (spec.md §4.8): policy gate, pull, trust evaluation, install-lock write.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing packet spec", "provide name[@version]", "cpm install docs@1.2.3", nil), globals.JSON)
	}

	name, ver := splitNameAtVersion(fs.Arg(0))
	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)
	ins := install.New(ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	lock, err := ins.Install(ctx, name, ver, installOptions(wc, *provider, *model, *forceDiscovery, *noEmbed))
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	printLockResult(globals, lock)
}

// runUninstall implements 'cpm uninstall <name> --version <v>'.
func runUninstall(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	ver := fs.String("version", "", "Version to remove (required)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm uninstall <name> --version <v>\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 || *ver == "" {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing arguments", "name and --version are required", "", nil), globals.JSON)
	}
	ws := requireWorkspace(globals)
	ins := install.New(ws)
	if err := ins.Uninstall(fs.Arg(0), *ver); err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	ui.Success("Removed %s@%s", fs.Arg(0), *ver)
}

// runUse implements 'cpm use <name> <target>' (pin/active marker update).
func runUse(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("use", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm use <name> <target-version>\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing arguments", "name and target version are required", "", nil), globals.JSON)
	}
	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)
	ins := install.New(ws)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := ins.Use(ctx, fs.Arg(0), fs.Arg(1), registryClient(wc), wc.Config.OCI.Repository)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	ui.Success("%s is now active at %s", fs.Arg(0), resolved)
}

// runPrune implements 'cpm prune <name> [--keep N]'.
func runPrune(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	keep := fs.Int("keep", 3, "Number of most recent versions to keep")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm prune <name> [--keep N]\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing name", "packet name is required", "", nil), globals.JSON)
	}
	ws := requireWorkspace(globals)
	ins := install.New(ws)
	removed, err := ins.Prune(fs.Arg(0), *keep)
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(map[string]any{"removed": removed})
		return
	}
	if len(removed) == 0 {
		ui.Info("nothing to prune for %s", fs.Arg(0))
		return
	}
	ui.Success("Pruned %d version(s) of %s: %s", len(removed), fs.Arg(0), strings.Join(removed, ", "))
}

// runUpdate implements 'cpm update <name>': re-resolve the greatest remote
// version and install it.
func runUpdate(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	provider := fs.String("provider", "", "Preferred embedding provider")
	model := fs.String("model", "", "Preferred embedding model")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cpm update <name> [options]\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		cpmerrors.FatalError(cpmerrors.NewInputError("Missing name", "packet name is required", "", nil), globals.JSON)
	}
	ws := requireWorkspace(globals)
	wc := loadWorkspaceConfig(ws, globals)
	ins := install.New(ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	lock, err := ins.Update(ctx, fs.Arg(0), installOptions(wc, *provider, *model, false, false))
	if err != nil {
		cpmerrors.FatalError(err, globals.JSON)
	}
	printLockResult(globals, lock)
}

func printLockResult(globals GlobalFlags, lock *install.Lock) {
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(lock)
		return
	}
	ui.Success("Installed %s@%s (trust_score=%.2f)", lock.Name, lock.Version, lock.TrustScore)
	fmt.Printf("  packet_ref: %s\n", lock.PacketRef)
	fmt.Printf("  selected_model: %s (%s)\n", lock.SelectedModel, lock.SelectedProvider)
	if lock.SuggestedRetriever != "" {
		fmt.Printf("  suggested_retriever: %s\n", lock.SuggestedRetriever)
	}
}
