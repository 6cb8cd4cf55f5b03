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
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/internal/ui"
	"github.com/kraklabs/cpm/pkg/store"
)

// PacketStatus is one row of 'cpm status' output.
type PacketStatus struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
	Pinned   string   `json:"pinned,omitempty"`
	Active   string   `json:"active,omitempty"`
}

// StatusResult is the full 'cpm status' JSON document.
type StatusResult struct {
	Workspace string         `json:"workspace"`
	Packets   []PacketStatus `json:"packets"`
	Timestamp time.Time      `json:"timestamp"`
}

// runStatus implements 'cpm status': a summary of every installed packet in
// the workspace's package store, its pin, and its active version.
func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm status [options]

Description:
  List every packet installed in the workspace's package store, along
  with its installed versions, pinned version, and active version.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ws := requireWorkspace(globals)
	st := store.New(ws)

	entries, err := os.ReadDir(ws.PackagesDir())
	if err != nil && !os.IsNotExist(err) {
		cpmerrors.FatalError(cpmerrors.NewInternalError("Cannot read package store", err.Error(), "", err), globals.JSON)
	}

	result := StatusResult{Workspace: ws.Root, Timestamp: time.Now()}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		versions, err := st.InstalledVersions(name)
		if err != nil || len(versions) == 0 {
			continue
		}
		ps := PacketStatus{Name: name, Versions: versions}
		if pin, err := st.ReadPin(name); err == nil {
			ps.Pinned = pin
		}
		if act, err := st.ReadActive(name); err == nil {
			ps.Active = act
		}
		result.Packets = append(result.Packets, ps)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	if len(result.Packets) == 0 {
		ui.Info("no packets installed in %s", ws.Root)
		return
	}

	ui.Info("workspace: %s", ws.Root)
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSIONS\tPINNED\tACTIVE")
	for _, ps := range result.Packets {
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\n", ps.Name, ps.Versions, ps.Pinned, ps.Active)
	}
	_ = tw.Flush()
}
