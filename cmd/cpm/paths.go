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
	"os"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/workspace"
)

// openWorkspace resolves the active workspace from --workspace, falling
// back to ./.cpm the way the teacher falls back to ~/.cie/data.
func openWorkspace(globals GlobalFlags) *workspace.Workspace {
	root := globals.Workspace
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cpmerrors.FatalError(cpmerrors.NewInternalError(
				"Cannot access working directory",
				err.Error(),
				"",
				err,
			), globals.JSON)
		}
		ws, err := workspace.ForProjectDir(cwd)
		if err != nil {
			cpmerrors.FatalError(cpmerrors.NewInternalError("Cannot resolve workspace", err.Error(), "", err), globals.JSON)
		}
		return ws
	}
	ws, err := workspace.Open(root)
	if err != nil {
		cpmerrors.FatalError(cpmerrors.NewInternalError("Cannot resolve workspace", err.Error(), "", err), globals.JSON)
	}
	return ws
}

// requireWorkspace is openWorkspace plus a check that the workspace has
// been initialized (cpm init has run).
func requireWorkspace(globals GlobalFlags) *workspace.Workspace {
	ws := openWorkspace(globals)
	if _, err := os.Stat(ws.Root); err != nil {
		cpmerrors.FatalError(cpmerrors.NewResolutionError(
			"Workspace not initialized",
			ws.Root+" does not exist",
			"Run 'cpm init' first",
			err,
		), globals.JSON)
	}
	return ws
}
