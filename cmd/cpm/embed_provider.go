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

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/embedclient"
)

// embedClientForProvider resolves name (or wc.Embeddings.Default, if name is
// empty) to an *embedclient.Client per spec.md §4.5/§6's embeddings.yml
// provider shape.
func embedClientForProvider(wc *workspaceConfig, name string) (*embedclient.Client, string, error) {
	if name == "" {
		name = wc.Embeddings.Default
	}
	if name == "" {
		return nil, "", cpmerrors.NewConfigError(
			"No embedding provider configured",
			"embeddings.yml has no default provider and none was given",
			"Set 'default' in embeddings.yml or pass --provider",
			nil,
		)
	}
	provider, ok := wc.Embeddings.Providers[name]
	if !ok {
		return nil, "", cpmerrors.NewConfigError(
			"Unknown embedding provider",
			fmt.Sprintf("no provider named %q in embeddings.yml", name),
			"Check embeddings.yml's providers map",
			nil,
		)
	}

	baseURL := provider.HTTP.BaseURL
	if baseURL == "" {
		baseURL = provider.URL
	}
	mode := embedclient.ModeEmbedPool
	if provider.HTTP.EmbeddingsPath == "/v1/embeddings" || provider.Type == "openai" {
		mode = embedclient.ModeOpenAI
	}

	apiKey := provider.Auth.Token
	client := embedclient.New(baseURL, mode, apiKey)
	model := provider.Model
	return client, model, nil
}
