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

package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_SortsKeysRegardlessOfInputOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ja, err := JSON(a)
	require.NoError(t, err)
	jb, err := JSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(ja))
}

func TestHash_DeterministicAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashBytes_MatchesKnownSHA256(t *testing.T) {
	// sha256("") = e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855
	got := HashBytes([]byte(""))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}
