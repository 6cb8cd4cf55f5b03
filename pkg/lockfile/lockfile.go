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

// Package lockfile implements packet.lock.json (spec.md §3/§4.14): the
// resolved build plan, its canonical-JSON-hashed artifacts, and tamper
// verification against a built packet directory.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/kraklabs/cpm/pkg/canon"
)

// LockfileVersion is the fixed lockfileVersion field value.
const LockfileVersion = 1

// PacketRef identifies the built packet within the lockfile.
type PacketRef struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	PacketID          string `json:"packet_id"`
	ResolvedPacketID  string `json:"resolved_packet_id"`
	BuildProfile      string `json:"build_profile"`
}

// Input is one source input the build consumed.
type Input struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
	Hash string `json:"hash"`
}

// PipelineStep is one recorded step of the build pipeline.
type PipelineStep struct {
	Step          string         `json:"step"`
	Plugin        string         `json:"plugin,omitempty"`
	PluginVersion string         `json:"plugin_version,omitempty"`
	ConfigHash    string         `json:"config_hash"`
	Params        map[string]any `json:"params,omitempty"`
}

// ModelRef records the embedding model used during the build.
type ModelRef struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Revision     string `json:"revision,omitempty"`
	Dtype        string `json:"dtype"`
	DevicePolicy string `json:"device_policy,omitempty"`
	Normalize    bool   `json:"normalize"`
	MaxSeqLength int    `json:"max_seq_length"`
}

// Artifacts records the canonical-JSON/file hashes of the build outputs.
type Artifacts struct {
	ChunksManifestHash string `json:"chunks_manifest_hash"`
	EmbeddingsHash     string `json:"embeddings_hash"`
	IndexHash          string `json:"index_hash"`
	PacketManifestHash string `json:"packet_manifest_hash"`
}

// Resolution records how this lockfile was produced.
type Resolution struct {
	GeneratedAt string   `json:"generated_at"`
	CpmVersion  string   `json:"cpm_version"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Lockfile is packet.lock.json.
type Lockfile struct {
	LockfileVersion int            `json:"lockfileVersion"`
	Packet          PacketRef      `json:"packet"`
	Inputs          []Input        `json:"inputs"`
	Pipeline        []PipelineStep `json:"pipeline"`
	Models          []ModelRef     `json:"models"`
	Artifacts       Artifacts      `json:"artifacts"`
	Resolution      Resolution     `json:"resolution"`
}

// ResolvedPacketIDInputs is the shape hashed to produce resolved_packet_id.
type ResolvedPacketIDInputs struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	BuildProfile string `json:"build_profile"`
	SourcePath   string `json:"source_path"`
	ConfigHash   string `json:"config_hash"`
}

// ComputeResolvedPacketID implements spec.md §3's
// resolved_packet_id = sha256(canonical_json({name,version,build_profile,source_path,config_hash})).
func ComputeResolvedPacketID(in ResolvedPacketIDInputs) (string, error) {
	return canon.Hash(in)
}

// Load reads and parses packet.lock.json.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: store-resolved artifact path
	if err != nil {
		return nil, err
	}
	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, err
	}
	return &lf, nil
}

// Save writes packet.lock.json atomically.
func Save(path string, lf *Lockfile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PlanMismatchError reports that a re-build's inputs or pipeline steps
// diverge from the existing lock (spec.md §4.6 step 8).
type PlanMismatchError struct {
	Field string // "inputs" or "pipeline"
}

func (e *PlanMismatchError) Error() string {
	return fmt.Sprintf("packet.lock.json %s differ from the resolved build plan", e.Field)
}

// VerifyPlan compares a freshly-resolved plan's inputs/pipeline against an
// existing lockfile, returning *PlanMismatchError if they diverge. Pass
// updateLock=true to skip this check (the caller intends to overwrite).
func VerifyPlan(existing *Lockfile, newInputs []Input, newPipeline []PipelineStep, updateLock bool) error {
	if updateLock || existing == nil {
		return nil
	}
	if !reflect.DeepEqual(existing.Inputs, newInputs) {
		return &PlanMismatchError{Field: "inputs"}
	}
	if !reflect.DeepEqual(existing.Pipeline, newPipeline) {
		return &PlanMismatchError{Field: "pipeline"}
	}
	return nil
}

// ArtifactMismatchError reports that a built artifact's current hash no
// longer matches the lockfile's recorded hash (tamper detection).
type ArtifactMismatchError struct {
	Artifact string
	Want     string
	Got      string
}

func (e *ArtifactMismatchError) Error() string {
	return fmt.Sprintf("%s hash mismatch: lockfile has %s, found %s", e.Artifact, e.Want, e.Got)
}

// VerifyArtifacts recomputes each artifact hash from disk and compares it
// against the lockfile's recorded values, returning the first mismatch.
func VerifyArtifacts(lf *Lockfile, docsJSONLPath, vectorsPath, indexPath, manifestPath string) error {
	checks := []struct {
		name string
		path string
		want string
	}{
		{"embeddings_hash", vectorsPath, lf.Artifacts.EmbeddingsHash},
		{"index_hash", indexPath, lf.Artifacts.IndexHash},
		{"packet_manifest_hash", manifestPath, lf.Artifacts.PacketManifestHash},
		{"chunks_manifest_hash", docsJSONLPath, lf.Artifacts.ChunksManifestHash},
	}
	for _, c := range checks {
		if c.want == "" {
			continue
		}
		got, err := canon.HashFile(c.path)
		if err != nil {
			return err
		}
		if got != c.want {
			return &ArtifactMismatchError{Artifact: c.name, Want: c.want, Got: got}
		}
	}
	return nil
}
