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

// Package pool implements the embedding pool server of spec.md §4.12 (C12):
// a long-lived multi-model process dispatching embedding requests across
// per-model runtimes (in-process, subprocess, or remote HTTP), each with
// its own bounded queue and autoscaling replica pool, fronted by a
// process-wide sha256-keyed SQLite cache and a global concurrency
// semaphore. The HTTP surface is exposed separately by Server
// (server.go), generalizing the teacher's cmd/cie/serve.go job-map/
// graceful-shutdown idiom to a set of named model runtimes.
package pool

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
)

// ScalingSpec is a model's `scaling` sub-table in pool.yml.
type ScalingSpec struct {
	Min        int `yaml:"min"`
	Max        int `yaml:"max"`
	IdleTTLSec int `yaml:"idle_ttl_s"`
}

// QueueSpec is a model's `queue` sub-table in pool.yml.
type QueueSpec struct {
	MaxSize int `yaml:"max_size"`
}

// Default sub-spec values, applied by ModelSpec.withDefaults.
const (
	defaultScalingMin    = 1
	defaultScalingMax    = 4
	defaultIdleTTLSec    = 30
	defaultQueueMaxSize  = 256
	defaultStartupTimout = 10
)

// ModelSpec is one pool.yml `models[]` entry.
type ModelSpec struct {
	Name     string   `yaml:"name"`
	Driver   string   `yaml:"driver"` // local_st | http | subprocess
	Disabled bool     `yaml:"disabled,omitempty"`
	Aliases  []string `yaml:"aliases,omitempty"`

	// local_st
	Dim int `yaml:"dim,omitempty"`

	// http
	BaseURL     string `yaml:"base_url,omitempty"`
	RemoteModel string `yaml:"remote_model,omitempty"`

	// subprocess
	Command               []string `yaml:"command,omitempty"`
	StartupTimeoutSeconds int      `yaml:"startup_timeout_seconds,omitempty"`

	Scaling ScalingSpec `yaml:"scaling,omitempty"`
	Queue   QueueSpec   `yaml:"queue,omitempty"`
}

func (s ModelSpec) withDefaults() ModelSpec {
	if s.Scaling.Min <= 0 {
		s.Scaling.Min = defaultScalingMin
	}
	if s.Scaling.Max < s.Scaling.Min {
		s.Scaling.Max = defaultScalingMax
	}
	if s.Scaling.IdleTTLSec <= 0 {
		s.Scaling.IdleTTLSec = defaultIdleTTLSec
	}
	if s.Queue.MaxSize <= 0 {
		s.Queue.MaxSize = defaultQueueMaxSize
	}
	if s.StartupTimeoutSeconds <= 0 {
		s.StartupTimeoutSeconds = defaultStartupTimout
	}
	if s.Dim <= 0 {
		s.Dim = 384
	}
	return s
}

// PoolFile is pool.yml.
type PoolFile struct {
	Version int         `yaml:"version"`
	Models  []ModelSpec `yaml:"models"`
}

// LoadPoolFile reads pool.yml from path. A missing file returns an empty,
// version-1 PoolFile so a fresh workspace can register models at runtime.
func LoadPoolFile(path string) (*PoolFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: workspace-resolved config path
	if err != nil {
		if os.IsNotExist(err) {
			return &PoolFile{Version: 1}, nil
		}
		return nil, cpmerrors.NewConfigError("Cannot read pool configuration", fmt.Sprintf("Failed to read %s", path), "Check file permissions", err)
	}
	var pf PoolFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, cpmerrors.NewConfigError("Invalid pool configuration", fmt.Sprintf("%s contains syntax errors", path), "Fix the file's syntax", err)
	}
	if pf.Version == 0 {
		pf.Version = 1
	}
	return &pf, nil
}

// SavePoolFile writes pf to path as YAML, creating parent directories.
func SavePoolFile(pf *PoolFile, path string) error {
	data, err := yaml.Marshal(pf)
	if err != nil {
		return cpmerrors.NewInternalError("Cannot encode pool configuration", "YAML marshaling failed unexpectedly", "This is a bug; please report it", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return cpmerrors.NewPermissionError("Cannot create pool configuration directory", err.Error(), "Check directory permissions", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return cpmerrors.NewPermissionError("Cannot write pool configuration", err.Error(), "Check file permissions and disk space", err)
	}
	return nil
}

func findModel(pf *PoolFile, name string) (ModelSpec, bool) {
	for _, m := range pf.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelSpec{}, false
}
