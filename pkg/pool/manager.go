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

package pool

import (
	"fmt"
	"sync"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/embedclient"
	"github.com/kraklabs/cpm/pkg/packet"
)

// Manager owns every ModelRuntime, the shared global semaphore, and the
// persistent cache, and implements pool.yml hot-reload (spec.md §4.12).
type Manager struct {
	poolPath string

	mu       sync.RWMutex
	runtimes map[string]*ModelRuntime
	specs    map[string]ModelSpec
	aliases  map[string]string

	globalSem chan struct{}
	cache     *Cache
}

// NewManager returns a Manager reading/writing pool.yml at poolPath,
// caching embeddings at cachePath, and limiting total in-flight driver
// calls to globalConcurrency.
func NewManager(poolPath, cachePath string, globalConcurrency int) (*Manager, error) {
	if globalConcurrency <= 0 {
		globalConcurrency = 8
	}
	cache, err := OpenCache(cachePath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		poolPath:  poolPath,
		runtimes:  map[string]*ModelRuntime{},
		specs:     map[string]ModelSpec{},
		aliases:   map[string]string{},
		globalSem: make(chan struct{}, globalConcurrency),
		cache:     cache,
	}, nil
}

// Start reads pool.yml and starts a runtime for every enabled model.
func (m *Manager) Start() error {
	pf, err := LoadPoolFile(m.poolPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range pf.Models {
		if err := m.startLocked(spec); err != nil {
			return err
		}
	}
	return nil
}

// startLocked starts one model's runtime. Callers are responsible for
// alias-collision validation across the whole pool.yml before calling this
// (see Reload), since by the time a single model is started here any
// stale entries still in m.aliases from a model being torn down in the
// same reload would otherwise cause false collisions.
func (m *Manager) startLocked(spec ModelSpec) error {
	spec = spec.withDefaults()
	rt := newModelRuntime(spec, m.globalSem)
	if err := rt.Start(); err != nil {
		return err
	}
	m.runtimes[spec.Name] = rt
	m.specs[spec.Name] = spec
	for _, alias := range spec.Aliases {
		m.aliases[alias] = spec.Name
	}
	return nil
}

// resolve looks a model name or alias up to its runtime.
func (m *Manager) resolve(nameOrAlias string) (*ModelRuntime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt, ok := m.runtimes[nameOrAlias]; ok {
		return rt, true
	}
	if target, ok := m.aliases[nameOrAlias]; ok {
		rt, ok := m.runtimes[target]
		return rt, ok
	}
	return nil, false
}

// EmbedResult is POST /embed's response payload.
type EmbedResult struct {
	Model      string      `json:"model"`
	Dim        int         `json:"dim"`
	Vectors    [][]float32 `json:"vectors"`
	ReplicaID  string      `json:"replica_id"`
	CacheHits  int         `json:"cache_hits"`
	CacheMiss  int         `json:"cache_misses"`
}

// Embed implements spec.md §4.12's POST /embed flow: alias resolution,
// cache lookup, enqueue-the-misses, merge into original order, persist new
// vectors.
func (m *Manager) Embed(modelName string, texts []string, opts embedclient.Options) (*EmbedResult, error) {
	rt, ok := m.resolve(modelName)
	if !ok {
		return nil, cpmerrors.NewResolutionError("Unknown model", fmt.Sprintf("no registered model or alias named %q", modelName), "Register it via POST /models/register", nil)
	}
	canonicalName := rt.name

	hits, missIdx, err := m.cache.Lookup(canonicalName, texts)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, v := range hits {
		vectors[i] = v
	}

	var replicaID string
	if len(missIdx) > 0 {
		missTexts := make([]string, len(missIdx))
		for j, idx := range missIdx {
			missTexts[j] = texts[idx]
		}
		future, err := rt.Enqueue(missTexts, opts)
		if err != nil {
			return nil, err
		}
		res := <-future
		if res.err != nil {
			return nil, res.err
		}
		replicaID = res.replicaID
		for j, idx := range missIdx {
			// Return the float16-rounded vector the cache stores, so a later
			// cache hit for the same text yields an identical vector.
			vectors[idx] = packet.DecodeF16(packet.EncodeF16(res.vectors[j]))
			if err := m.cache.Put(canonicalName, texts[idx], res.vectors[j]); err != nil {
				return nil, err
			}
		}
	}

	dim := 0
	if len(vectors) > 0 && vectors[0] != nil {
		dim = len(vectors[0])
	}
	return &EmbedResult{
		Model: canonicalName, Dim: dim, Vectors: vectors,
		ReplicaID: replicaID, CacheHits: len(hits), CacheMiss: len(missIdx),
	}, nil
}

// Reload implements spec.md §4.12's POST /reload: re-reads pool.yml,
// starts added models, stops+purges removed models, and refreshes
// unchanged models' specs without tearing down their runtimes. Alias
// collisions fail the whole reload, leaving the prior state intact.
func (m *Manager) Reload() error {
	pf, err := LoadPoolFile(m.poolPath)
	if err != nil {
		return err
	}

	newAliases := map[string]string{}
	for _, spec := range pf.Models {
		for _, alias := range spec.Aliases {
			if existing, ok := newAliases[alias]; ok && existing != spec.Name {
				return cpmerrors.NewCollisionError("Alias collision", fmt.Sprintf("alias %q points to both %q and %q", alias, existing, spec.Name), "Fix pool.yml before reloading", nil)
			}
			newAliases[alias] = spec.Name
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newByName := map[string]ModelSpec{}
	for _, spec := range pf.Models {
		newByName[spec.Name] = spec.withDefaults()
	}

	for name, rt := range m.runtimes {
		if _, stillExists := newByName[name]; !stillExists {
			rt.Stop()
			delete(m.runtimes, name)
			delete(m.specs, name)
			if err := m.cache.PurgeModel(name); err != nil {
				return err
			}
		}
	}

	for name, spec := range newByName {
		if rt, exists := m.runtimes[name]; exists {
			rt.SetDisabled(spec.Disabled)
			m.specs[name] = spec
			continue
		}
		if err := m.startLocked(spec); err != nil {
			return err
		}
	}

	m.aliases = newAliases
	return nil
}

// RegisterModel adds a model to pool.yml and starts its runtime
// immediately (POST /models/register).
func (m *Manager) RegisterModel(spec ModelSpec) error {
	pf, err := LoadPoolFile(m.poolPath)
	if err != nil {
		return err
	}
	if _, exists := findModel(pf, spec.Name); exists {
		return cpmerrors.NewCollisionError("Model already registered", fmt.Sprintf("a model named %q already exists", spec.Name), "Use a different name, or DELETE it first", nil)
	}
	pf.Models = append(pf.Models, spec)
	if err := SavePoolFile(pf, m.poolPath); err != nil {
		return err
	}
	return m.Reload()
}

// SetEnabled flips a registered model's disabled flag in pool.yml and
// reloads (POST /models/enable).
func (m *Manager) SetEnabled(name string, enabled bool) error {
	pf, err := LoadPoolFile(m.poolPath)
	if err != nil {
		return err
	}
	found := false
	for i := range pf.Models {
		if pf.Models[i].Name == name {
			pf.Models[i].Disabled = !enabled
			found = true
		}
	}
	if !found {
		return cpmerrors.NewResolutionError("Unknown model", fmt.Sprintf("no model named %q in pool.yml", name), "", nil)
	}
	if err := SavePoolFile(pf, m.poolPath); err != nil {
		return err
	}
	return m.Reload()
}

// SetAlias adds alias → name in pool.yml and reloads (POST /models/alias).
func (m *Manager) SetAlias(name, alias string) error {
	pf, err := LoadPoolFile(m.poolPath)
	if err != nil {
		return err
	}
	found := false
	for i := range pf.Models {
		if pf.Models[i].Name == name {
			for _, existing := range pf.Models[i].Aliases {
				if existing == alias {
					found = true
					break
				}
			}
			if !found {
				pf.Models[i].Aliases = append(pf.Models[i].Aliases, alias)
			}
			found = true
		}
	}
	if !found {
		return cpmerrors.NewResolutionError("Unknown model", fmt.Sprintf("no model named %q in pool.yml", name), "", nil)
	}
	if err := SavePoolFile(pf, m.poolPath); err != nil {
		return err
	}
	return m.Reload()
}

// RemoveModel deletes a model from pool.yml and reloads, tearing down its
// runtime and purging its cache rows (DELETE /models/{name}).
func (m *Manager) RemoveModel(name string) error {
	pf, err := LoadPoolFile(m.poolPath)
	if err != nil {
		return err
	}
	kept := pf.Models[:0]
	found := false
	for _, spec := range pf.Models {
		if spec.Name == name {
			found = true
			continue
		}
		kept = append(kept, spec)
	}
	if !found {
		return cpmerrors.NewResolutionError("Unknown model", fmt.Sprintf("no model named %q in pool.yml", name), "", nil)
	}
	pf.Models = kept
	if err := SavePoolFile(pf, m.poolPath); err != nil {
		return err
	}
	return m.Reload()
}

// Status reports every runtime's snapshot, for GET /status.
func (m *Manager) Status() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt.Snapshot())
	}
	return out
}

// Shutdown stops every runtime and closes the cache.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.runtimes {
		rt.Stop()
	}
	_ = m.cache.Close()
}
