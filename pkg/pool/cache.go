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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/packet"
)

// Cache is the process-wide sha256-keyed embedding cache (spec.md §4.12's
// "process-wide sha256 embedding cache"), persisted as float16 blobs in
// SQLite. Per spec.md §5, it uses one short-lived connection per operation
// with WAL/NORMAL pragmas already set on the shared *sql.DB, and an
// in-process mutex serializes reads/writes since sqlite's Go driver does
// not itself guarantee that under concurrent writers.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenCache opens (creating if needed) the embedding cache at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, cpmerrors.NewPermissionError("Cannot create cache directory", err.Error(), "Check directory permissions", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, cpmerrors.NewDatabaseError("Cannot open embedding cache", err.Error(), "Check the cache file is not corrupt", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, cpmerrors.NewDatabaseError("Cannot configure embedding cache", err.Error(), "", err)
		}
	}
	const schema = `CREATE TABLE IF NOT EXISTS embeddings (
		model TEXT NOT NULL,
		h TEXT NOT NULL,
		dim INTEGER NOT NULL,
		vector BLOB NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (model, h)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, cpmerrors.NewDatabaseError("Cannot initialize embedding cache schema", err.Error(), "", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// textHash is the cache key for one (model, text) pair.
func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Lookup splits texts into cache hits (keyed by their original index) and
// the remaining misses, preserving input order for misses.
func (c *Cache) Lookup(model string, texts []string) (hits map[int][]float32, misses []int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits = make(map[int][]float32, len(texts))
	stmt, err := c.db.Prepare(`SELECT vector FROM embeddings WHERE model = ? AND h = ?`)
	if err != nil {
		return nil, nil, cpmerrors.NewDatabaseError("Embedding cache lookup failed", err.Error(), "", err)
	}
	defer stmt.Close()

	for i, text := range texts {
		var blob []byte
		row := stmt.QueryRow(model, textHash(text))
		if scanErr := row.Scan(&blob); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				misses = append(misses, i)
				continue
			}
			return nil, nil, cpmerrors.NewDatabaseError("Embedding cache lookup failed", scanErr.Error(), "", scanErr)
		}
		hits[i] = packet.DecodeF16(blob)
	}
	return hits, misses, nil
}

// Put persists one (model, text) → vector row, overwriting any existing
// row for the same key (ON CONFLICT DO UPDATE, per spec.md §5).
func (c *Cache) Put(model, text string, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob := packet.EncodeF16(vector)
	_, err := c.db.Exec(
		`INSERT INTO embeddings (model, h, dim, vector, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(model, h) DO UPDATE SET dim = excluded.dim, vector = excluded.vector, created_at = excluded.created_at`,
		model, textHash(text), len(vector), blob, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return cpmerrors.NewDatabaseError("Embedding cache write failed", err.Error(), "", err)
	}
	return nil
}

// PurgeModel deletes every cached row for model, e.g. on hot-reload
// removal (spec.md §4.12's "cached rows for M1 are pruned").
func (c *Cache) PurgeModel(model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`DELETE FROM embeddings WHERE model = ?`, model); err != nil {
		return cpmerrors.NewDatabaseError(fmt.Sprintf("Cannot purge cache for model %q", model), err.Error(), "", err)
	}
	return nil
}
