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
	"context"
	"fmt"
	"sync"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/embedclient"
)

// ReplicaState is a replica's lifecycle state (spec.md §4.12).
type ReplicaState string

const (
	ReplicaIdle     ReplicaState = "IDLE"
	ReplicaBusy     ReplicaState = "BUSY"
	ReplicaStopping ReplicaState = "STOPPING"
)

// replica is one ModelRuntime worker: a driver instance plus its current
// state, protected by the owning ModelRuntime's mutex.
type replica struct {
	id       string
	driver   Driver
	state    ReplicaState
	inflight int
	lastIdle time.Time
}

// workItem is a queued embed request (spec.md §4.12's WorkItem).
type workItem struct {
	texts     []string
	opts      embedclient.Options
	result    chan workResult
	createdAt time.Time
}

type workResult struct {
	vectors   [][]float32
	dim       int
	replicaID string
	err       error
}

// errDisabled/errQueueFull are enqueue's two fail-fast rejections.
var (
	errDisabled  = cpmerrors.NewRuntimeError("Model disabled", "this model is currently disabled", "Enable it via POST /models/enable", nil)
	errQueueFull = cpmerrors.NewRuntimeError("Queue full", "the model's work queue is at capacity", "Retry later or raise queue.max_size", nil)
	errStopped   = cpmerrors.NewRuntimeError("Model runtime stopped", "the model runtime was stopped before this item was processed", "", nil)
)

// ModelRuntime owns one model's bounded queue, replica set, and
// autoscaling loop (spec.md §4.12's ModelRuntime invariants).
type ModelRuntime struct {
	name      string
	spec      ModelSpec
	globalSem chan struct{}

	mu       sync.Mutex
	replicas []*replica
	running  bool
	disabled bool
	nextID   int

	queue  chan *workItem
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newModelRuntime constructs a ModelRuntime sharing globalSem (the pool's
// global in-flight-embed semaphore) across every model.
func newModelRuntime(spec ModelSpec, globalSem chan struct{}) *ModelRuntime {
	spec = spec.withDefaults()
	return &ModelRuntime{
		name:      spec.Name,
		spec:      spec,
		globalSem: globalSem,
		disabled:  spec.Disabled,
		queue:     make(chan *workItem, spec.Queue.MaxSize),
	}
}

// Start pre-creates scaling.min replicas, warms each driver, and launches
// the autoscaling loop.
func (r *ModelRuntime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	for i := 0; i < r.spec.Scaling.Min; i++ {
		if err := r.addReplicaLocked(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go r.autoscaleLoop(ctx)
	return nil
}

func (r *ModelRuntime) addReplicaLocked() error {
	driver, err := newDriver(r.spec)
	if err != nil {
		return err
	}
	r.nextID++
	rep := &replica{id: fmt.Sprintf("%s-r%d", r.name, r.nextID), driver: driver, state: ReplicaIdle, lastIdle: time.Now()}
	r.replicas = append(r.replicas, rep)
	r.wg.Add(1)
	go r.replicaLoop(rep)
	return nil
}

// replicaLoop pulls one work item at a time, acquires the global
// semaphore, runs driver.Embed off the caller's goroutine, and completes
// the item's future.
func (r *ModelRuntime) replicaLoop(rep *replica) {
	defer r.wg.Done()
	for item := range r.queue {
		r.mu.Lock()
		rep.state = ReplicaBusy
		rep.inflight++
		r.mu.Unlock()

		r.globalSem <- struct{}{}
		vectors, dim, err := rep.driver.Embed(context.Background(), item.texts, item.opts)
		<-r.globalSem

		r.mu.Lock()
		rep.state = ReplicaIdle
		rep.inflight--
		rep.lastIdle = time.Now()
		r.mu.Unlock()

		item.result <- workResult{vectors: vectors, dim: dim, replicaID: rep.id, err: err}
		close(item.result)
	}
}

// Enqueue implements spec.md §4.12's enqueue(texts, options): fail fast on
// Disabled/QueueFull, else return a future completed by a replica loop.
func (r *ModelRuntime) Enqueue(texts []string, opts embedclient.Options) (chan workResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return nil, errDisabled
	}
	if !r.running {
		return nil, errStopped
	}
	item := &workItem{texts: texts, opts: opts, result: make(chan workResult, 1), createdAt: time.Now()}
	select {
	case r.queue <- item:
		return item.result, nil
	default:
		return nil, errQueueFull
	}
}

// autoscaleLoop runs at ~500ms cadence: it grows the replica set toward
// scaling.max when the queue is non-empty and no replica is idle, and
// shrinks idle replicas older than scaling.idle_ttl_s back down to
// scaling.min.
func (r *ModelRuntime) autoscaleLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scaleOnce()
		}
	}
}

func (r *ModelRuntime) scaleOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	queueLen := len(r.queue)
	anyIdle := false
	for _, rep := range r.replicas {
		if rep.state == ReplicaIdle {
			anyIdle = true
			break
		}
	}
	if queueLen > 0 && !anyIdle && len(r.replicas) < r.spec.Scaling.Max {
		_ = r.addReplicaLocked()
	}

	ttl := time.Duration(r.spec.Scaling.IdleTTLSec) * time.Second
	now := time.Now()
	removable := len(r.replicas) - r.spec.Scaling.Min
	removed := 0
	var kept []*replica
	for _, rep := range r.replicas {
		if removed < removable && rep.state == ReplicaIdle && now.Sub(rep.lastIdle) > ttl {
			_ = rep.driver.Close()
			removed++
			continue
		}
		kept = append(kept, rep)
	}
	r.replicas = kept
}

// Stop marks the runtime not-running, cancels the scaler, marks every
// replica STOPPING, closes drivers, and fails any still-queued items.
func (r *ModelRuntime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	for _, rep := range r.replicas {
		rep.state = ReplicaStopping
	}
	replicas := r.replicas
	close(r.queue)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for item := range r.queue {
		item.result <- workResult{err: errStopped}
		close(item.result)
	}
	for _, rep := range replicas {
		_ = rep.driver.Close()
	}
	r.wg.Wait()
}

// SetDisabled toggles the runtime's Disabled rejection without tearing
// down its replicas.
func (r *ModelRuntime) SetDisabled(disabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = disabled
}

// Snapshot reports the runtime's current state for GET /status.
type Snapshot struct {
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
	Replicas int    `json:"replicas"`
	QueueLen int     `json:"queue_len"`
	Idle     int     `json:"idle"`
	Busy     int     `json:"busy"`
}

func (r *ModelRuntime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Name: r.name, Disabled: r.disabled, Replicas: len(r.replicas), QueueLen: len(r.queue)}
	for _, rep := range r.replicas {
		if rep.state == ReplicaIdle {
			s.Idle++
		} else if rep.state == ReplicaBusy {
			s.Busy++
		}
	}
	return s
}
