// Copyright (C) 2024 XELIS
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hashpool

import (
	"runtime"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/metrics"
	"github.com/EpicCash/epic-poold/pow"
	"github.com/EpicCash/epic-poold/sync"
)

// Engine verifies hashes for one algorithm with a fixed set of workers
// over a ring of datasets that are rebuilt in the background.
type Engine struct {
	backend Backend
	helpers int

	slots []*Dataset
	ctr   uint32

	// serializes slot claims
	ensureMu sync.Mutex

	queue  chan *Request
	quit   chan struct{}
	closed atomic.Bool

	workers  gosync.WaitGroup
	builders gosync.WaitGroup
}

// NewEngine starts workers verification goroutines. helpers bounds the goroutines of one dataset
// rebuild, 0 means one per CPU.
func NewEngine(backend Backend, workers, helpers int) *Engine {
	if workers <= 0 {
		workers = config.HASH_THREADS
	}
	if helpers <= 0 {
		helpers = runtime.NumCPU()
	}

	e := &Engine{
		backend:  backend,
		helpers:  helpers,
		slots:    make([]*Dataset, config.DATASET_SLOTS),
		ensureMu: sync.Mutex{Name: "ensure " + backend.Algorithm().String()},
		queue:    make(chan *Request, config.HASH_QUEUE_SIZE),
		quit:     make(chan struct{}),
	}
	for i := range e.slots {
		e.slots[i] = newDataset(backend.Algorithm().String()+" slot "+strconv.Itoa(i), backend.NewContext())
	}

	e.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}

	return e
}

func (e *Engine) Algorithm() pow.Algorithm {
	return e.backend.Algorithm()
}

// HasDataset returns true if a slot holds or is building the dataset for id.
func (e *Engine) HasDataset(id uint64) bool {
	for _, d := range e.slots {
		if d.loaded.Load() == id {
			return true
		}
	}
	return false
}

// IsReady returns true if a slot can verify against id right now.
func (e *Engine) IsReady(id uint64) bool {
	for _, d := range e.slots {
		if d.ready.Load() == id {
			return true
		}
	}
	return false
}

// EnsureDataset claims the next slot for seed unless one already holds it, and rebuilds it in
// the background. Returns true if a rebuild was started.
func (e *Engine) EnsureDataset(seed pow.Seed) bool {
	id := seed.ID()

	e.ensureMu.Lock()
	defer e.ensureMu.Unlock()

	if e.closed.Load() || e.HasDataset(id) {
		return false
	}

	d := e.slots[e.ctr%uint32(len(e.slots))]
	e.ctr++

	d.pending.Store(&seed)
	d.loaded.Store(id)

	log.Infof("%s: loading dataset %016x", e.Algorithm(), id)

	e.builders.Add(1)
	go e.rebuild(d)

	return true
}

func (e *Engine) rebuild(d *Dataset) {
	defer e.builders.Done()

	d.mu.Lock()
	defer d.mu.Unlock()

	// the slot may have been claimed again while this goroutine waited for the lock
	seed := d.pending.Load()
	id := seed.ID()
	if d.ready.Load() == id {
		return
	}

	// readers that scanned before the lock must fail their re-check
	d.ready.Store(pow.InvalidID)

	start := time.Now()
	d.ctx.Rebuild(*seed, e.helpers)
	d.ready.Store(id)

	elapsed := time.Since(start)
	metrics.ObserveDatasetBuild(e.Algorithm().String(), elapsed.Seconds())
	metrics.SetDatasetsReady(e.Algorithm().String(), e.readyCount())

	log.Infof("%s: dataset %016x ready in %s", e.Algorithm(), id, elapsed.Round(time.Millisecond))
}

func (e *Engine) readyCount() int {
	n := 0
	for _, d := range e.slots {
		if d.ready.Load() != pow.InvalidID {
			n++
		}
	}
	return n
}

// Submit queues r. The caller waits on r.Done().
func (e *Engine) Submit(r *Request) {
	if e.closed.Load() {
		r.finish(pow.LostShare, ErrEngineClosed)
		return
	}
	select {
	case e.queue <- r:
	case <-e.quit:
		r.finish(pow.LostShare, ErrEngineClosed)
	}
}

// Verify submits r and blocks until a worker completes it.
func (e *Engine) Verify(r *Request) error {
	e.Submit(r)
	select {
	case <-r.done:
		return r.Err
	case <-e.quit:
		select {
		case <-r.done:
			return r.Err
		default:
			return ErrEngineClosed
		}
	}
}

func (e *Engine) worker() {
	defer e.workers.Done()

	for {
		select {
		case r := <-e.queue:
			e.verify(r)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) verify(r *Request) {
	var d *Dataset
	for _, s := range e.slots {
		if s.ready.Load() == r.DatasetID {
			d = s
			break
		}
	}
	if d == nil {
		e.lost(r)
		return
	}

	d.mu.RLock()
	if d.ready.Load() != r.DatasetID {
		d.mu.RUnlock()
		e.lost(r)
		return
	}
	h := d.ctx.Hash(r.Input)
	d.mu.RUnlock()

	r.finish(h, nil)
}

func (e *Engine) lost(r *Request) {
	log.Warnf("%s: lost a share, dataset %016x is not ready", e.Algorithm(), r.DatasetID)
	metrics.ShareLost()
	r.finish(pow.LostShare, ErrDatasetNotFound)
}

func (e *Engine) Slots() []SlotState {
	states := make([]SlotState, len(e.slots))
	for i, d := range e.slots {
		states[i] = d.state()
	}
	return states
}

// Close stops the workers and waits for running rebuilds. Queued requests are not completed.
func (e *Engine) Close() {
	e.ensureMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.ensureMu.Unlock()
		return
	}
	close(e.quit)
	e.ensureMu.Unlock()

	e.workers.Wait()
	e.builders.Wait()
}
