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
	"sync/atomic"

	"github.com/EpicCash/epic-poold/pow"
	"github.com/EpicCash/epic-poold/sync"
)

// Backend is a proof of work algorithm able to verify hashes against a seeded context.
type Backend interface {
	Algorithm() pow.Algorithm
	// NewContext allocates the memory of one dataset slot. It is called once per slot.
	NewContext() Context
}

// Context is the precomputed memory for one seed.
type Context interface {
	// Rebuild regenerates the context in place. helpers bounds the goroutines used.
	Rebuild(seed pow.Seed, helpers int)
	// Hash must be safe for concurrent use once Rebuild has returned.
	Hash(input []byte) pow.Hash
}

// Dataset is one slot of an engine's ring.
// loaded is the id claimed by the last EnsureDataset, ready is the id whose content is usable.
type Dataset struct {
	mu sync.RWMutex

	loaded atomic.Uint64
	ready  atomic.Uint64

	pending atomic.Pointer[pow.Seed]

	ctx Context
}

func newDataset(name string, ctx Context) *Dataset {
	d := &Dataset{
		mu:  sync.RWMutex{Name: name},
		ctx: ctx,
	}
	d.loaded.Store(pow.InvalidID)
	d.ready.Store(pow.InvalidID)
	return d
}

type SlotState struct {
	Loaded uint64 `json:"loaded"`
	Ready  uint64 `json:"ready"`
}

func (d *Dataset) state() SlotState {
	return SlotState{
		Loaded: d.loaded.Load(),
		Ready:  d.ready.Load(),
	}
}
