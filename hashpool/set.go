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
	"github.com/EpicCash/epic-poold/pow"
)

// Set routes datasets and verifications to the engine of each algorithm.
type Set struct {
	engines map[pow.Algorithm]*Engine
}

func NewSet(engines ...*Engine) *Set {
	s := &Set{
		engines: make(map[pow.Algorithm]*Engine, len(engines)),
	}
	for _, e := range engines {
		s.engines[e.Algorithm()] = e
	}
	return s
}

func (s *Set) Engine(alg pow.Algorithm) (*Engine, bool) {
	e, ok := s.engines[alg]
	return e, ok
}

// EnsureDataset returns false when the algorithm has no engine or the dataset is already there.
func (s *Set) EnsureDataset(alg pow.Algorithm, seed pow.Seed) bool {
	e, ok := s.engines[alg]
	if !ok {
		return false
	}
	return e.EnsureDataset(seed)
}

func (s *Set) HasDataset(alg pow.Algorithm, id uint64) bool {
	e, ok := s.engines[alg]
	if !ok {
		return false
	}
	return e.HasDataset(id)
}

func (s *Set) Verify(alg pow.Algorithm, r *Request) error {
	e, ok := s.engines[alg]
	if !ok {
		r.finish(pow.LostShare, pow.ErrUnsupportedPOWAlgorithm)
		return r.Err
	}
	return e.Verify(r)
}

// States lists the slot states of every engine by algorithm name.
func (s *Set) States() map[string][]SlotState {
	states := make(map[string][]SlotState, len(s.engines))
	for alg, e := range s.engines {
		states[alg.String()] = e.Slots()
	}
	return states
}

func (s *Set) Close() {
	for _, e := range s.engines {
		e.Close()
	}
}
