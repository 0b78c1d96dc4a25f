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
	"errors"

	"github.com/EpicCash/epic-poold/pow"
)

var ErrDatasetNotFound = errors.New("dataset not found")
var ErrEngineClosed = errors.New("hash engine closed")

// Request is a single proof of work verification. It is completed by exactly one worker.
type Request struct {
	Input     []byte
	DatasetID uint64

	Hash pow.Hash
	Err  error

	done chan struct{}
}

func NewRequest(input []byte, datasetID uint64) *Request {
	return &Request{
		Input:     input,
		DatasetID: datasetID,
		done:      make(chan struct{}),
	}
}

func (r *Request) finish(h pow.Hash, err error) {
	r.Hash = h
	r.Err = err
	close(r.done)
}

// Done is closed once Hash and Err are set.
func (r *Request) Done() <-chan struct{} {
	return r.done
}
