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

// Package sync wraps the deadlock-detecting locks with optional lock tracing.
package sync

import (
	"sync/atomic"
	"time"

	"github.com/EpicCash/epic-poold/log"

	deadlock "github.com/sasha-s/go-deadlock"
)

// SetDeadlockTimeout sets how long a lock may be waited on before it is reported as a deadlock.
// Dataset rebuilds hold write locks for a long time, so the library default is too short. 0 disables the check.
func SetDeadlockTimeout(d time.Duration) {
	deadlock.Opts.DeadlockTimeout = d
	deadlock.Opts.Disable = d == 0
}

// RWMutex is a reader/writer lock that reports lock traffic at the mutex log level.
// The zero value is ready to use. Name is only used for tracing.
type RWMutex struct {
	Name string

	mutex deadlock.RWMutex

	writers atomic.Int32
	readers atomic.Int32
}

func (r *RWMutex) Lock() {
	r.mutex.Lock()
	if log.LogLevel >= log.LevelMutex {
		log.Mutex(r.Name, "Lock!", r.writers.Add(1))
	}
}

func (r *RWMutex) Unlock() {
	if log.LogLevel >= log.LevelMutex {
		log.Mutex(r.Name, "Unlock!", r.writers.Add(-1))
	}
	r.mutex.Unlock()
}

func (r *RWMutex) RLock() {
	r.mutex.RLock()
	if log.LogLevel >= log.LevelMutex {
		log.Mutex(r.Name, "RLock!", r.readers.Add(1))
	}
}

func (r *RWMutex) RUnlock() {
	if log.LogLevel >= log.LevelMutex {
		log.Mutex(r.Name, "RUnlock!", r.readers.Add(-1))
	}
	r.mutex.RUnlock()
}

// Mutex is the exclusive counterpart of RWMutex.
type Mutex struct {
	Name string

	mutex deadlock.Mutex
}

func (m *Mutex) Lock() {
	m.mutex.Lock()
	if log.LogLevel >= log.LevelMutex {
		log.Mutex(m.Name, "Lock!")
	}
}

func (m *Mutex) Unlock() {
	if log.LogLevel >= log.LevelMutex {
		log.Mutex(m.Name, "Unlock!")
	}
	m.mutex.Unlock()
}
