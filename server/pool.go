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

package server

import (
	"errors"
	"net"
	gosync "sync"
	"sync/atomic"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/metrics"
)

var ErrPoolFinished = errors.New("client pool finished")

// Handler is the per-connection state kept in a pool slot.
type Handler interface {
	// OnRead returns false when the connection must be destroyed.
	// data is only valid during the call.
	OnRead(data []byte) bool
	OnNewBlock() bool
	Close()
}

type Factory func(conn net.Conn) (Handler, error)

// the active counter is set to this once the pool loop exits
const poolClosed = -1

type slot struct {
	gen uint32
	h   Handler
}

type readEvent struct {
	idx  int
	gen  uint32
	data []byte
	buf  *[]byte
	err  error
}

// read buffers go back to readBufs once the loop has handled them
var readBufs = gosync.Pool{
	New: func() any {
		b := make([]byte, config.SOCK_BUFFER_SIZE)
		return &b
	},
}

func (ev *readEvent) release() {
	if ev.buf != nil {
		readBufs.Put(ev.buf)
		ev.buf = nil
	}
}

// nil conn is a new block notification
type ctrlMsg struct {
	conn net.Conn
}

// Pool owns a fixed number of connection slots. All handlers of a pool run on its single
// loop goroutine, fed by one reader goroutine per connection.
type Pool struct {
	factory Factory
	slots   []slot

	active   atomic.Int32
	finished atomic.Bool

	ctrl   chan ctrlMsg
	events chan readEvent
	done   chan struct{}
}

func NewPool(capacity int, factory Factory) *Pool {
	p := &Pool{
		factory: factory,
		slots:   make([]slot, capacity),
		ctrl:    make(chan ctrlMsg, capacity),
		events:  make(chan readEvent, capacity),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// AddSocket hands conn to the pool. The slot is reserved immediately, the handler is built
// on the pool goroutine.
func (p *Pool) AddSocket(conn net.Conn) error {
	for {
		n := p.active.Load()
		if n == poolClosed {
			return ErrPoolFinished
		}
		if int(n) >= len(p.slots) {
			log.Fatal("client pool overflow")
		}
		if p.active.CompareAndSwap(n, n+1) {
			break
		}
	}

	// the loop cannot exit while this reservation is pending
	p.ctrl <- ctrlMsg{conn: conn}
	return nil
}

// OnNewBlock asks every handler of the pool to take the new job.
func (p *Pool) OnNewBlock() {
	select {
	case p.ctrl <- ctrlMsg{}:
	case <-p.done:
	}
}

func (p *Pool) IsFull() bool {
	return int(p.active.Load()) >= len(p.slots)
}

func (p *Pool) IsFinished() bool {
	return p.finished.Load()
}

func (p *Pool) Active() int {
	n := p.active.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (p *Pool) Capacity() int {
	return len(p.slots)
}

// Done is closed when the pool loop has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

func (p *Pool) loop() {
	defer close(p.done)

	for {
		select {
		case m := <-p.ctrl:
			if m.conn == nil {
				p.newBlock()
			} else {
				p.add(m.conn)
			}
		case ev := <-p.events:
			p.onEvent(ev)
		}

		if p.active.CompareAndSwap(0, poolClosed) {
			p.finished.Store(true)
			return
		}
	}
}

func (p *Pool) add(conn net.Conn) {
	idx := -1
	for i := range p.slots {
		if p.slots[i].h == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Fatal("client pool overflow")
	}

	h, err := p.factory(conn)
	if err != nil {
		log.Err("Exception while constructing client:", err)
		conn.Close()
		p.active.Add(-1)
		return
	}

	s := &p.slots[idx]
	s.h = h
	metrics.ClientConnected()

	go p.read(idx, s.gen, conn)
}

// read forwards everything read from conn to the pool loop until the first error.
func (p *Pool) read(idx int, gen uint32, conn net.Conn) {
	for {
		buf := readBufs.Get().(*[]byte)
		n, err := conn.Read(*buf)
		if n > 0 {
			ev := readEvent{idx: idx, gen: gen, data: (*buf)[:n], buf: buf}
			if !p.post(ev) {
				ev.release()
				return
			}
		} else {
			readBufs.Put(buf)
		}
		if err != nil {
			p.post(readEvent{idx: idx, gen: gen, err: err})
			return
		}
	}
}

func (p *Pool) post(ev readEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

func (p *Pool) onEvent(ev readEvent) {
	defer ev.release()

	s := &p.slots[ev.idx]
	// the slot was destroyed or reused since the read
	if s.h == nil || s.gen != ev.gen {
		return
	}

	if ev.err != nil {
		log.Dev("client read error:", ev.err)
		p.destroy(ev.idx)
		return
	}
	if !s.h.OnRead(ev.data) {
		p.destroy(ev.idx)
	}
}

func (p *Pool) newBlock() {
	for i := range p.slots {
		if p.slots[i].h == nil {
			continue
		}
		if !p.slots[i].h.OnNewBlock() {
			p.destroy(i)
		}
	}
}

// destroy closes the handler of slot i. Destroying an empty slot does nothing.
func (p *Pool) destroy(i int) {
	s := &p.slots[i]
	if s.h == nil {
		return
	}

	s.h.Close()
	s.h = nil
	s.gen++

	p.active.Add(-1)
	metrics.ClientDisconnected()
}
