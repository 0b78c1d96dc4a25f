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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EpicCash/epic-poold/config"
)

type testHandler struct {
	conn   net.Conn
	reads  chan []byte
	blocks atomic.Int32
	closed chan struct{}

	// capacity of the last buffer passed to OnRead
	bufCap atomic.Int32

	// OnNewBlock result
	keep atomic.Bool
}

func (h *testHandler) OnRead(data []byte) bool {
	h.bufCap.Store(int32(cap(data)))
	h.reads <- bytes.Clone(data)
	return string(data) != "quit"
}

func (h *testHandler) OnNewBlock() bool {
	h.blocks.Add(1)
	return h.keep.Load()
}

func (h *testHandler) Close() {
	h.conn.Close()
	close(h.closed)
}

type testFactory struct {
	handlers chan *testHandler
	fail     bool
}

func newTestFactory() *testFactory {
	return &testFactory{
		handlers: make(chan *testHandler, 512),
	}
}

func (f *testFactory) build(conn net.Conn) (Handler, error) {
	if f.fail {
		return nil, errors.New("construction failed")
	}
	h := &testHandler{
		conn:   conn,
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	h.keep.Store(true)
	f.handlers <- h
	return h, nil
}

func (f *testFactory) next(t *testing.T) *testHandler {
	t.Helper()
	select {
	case h := <-f.handlers:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("handler not constructed")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitClosed(t *testing.T, h *testHandler) {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not closed")
	}
}

func TestPoolLifecycle(t *testing.T) {
	f := newTestFactory()
	p := NewPool(2, f.build)

	srv1, cli1 := net.Pipe()
	srv2, cli2 := net.Pipe()
	defer cli1.Close()
	defer cli2.Close()

	if err := p.AddSocket(srv1); err != nil {
		t.Fatal(err)
	}
	if p.Active() != 1 || p.IsFull() {
		t.Fatal("slot not reserved by AddSocket")
	}
	if err := p.AddSocket(srv2); err != nil {
		t.Fatal(err)
	}
	if !p.IsFull() {
		t.Fatal("pool with every slot taken is not full")
	}
	h1, h2 := f.next(t), f.next(t)

	go cli1.Write([]byte("hello"))
	select {
	case d := <-h1.reads:
		if string(d) != "hello" {
			t.Fatalf("unexpected read %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read not delivered")
	}

	// a handler returning false is destroyed
	go cli1.Write([]byte("quit"))
	<-h1.reads
	waitClosed(t, h1)
	waitFor(t, "slot release", func() bool { return p.Active() == 1 })
	if p.IsFinished() {
		t.Fatal("pool with an active client finished")
	}

	// peer close destroys the last client and ends the pool
	cli2.Close()
	waitClosed(t, h2)
	waitFor(t, "pool finish", p.IsFinished)

	if err := p.AddSocket(srv1); !errors.Is(err, ErrPoolFinished) {
		t.Fatalf("expected ErrPoolFinished, got %v", err)
	}
	// no-op on a finished pool
	p.OnNewBlock()
}

func TestPoolReadBuffers(t *testing.T) {
	f := newTestFactory()
	p := NewPool(1, f.build)

	srv, cli := net.Pipe()
	defer cli.Close()
	if err := p.AddSocket(srv); err != nil {
		t.Fatal(err)
	}
	h := f.next(t)

	// buffers are recycled between reads, every read must still see its own bytes
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("line %02d", i)
		go cli.Write([]byte(msg))
		select {
		case d := <-h.reads:
			if string(d) != msg {
				t.Fatalf("read %d: got %q", i, d)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("read not delivered")
		}
	}
	if h.bufCap.Load() != config.SOCK_BUFFER_SIZE {
		t.Fatalf("unexpected read buffer capacity %d", h.bufCap.Load())
	}

	ev := readEvent{buf: readBufs.Get().(*[]byte)}
	ev.release()
	ev.release()
	if ev.buf != nil {
		t.Fatal("released buffer still referenced")
	}
}

func TestPoolFinishesWhenEmpty(t *testing.T) {
	f := newTestFactory()
	p := NewPool(1, f.build)

	srv1, cli1 := net.Pipe()
	srv2, cli2 := net.Pipe()
	defer cli2.Close()

	if err := p.AddSocket(srv1); err != nil {
		t.Fatal(err)
	}
	h1 := f.next(t)

	go cli1.Write([]byte("quit"))
	<-h1.reads
	waitClosed(t, h1)
	cli1.Close()

	// the pool finished with its only client gone
	waitFor(t, "pool finish", p.IsFinished)
	if err := p.AddSocket(srv2); !errors.Is(err, ErrPoolFinished) {
		t.Fatalf("expected ErrPoolFinished, got %v", err)
	}
}

func TestPoolNewBlock(t *testing.T) {
	f := newTestFactory()
	p := NewPool(4, f.build)

	var clis []net.Conn
	var hs []*testHandler
	for i := 0; i < 3; i++ {
		srv, cli := net.Pipe()
		defer cli.Close()
		clis = append(clis, cli)
		if err := p.AddSocket(srv); err != nil {
			t.Fatal(err)
		}
		hs = append(hs, f.next(t))
	}
	hs[1].keep.Store(false)

	p.OnNewBlock()
	waitClosed(t, hs[1])
	waitFor(t, "slot release", func() bool { return p.Active() == 2 })

	for i, h := range hs {
		if h.blocks.Load() != 1 {
			t.Fatalf("handler %d got %d new blocks", i, h.blocks.Load())
		}
	}

	p.OnNewBlock()
	waitFor(t, "second block", func() bool { return hs[2].blocks.Load() == 2 })
	if hs[1].blocks.Load() != 1 {
		t.Fatal("destroyed handler got a new block")
	}
}

func TestPoolConstructionFailure(t *testing.T) {
	f := newTestFactory()
	f.fail = true
	p := NewPool(2, f.build)

	srv, cli := net.Pipe()
	defer cli.Close()

	if err := p.AddSocket(srv); err != nil {
		t.Fatal(err)
	}

	// the connection is closed and the slot released
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := cli.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	waitFor(t, "pool finish", p.IsFinished)
	if p.Active() != 0 {
		t.Fatal("failed construction kept its slot")
	}
}

func TestTransportAllocatesPools(t *testing.T) {
	f := newTestFactory()
	tr := newTransport("plain", 256, f.build)

	var clis []net.Conn
	for i := 0; i < 300; i++ {
		srv, cli := net.Pipe()
		clis = append(clis, cli)
		tr.add(srv)
	}

	st := tr.stats()
	if st.Pools != 2 || st.Clients != 300 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !tr.pools[0].IsFull() || tr.pools[1].IsFull() {
		t.Fatal("connections not packed into the first pool")
	}
	if tr.pools[1].Active() != 44 {
		t.Fatalf("expected 44 clients in the second pool, got %d", tr.pools[1].Active())
	}

	clients, pools := tr.notify()
	if clients != 300 || pools != 2 {
		t.Fatalf("notify saw %d clients in %d pools", clients, pools)
	}

	// closing the second pool's clients finishes it
	first, second := tr.pools[0], tr.pools[1]
	for _, c := range clis[256:] {
		c.Close()
	}
	waitFor(t, "pool finish", second.IsFinished)

	st = tr.stats()
	if st.Pools != 1 || st.Clients != 256 {
		t.Fatalf("finished pool not dropped: %+v", st)
	}

	// every pool full: a new one is allocated
	srv, cli := net.Pipe()
	defer cli.Close()
	tr.add(srv)
	if len(tr.pools) != 2 || tr.pools[0] != first || tr.pools[1] == second {
		t.Fatal("expected a fresh second pool")
	}

	for _, c := range clis[:256] {
		c.Close()
	}
	waitFor(t, "pool finish", first.IsFinished)
}
