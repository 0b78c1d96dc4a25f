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

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/metrics"
	"github.com/EpicCash/epic-poold/pow"
	"github.com/EpicCash/epic-poold/sync"
	"github.com/EpicCash/epic-poold/util"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNotConnected = errors.New("not connected to the node")
var errBufferOverflow = errors.New("node message exceeds the receive buffer")

// DatasetManager is where jobs announce the seeds they need.
type DatasetManager interface {
	EnsureDataset(alg pow.Algorithm, seed pow.Seed) bool
	HasDataset(alg pow.Algorithm, id uint64) bool
}

type Settings struct {
	Host      string
	Port      string
	Username  string
	Password  string
	Agent     string
	Algorithm pow.Algorithm

	// without a job for TemplateTimeout the template is requested again,
	// without a job for FatalTimeout Exit is called
	TemplateTimeout time.Duration
	FatalTimeout    time.Duration
	ReconnectDelay  time.Duration
	PollTimeout     time.Duration

	// optional, net.Dialer by default
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// optional, os.Exit by default
	Exit func(code int)
}

type Client struct {
	settings Settings
	datasets DatasetManager

	current atomic.Pointer[Job]
	history *lru.Cache[uint64, *Job]
	jobSeq  atomic.Uint64

	connMut sync.Mutex
	conn    net.Conn

	callId     atomic.Uint64
	pendingMut sync.Mutex
	pending    map[string]chan *message

	// unix nanoseconds
	lastJob         atomic.Int64
	lastTemplateReq atomic.Int64
	templateDue     atomic.Bool

	handlersMut sync.RWMutex
	handlers    []func(*Job)
}

type message struct {
	Id     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC Error: %s code: %d", e.Message, e.Code)
}

type requestOut struct {
	Id      string `json:"id"`
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type loginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

type templateParams struct {
	Algorithm string `json:"algorithm"`
}

type submitParams struct {
	Height uint64              `json:"height"`
	JobId  uint64              `json:"job_id"`
	Nonce  uint64              `json:"nonce"`
	Pow    map[string][]uint32 `json:"pow"`
}

func New(settings Settings, datasets DatasetManager) *Client {
	if settings.Dial == nil {
		d := &net.Dialer{Timeout: config.TIMEOUT * time.Second}
		settings.Dial = d.DialContext
	}
	if settings.Exit == nil {
		settings.Exit = os.Exit
	}
	if settings.ReconnectDelay == 0 {
		settings.ReconnectDelay = config.NODE_RECONNECT_DELAY * time.Second
	}
	if settings.TemplateTimeout == 0 {
		settings.TemplateTimeout = 30 * time.Second
	}
	if settings.FatalTimeout == 0 {
		settings.FatalTimeout = 600 * time.Second
	}
	if settings.PollTimeout == 0 {
		settings.PollTimeout = config.NODE_POLL_TIMEOUT * time.Second
	}

	history, err := lru.New[uint64, *Job](config.MAX_PAST_JOBS)
	if err != nil {
		panic(err)
	}

	c := &Client{
		settings:    settings,
		datasets:    datasets,
		history:     history,
		connMut:     sync.Mutex{Name: "node conn"},
		pendingMut:  sync.Mutex{Name: "node pending"},
		pending:     make(map[string]chan *message),
		handlersMut: sync.RWMutex{Name: "node handlers"},
	}
	c.lastJob.Store(time.Now().UnixNano())
	return c
}

// OnJob registers f to be called with every new job, from the client goroutine.
func (c *Client) OnJob(f func(*Job)) {
	c.handlersMut.Lock()
	defer c.handlersMut.Unlock()
	c.handlers = append(c.handlers, f)
}

func (c *Client) CurrentJob() *Job {
	return c.current.Load()
}

func (c *Client) HasFirstJob() bool {
	return c.current.Load() != nil
}

// History returns the recent jobs, oldest first.
func (c *Client) History() []*Job {
	keys := c.history.Keys()
	jobs := make([]*Job, 0, len(keys))
	for _, k := range keys {
		if j, ok := c.history.Peek(k); ok {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Run keeps a connection to the node until ctx is done.
func (c *Client) Run(ctx context.Context) {
	addr := net.JoinHostPort(c.settings.Host, c.settings.Port)

	for ctx.Err() == nil {
		log.Info("Connecting to node:", addr)

		conn, err := c.settings.Dial(ctx, "tcp", addr)
		if err != nil {
			log.Err("Node connection error:", err)
			if c.checkFatal(time.Now()) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.settings.ReconnectDelay):
			}
			continue
		}

		err = c.serve(ctx, conn)
		c.disconnect()
		metrics.SetUpstreamConnected(false)

		if ctx.Err() != nil {
			return
		}
		log.Warn("Node connection lost:", err)

		if c.checkFatal(time.Now()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.settings.ReconnectDelay):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	c.connMut.Lock()
	c.conn = conn
	c.connMut.Unlock()

	err := c.send(requestOut{
		Id:      "0",
		Jsonrpc: "2.0",
		Method:  "login",
		Params: loginParams{
			Login: c.settings.Username,
			Pass:  c.settings.Password,
			Agent: c.settings.Agent,
		},
	})
	if err != nil {
		return err
	}

	buf := make([]byte, config.NODE_BUFFER_SIZE)
	datalen := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(c.settings.PollTimeout))
		n, readErr := conn.Read(buf[datalen:])
		datalen += n

		var netErr net.Error
		if readErr != nil && errors.As(readErr, &netErr) && netErr.Timeout() {
			readErr = nil
		}

		// lines that arrived together with an error are still handled
		start := 0
		for {
			end := bytes.IndexByte(buf[start:datalen], '\n')
			if end < 0 {
				break
			}
			c.onMessage(buf[start : start+end])
			start += end + 1
		}
		datalen = copy(buf, buf[start:datalen])

		if readErr != nil {
			return readErr
		}
		if datalen >= len(buf) {
			return errBufferOverflow
		}

		if c.checkFatal(time.Now()) {
			return errors.New("node timeout")
		}
		c.checkTemplate(time.Now())
	}
}

func (c *Client) disconnect() {
	c.connMut.Lock()
	defer c.connMut.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// checkFatal calls the exit hook when no job arrived for FatalTimeout.
func (c *Client) checkFatal(now time.Time) bool {
	since := now.Sub(time.Unix(0, c.lastJob.Load()))
	if since <= c.settings.FatalTimeout {
		return false
	}

	log.Errf("No job received from the node for %s, exiting", since.Round(time.Second))
	c.settings.Exit(1)
	return true
}

func (c *Client) checkTemplate(now time.Time) {
	sinceJob := now.Sub(time.Unix(0, c.lastJob.Load()))
	sinceReq := now.Sub(time.Unix(0, c.lastTemplateReq.Load()))

	// a rejected job asks again, at most once per poll interval
	due := c.templateDue.Load() && sinceReq >= c.settings.PollTimeout

	if due || (sinceJob > c.settings.TemplateTimeout && sinceReq > c.settings.TemplateTimeout) {
		c.templateDue.Store(false)
		if err := c.RequestTemplate(); err != nil {
			log.Warn("getjobtemplate failed:", err)
		}
	}
}

func (c *Client) RequestTemplate() error {
	c.lastTemplateReq.Store(time.Now().UnixNano())
	return c.notify("getjobtemplate", templateParams{
		Algorithm: c.settings.Algorithm.String(),
	})
}

func (c *Client) nextId() string {
	return strconv.FormatUint(c.callId.Add(1), 10)
}

// notify sends a call without waiting for its response.
func (c *Client) notify(method string, params any) error {
	return c.send(requestOut{
		Id:      c.nextId(),
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
	})
}

// Call sends a request and waits for the response with the same id.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextId()
	ch := make(chan *message, 1)

	c.pendingMut.Lock()
	c.pending[id] = ch
	c.pendingMut.Unlock()

	defer func() {
		c.pendingMut.Lock()
		delete(c.pending, id)
		c.pendingMut.Unlock()
	}()

	err := c.send(requestOut{
		Id:      id,
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

func (c *Client) send(req requestOut) error {
	data, err := util.Json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.connMut.Lock()
	defer c.connMut.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	log.Netf("node <- %s", data[:len(data)-1])

	c.conn.SetWriteDeadline(time.Now().Add(config.WRITE_TIMEOUT * time.Second))
	_, err = c.conn.Write(data)
	return err
}

// SubmitBlock relays a block candidate. The response is only logged.
func (c *Client) SubmitBlock(job *Job, nonce uint64, hash pow.Hash) error {
	proof := make([]uint32, len(hash))
	for i, b := range hash {
		proof[i] = uint32(b)
	}

	err := c.notify("submit", submitParams{
		Height: job.Height,
		JobId:  job.JobId,
		Nonce:  nonce,
		Pow: map[string][]uint32{
			job.Algorithm.ProofKey(): proof,
		},
	})
	if err != nil {
		return err
	}
	metrics.BlockSubmitted()
	return nil
}

func rawId(raw json.RawMessage) string {
	if s, err := strconv.Unquote(string(bytes.TrimSpace(raw))); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func (c *Client) onMessage(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	log.Netf("node -> %s", line)

	var msg message
	if err := util.Json.Unmarshal(line, &msg); err != nil {
		log.Err("Node sent invalid JSON:", err)
		return
	}

	if len(msg.Id) > 0 {
		c.pendingMut.Lock()
		ch, ok := c.pending[rawId(msg.Id)]
		c.pendingMut.Unlock()
		if ok {
			ch <- &msg
			return
		}
	}

	if msg.Error != nil {
		log.Err(msg.Error.Error())
		switch msg.Method {
		case "getjobtemplate":
			c.templateDue.Store(true)
		case "submit":
			log.Warn("Block rejected by the node")
		}
		return
	}

	switch msg.Method {
	case "login":
		log.Info("Login OK")
		metrics.SetUpstreamConnected(true)
		if err := c.RequestTemplate(); err != nil {
			log.Warn("getjobtemplate failed:", err)
		}
	case "job":
		c.onJob(msg.Params)
	case "getjobtemplate":
		c.onJob(msg.Result)
	case "submit":
		log.Info("Block accepted by the node:", string(msg.Result))
	case "keepalive":
	default:
		log.Warn("Unknown method from the node:", msg.Method)
	}
}

func (c *Client) onJob(raw json.RawMessage) {
	now := time.Now()

	job, err := ParseJob(raw, now)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			log.Debug("Job not ready:", err)
		} else {
			log.Err("Invalid job:", err)
		}
		c.templateDue.Store(true)
		return
	}

	for _, seed := range job.Seeds() {
		if !c.datasets.HasDataset(job.Algorithm, seed.ID()) {
			c.datasets.EnsureDataset(job.Algorithm, seed)
		}
	}

	c.lastJob.Store(now.UnixNano())
	c.history.Add(c.jobSeq.Add(1), job)
	c.current.Store(job)
	metrics.SetHeight(job.Height)

	log.Infof("New job: %s height %d difficulty %d seed %x", job.Algorithm, job.Height, job.BlockDiff, job.Seed[:8])

	c.handlersMut.RLock()
	handlers := c.handlers
	c.handlersMut.RUnlock()
	for _, f := range handlers {
		f(job)
	}
}
