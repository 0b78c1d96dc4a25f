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
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/hashpool"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/metrics"
	"github.com/EpicCash/epic-poold/node"
	"github.com/EpicCash/epic-poold/pow"
	"github.com/EpicCash/epic-poold/ratelimit"
	"github.com/EpicCash/epic-poold/stratum"
	"github.com/EpicCash/epic-poold/util"
)

// in seconds, kept short since writes happen on the pool goroutine
const CLIENT_WRITE_TIMEOUT = 2

// process wide, every session gets a distinct one
var extraNonceCounter atomic.Uint32

type JobSource interface {
	CurrentJob() *node.Job
}

type Verifier interface {
	Verify(alg pow.Algorithm, r *hashpool.Request) error
}

type BlockSubmitter interface {
	SubmitBlock(job *node.Job, nonce uint64, hash pow.Hash) error
}

type Limits interface {
	CanDoAction(ip string, score uint32) bool
	Disconnect(ip string)
}

// SessionDeps are shared by every session of a server.
type SessionDeps struct {
	Jobs      JobSource
	Verifier  Verifier
	Submitter BlockSubmitter

	// optional
	Limits  Limits
	OnBlock func(job *node.Job, diff uint64)

	MaxCallsPerMinute uint32
	ShareDiff         uint32
	Now               func() time.Time
}

// Session is the protocol state of one miner connection. It is only used from its pool goroutine.
type Session struct {
	conn net.Conn
	ip   string
	addr string
	deps *SessionDeps

	recvBuf [config.SOCK_BUFFER_SIZE]byte
	recvLen int

	extraNonce uint32
	target     uint32

	jobId uint32
	job   *node.Job
	blob  []byte

	loggedIn bool
	aborting bool

	floodTs    int64
	floodCount uint32
}

func NewSession(conn net.Conn, deps *SessionDeps) (*Session, error) {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}

	diff := deps.ShareDiff
	if diff == 0 {
		diff = config.FIX_DIFF
	}

	s := &Session{
		conn:       conn,
		ip:         host,
		addr:       "[" + host + "]:" + port,
		deps:       deps,
		extraNonce: extraNonceCounter.Add(1) - 1,
		target:     pow.ShareTarget(diff),
		floodTs:    deps.now().Unix(),
	}

	log.Debugf("%s connected, extra nonce %08x", s.addr, s.extraNonce)
	return s, nil
}

func (d *SessionDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (s *Session) Addr() string {
	return s.addr
}

// OnRead consumes data read from the connection. It returns false when the session must be destroyed.
func (s *Session) OnRead(data []byte) bool {
	if s.aborting {
		return false
	}

	if s.recvLen+len(data) >= len(s.recvBuf) {
		log.Warn(s.addr, "receive buffer overflow")
		s.hardAbort()
		return false
	}
	s.recvLen += copy(s.recvBuf[s.recvLen:], data)

	start := 0
	for {
		i := bytes.IndexByte(s.recvBuf[start:s.recvLen], '\n')
		if i < 0 {
			break
		}
		s.processLine(s.recvBuf[start : start+i])
		start += i + 1

		if s.aborting {
			return false
		}
	}

	// keep the incomplete line
	s.recvLen = copy(s.recvBuf[:], s.recvBuf[start:s.recvLen])
	return true
}

// OnNewBlock gives the session a fresh job, pushed to the miner once logged in.
func (s *Session) OnNewBlock() bool {
	if s.aborting {
		return false
	}

	if !s.newJob() {
		return true
	}
	if !s.loggedIn {
		return true
	}

	s.send(stratum.NotificationOut{
		Jsonrpc: stratum.JSONRPC,
		Method:  "job",
		Params:  s.jobParams(),
	})
	return !s.aborting
}

// Close closes the connection, resetting it if the session aborted.
func (s *Session) Close() {
	if s.aborting {
		setLinger0(s.conn)
	}
	s.conn.Close()

	if s.deps.Limits != nil {
		s.deps.Limits.Disconnect(s.ip)
	}
	log.Debug(s.addr, "disconnected")
}

func setLinger0(c net.Conn) {
	if tc, ok := c.(interface{ NetConn() net.Conn }); ok {
		c = tc.NetConn()
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
}

func (s *Session) hardAbort() {
	s.aborting = true
}

func (s *Session) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	log.Netf("%s >>> %s", s.addr, line)

	var req stratum.RequestIn
	if err := util.Json.Unmarshal(line, &req); err != nil {
		log.Debug(s.addr, "invalid JSON:", err)
		s.sendError(0, "Malformed request")
		return
	}
	id := req.CallId()

	method, ok := req.MethodName()
	if !ok || !req.HasObjectParams() {
		s.sendError(id, "Malformed request")
		return
	}

	if !s.checkFlood() {
		s.sendError(id, "Slow down")
		return
	}

	switch {
	case strings.EqualFold(method, "submit"):
		s.onSubmit(id, req.Params)
	case strings.EqualFold(method, "login"):
		s.onLogin(id)
	case strings.EqualFold(method, "keepalived"), strings.EqualFold(method, "keepalive"):
		s.sendResult(id, stratum.StatusResult{Status: "OK"})
	default:
		s.sendError(id, "Unknown method")
	}
}

// checkFlood counts a call in the current window and returns false over the limit
func (s *Session) checkFlood() bool {
	now := s.deps.now().Unix()
	if now-s.floodTs > config.FLOOD_WINDOW {
		s.floodTs = now
		s.floodCount = 1
	} else {
		s.floodCount++
	}
	return s.floodCount <= s.deps.MaxCallsPerMinute
}

// newJob takes the current upstream job under a new local job id
func (s *Session) newJob() bool {
	job := s.deps.Jobs.CurrentJob()
	if job == nil {
		return false
	}

	s.jobId++
	s.job = job
	s.blob = append(s.blob[:0], job.PrePow...)
	binary.LittleEndian.PutUint32(s.blob[len(s.blob)-8:], s.extraNonce)
	return true
}

func (s *Session) jobParams() stratum.Job {
	var jobId [4]byte
	binary.LittleEndian.PutUint32(jobId[:], s.jobId)

	return stratum.Job{
		Blob:     hex.EncodeToString(s.blob),
		JobId:    hex.EncodeToString(jobId[:]),
		Target:   pow.TargetHex(s.target),
		PowAlgo:  s.job.Algorithm.String(),
		SeedHash: hex.EncodeToString(s.job.Seed[:]),
	}
}

func (s *Session) onLogin(id int64) {
	if s.loggedIn {
		s.sendError(id, "You are logged in.")
		return
	}

	if !s.newJob() {
		s.sendError(id, "No job available")
		return
	}

	s.sendResult(id, stratum.LoginResult{
		Id:     "decafbad0",
		Job:    s.jobParams(),
		Status: "OK",
	})
	s.loggedIn = true
	log.Info(s.addr, "logged in")
}

func (s *Session) onSubmit(id int64, raw []byte) {
	var params stratum.SubmitParams
	if err := util.Json.Unmarshal(raw, &params); err != nil {
		s.sendError(id, "Malformed submit")
		return
	}
	jobIdStr, ok1 := stratum.String(params.JobId)
	nonceStr, ok2 := stratum.String(params.Nonce)
	resultStr, ok3 := stratum.String(params.Result)
	if !ok1 || !ok2 || !ok3 || len(jobIdStr) != 8 || len(nonceStr) != 8 || len(resultStr) != 64 {
		s.sendError(id, "Malformed submit")
		return
	}

	var jobId, nonce [4]byte
	var result [8]byte
	if util.DecodeHexFixed(jobId[:], jobIdStr) != nil {
		s.sendError(id, "Invalid jobid")
		return
	}
	if util.DecodeHexFixed(nonce[:], nonceStr) != nil {
		s.sendError(id, "Invalid nonce")
		return
	}
	if util.DecodeHexFixed(result[:], resultStr[48:]) != nil {
		s.sendError(id, "Invalid result")
		return
	}

	if s.job == nil || binary.LittleEndian.Uint32(jobId[:]) != s.jobId {
		metrics.ShareRejected("stale")
		s.sendError(id, "Stale job id")
		return
	}

	job := s.job
	copy(s.blob[len(s.blob)-4:], nonce[:])

	req := hashpool.NewRequest(s.blob, job.Seed.ID())
	if err := s.deps.Verifier.Verify(job.Algorithm, req); err != nil {
		if !errors.Is(err, hashpool.ErrDatasetNotFound) {
			log.Warn(s.addr, "share verification failed:", err)
		}
		metrics.ShareRejected("server_error")
		s.sendError(id, "Server error while checking share.")
		return
	}

	if !pow.CheckShare(req.Hash, s.target) {
		metrics.ShareRejected("bad_share")
		if s.deps.Limits != nil && !s.deps.Limits.CanDoAction(s.ip, ratelimit.ACTION_INVALID_SHARE_POW) {
			log.Warn(s.addr, "too many bad shares")
		}
		s.sendError(id, "Bad share")
		return
	}

	diff := pow.HashDiff(req.Hash)
	if diff > config.BLOCK_SUBMIT_DIFF {
		nonce64 := pow.FullNonce(binary.LittleEndian.Uint32(nonce[:]), s.extraNonce)
		log.Infof("%s found a block candidate at height %d, diff %d", s.addr, job.Height, diff)

		if err := s.deps.Submitter.SubmitBlock(job, nonce64, req.Hash); err != nil {
			log.Err("block submit failed:", err)
		} else if s.deps.OnBlock != nil {
			s.deps.OnBlock(job, diff)
		}
	}

	metrics.ShareAccepted()
	log.Debugf("%s share accepted, diff %d", s.addr, diff)
	s.sendResult(id, stratum.StatusResult{Status: "OK"})
}

func (s *Session) sendResult(id int64, result any) {
	s.send(stratum.ResponseOut{
		Id:      id,
		Jsonrpc: stratum.JSONRPC,
		Result:  result,
	})
}

func (s *Session) sendError(id int64, msg string) {
	log.Debug(s.addr, "error:", msg)
	s.send(stratum.ErrorOut{
		Id:      id,
		Jsonrpc: stratum.JSONRPC,
		Error: stratum.Error{
			Code:    -1,
			Message: msg,
		},
	})
}

// send writes one JSON line. A failed or short write aborts the session.
func (s *Session) send(v any) {
	if s.aborting {
		return
	}

	data, err := util.Json.Marshal(v)
	if err != nil {
		log.Err("failed to encode reply:", err)
		s.hardAbort()
		return
	}
	if len(data)+1 > config.SOCK_BUFFER_SIZE {
		log.Warn(s.addr, "send buffer overflow")
		s.hardAbort()
		return
	}
	log.Netf("%s <<< %s", s.addr, data)

	s.conn.SetWriteDeadline(time.Now().Add(CLIENT_WRITE_TIMEOUT * time.Second))
	n, err := s.conn.Write(append(data, '\n'))
	if err != nil || n != len(data)+1 {
		log.Debug(s.addr, "write failed:", err)
		s.hardAbort()
	}
}
