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
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EpicCash/epic-poold/hashpool"
	"github.com/EpicCash/epic-poold/node"
	"github.com/EpicCash/epic-poold/pow"
)

type testJobs struct {
	job atomic.Pointer[node.Job]
}

func (j *testJobs) CurrentJob() *node.Job {
	return j.job.Load()
}

func (j *testJobs) HasFirstJob() bool {
	return j.job.Load() != nil
}

type testVerifier struct {
	mut    gosync.Mutex
	hash   pow.Hash
	err    error
	inputs [][]byte
}

func (v *testVerifier) Verify(alg pow.Algorithm, r *hashpool.Request) error {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.inputs = append(v.inputs, bytes.Clone(r.Input))
	if v.err != nil {
		return v.err
	}
	r.Hash = v.hash
	return nil
}

func (v *testVerifier) set(h pow.Hash, err error) {
	v.mut.Lock()
	v.hash, v.err = h, err
	v.mut.Unlock()
}

func (v *testVerifier) last() []byte {
	v.mut.Lock()
	defer v.mut.Unlock()
	return v.inputs[len(v.inputs)-1]
}

type submitted struct {
	job   *node.Job
	nonce uint64
	hash  pow.Hash
}

type testSubmitter struct {
	mut    gosync.Mutex
	blocks []submitted
}

func (s *testSubmitter) SubmitBlock(job *node.Job, nonce uint64, hash pow.Hash) error {
	s.mut.Lock()
	s.blocks = append(s.blocks, submitted{job, nonce, hash})
	s.mut.Unlock()
	return nil
}

func (s *testSubmitter) count() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.blocks)
}

// testConn gives a pipe a TCP remote address
type testConn struct {
	net.Conn
	remote net.Addr
}

func (c *testConn) RemoteAddr() net.Addr {
	return c.remote
}

func testJob(height uint64, fill byte) *node.Job {
	j := &node.Job{
		Algorithm: pow.RandomX,
		Height:    height,
		JobId:     height * 10,
		BlockDiff: 1000,
		PrePow:    bytes.Repeat([]byte{fill}, 80),
		Received:  time.Now(),
	}
	j.Seed[0] = 0x11
	j.Seed[31] = 0x22
	return j
}

type testEnv struct {
	jobs      *testJobs
	verifier  *testVerifier
	submitter *testSubmitter
	deps      *SessionDeps
	now       atomic.Int64
}

func newTestEnv() *testEnv {
	e := &testEnv{
		jobs:      &testJobs{},
		verifier:  &testVerifier{},
		submitter: &testSubmitter{},
	}
	e.now.Store(time.Now().Unix())
	e.jobs.job.Store(testJob(100, 0xaa))
	e.deps = &SessionDeps{
		Jobs:              e.jobs,
		Verifier:          e.verifier,
		Submitter:         e.submitter,
		MaxCallsPerMinute: 1000,
		Now: func() time.Time {
			return time.Unix(e.now.Load(), 0)
		},
	}
	return e
}

type testMiner struct {
	t     *testing.T
	sess  *Session
	conn  net.Conn
	lines chan string
}

func newTestMiner(t *testing.T, deps *SessionDeps) *testMiner {
	srv, cli := net.Pipe()
	conn := &testConn{
		Conn:   srv,
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
	}

	sess, err := NewSession(conn, deps)
	if err != nil {
		t.Fatal(err)
	}

	m := &testMiner{
		t:     t,
		sess:  sess,
		conn:  cli,
		lines: make(chan string, 64),
	}
	go func() {
		defer close(m.lines)
		r := bufio.NewReader(cli)
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				return
			}
			m.lines <- strings.TrimSuffix(l, "\n")
		}
	}()
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return m
}

// call feeds one line to the session and returns the reply
func (m *testMiner) call(line string) string {
	m.t.Helper()
	if !m.sess.OnRead([]byte(line + "\n")) {
		m.t.Fatalf("session closed after %s", line)
	}
	return m.reply()
}

func (m *testMiner) reply() string {
	m.t.Helper()
	select {
	case l, ok := <-m.lines:
		if !ok {
			m.t.Fatal("connection closed")
		}
		return l
	case <-time.After(2 * time.Second):
		m.t.Fatal("timeout waiting for a reply")
	}
	return ""
}

func errorMessage(t *testing.T, line string) (int64, string) {
	t.Helper()
	var resp struct {
		Id    int64 `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("invalid reply %q: %v", line, err)
	}
	if resp.Error == nil {
		return resp.Id, ""
	}
	if resp.Error.Code != -1 {
		t.Fatalf("unexpected error code in %s", line)
	}
	return resp.Id, resp.Error.Message
}

func expectError(t *testing.T, line, msg string) {
	t.Helper()
	if _, got := errorMessage(t, line); got != msg {
		t.Fatalf("expected error %q, got %s", msg, line)
	}
}

func expectOK(t *testing.T, line string, id int64) {
	t.Helper()
	want := fmt.Sprintf(`{"id":%d,"jsonrpc":"2.0","error":null,"result":{"status":"OK"}}`, id)
	if line != want {
		t.Fatalf("expected %s, got %s", want, line)
	}
}

func (m *testMiner) login() {
	m.t.Helper()
	_, msg := errorMessage(m.t, m.call(`{"id":1,"method":"login","params":{"login":"x","pass":"x"}}`))
	if msg != "" {
		m.t.Fatal("login failed:", msg)
	}
}

func submitLine(id int64, jobId uint32, nonce uint32) string {
	var j, n [4]byte
	binary.LittleEndian.PutUint32(j[:], jobId)
	binary.LittleEndian.PutUint32(n[:], nonce)
	return fmt.Sprintf(`{"id":%d,"method":"submit","params":{"job_id":"%x","nonce":"%x","result":"%s"}}`,
		id, j, n, strings.Repeat("ab", 32))
}

// hashWithWork64 returns a hash whose leading 8 bytes are w
func hashWithWork64(w uint64) pow.Hash {
	var h pow.Hash
	binary.BigEndian.PutUint64(h[:8], w)
	return h
}

func TestSessionLogin(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)
	job := env.jobs.CurrentJob()

	reply := m.call(`{"id":7,"jsonrpc":"2.0","method":"login","params":{"login":"wallet","pass":"x","agent":"xmrig"}}`)

	blob := bytes.Clone(job.PrePow)
	binary.LittleEndian.PutUint32(blob[len(blob)-8:], m.sess.extraNonce)
	want := fmt.Sprintf(`{"id":7,"jsonrpc":"2.0","error":null,"result":{"id":"decafbad0","job":{"blob":"%s","job_id":"01000000","target":"ffff0f00","pow_algo":"randomx","seed_hash":"%s"},"status":"OK"}}`,
		hex.EncodeToString(blob), hex.EncodeToString(job.Seed[:]))
	if reply != want {
		t.Fatalf("unexpected login reply\n got %s\nwant %s", reply, want)
	}
	if len(hex.EncodeToString(blob)) != 2*len(job.PrePow) {
		t.Fatal("blob length")
	}
	if !bytes.Equal(job.PrePow, bytes.Repeat([]byte{0xaa}, 80)) {
		t.Fatal("login modified the shared job")
	}

	expectError(t, m.call(`{"id":8,"method":"login","params":{}}`), "You are logged in.")
}

func TestSessionExtraNonceUnique(t *testing.T) {
	env := newTestEnv()
	a := newTestMiner(t, env.deps)
	b := newTestMiner(t, env.deps)

	if a.sess.extraNonce == b.sess.extraNonce {
		t.Fatal("two sessions share an extra nonce")
	}
}

func TestSessionMalformedRequests(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)

	tests := []struct {
		line string
		id   int64
	}{
		{`this is not json`, 0},
		{`[1,2,3]`, 0},
		{`{"id":5,"method":"login","params":[]}`, 5},
		{`{"id":6,"method":"login"}`, 6},
		{`{"id":"abc","method":1,"params":{}}`, 0},
		{`{"id":2.5,"params":{}}`, 0},
	}
	for _, tt := range tests {
		id, msg := errorMessage(t, m.call(tt.line))
		if msg != "Malformed request" || id != tt.id {
			t.Fatalf("%s: got id %d error %q", tt.line, id, msg)
		}
	}

	expectError(t, m.call(`{"id":9,"method":"getjob","params":{}}`), "Unknown method")

	// blank lines are skipped
	if !m.sess.OnRead([]byte("\n\r\n")) {
		t.Fatal("session closed on blank lines")
	}
	expectOK(t, m.call(`{"id":10,"method":"keepalived","params":{}}`), 10)
}

func TestSessionMethodCase(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)

	expectOK(t, m.call(`{"id":1,"method":"KeepAlived","params":{}}`), 1)
	expectOK(t, m.call(`{"id":2,"method":"keepalive","params":{}}`), 2)

	_, msg := errorMessage(t, m.call(`{"id":3,"method":"LOGIN","params":{}}`))
	if msg != "" {
		t.Fatal("upper case login failed:", msg)
	}
}

func TestSessionFlood(t *testing.T) {
	env := newTestEnv()
	env.deps.MaxCallsPerMinute = 3
	m := newTestMiner(t, env.deps)

	for i := int64(1); i <= 3; i++ {
		expectOK(t, m.call(fmt.Sprintf(`{"id":%d,"method":"keepalived","params":{}}`, i)), i)
	}
	expectError(t, m.call(`{"id":4,"method":"keepalived","params":{}}`), "Slow down")

	// malformed requests are not counted
	expectError(t, m.call(`{"id":5,"method":"keepalived"}`), "Malformed request")

	env.now.Add(61)
	expectOK(t, m.call(`{"id":6,"method":"keepalived","params":{}}`), 6)
}

func TestSessionClockDoesNotAffectWrites(t *testing.T) {
	env := newTestEnv()
	env.now.Store(time.Now().Add(-time.Hour).Unix())
	m := newTestMiner(t, env.deps)

	m.login()
	expectOK(t, m.call(`{"id":2,"method":"keepalive","params":{}}`), 2)
	if m.sess.aborting {
		t.Fatal("session aborted with a clock in the past")
	}
}

func TestSessionSubmitValidation(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)
	m.login()

	result := strings.Repeat("00", 32)
	tests := []struct {
		params string
		msg    string
	}{
		{`{}`, "Malformed submit"},
		{`{"job_id":1,"nonce":"00000000","result":"` + result + `"}`, "Malformed submit"},
		{`{"job_id":"0100000","nonce":"00000000","result":"` + result + `"}`, "Malformed submit"},
		{`{"job_id":"01000000","nonce":"000000000","result":"` + result + `"}`, "Malformed submit"},
		{`{"job_id":"01000000","nonce":"00000000","result":"` + result[:63] + `"}`, "Malformed submit"},
		{`{"job_id":"0100000z","nonce":"00000000","result":"` + result + `"}`, "Invalid jobid"},
		{`{"job_id":"01000000","nonce":"0000000g","result":"` + result + `"}`, "Invalid nonce"},
		{`{"job_id":"01000000","nonce":"00000000","result":"` + result[:48] + `zz00000000000000"}`, "Invalid result"},
		{`{"job_id":"02000000","nonce":"00000000","result":"` + result + `"}`, "Stale job id"},
	}
	for i, tt := range tests {
		line := fmt.Sprintf(`{"id":%d,"method":"submit","params":%s}`, i+10, tt.params)
		id, msg := errorMessage(t, m.call(line))
		if msg != tt.msg || id != int64(i+10) {
			t.Fatalf("%s: got id %d error %q", tt.params, id, msg)
		}
	}

	// only the last 16 hex characters of result are decoded
	env.verifier.set(hashWithWork64(0x000fffffffffffff), nil)
	line := `{"id":30,"method":"submit","params":{"job_id":"01000000","nonce":"00000000","result":"` +
		strings.Repeat("zz", 24) + `0000000000000000"}}`
	expectOK(t, m.call(line), 30)
}

func TestSessionSubmitShare(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)
	m.login()

	// meets the share target, not a block
	env.verifier.set(hashWithWork64(0x000fffffffffffff), nil)
	expectOK(t, m.call(submitLine(2, 1, 0xdeadbeef)), 2)

	input := env.verifier.last()
	if binary.LittleEndian.Uint32(input[len(input)-4:]) != 0xdeadbeef {
		t.Fatal("nonce not spliced into the blob")
	}
	if binary.LittleEndian.Uint32(input[len(input)-8:]) != m.sess.extraNonce {
		t.Fatal("extra nonce missing from the blob")
	}
	if env.submitter.count() != 0 {
		t.Fatal("share at the block threshold was submitted")
	}

	// the same share again is still accepted
	expectOK(t, m.call(submitLine(3, 1, 0xdeadbeef)), 3)

	env.verifier.set(hashWithWork64(0xff00000000000000), nil)
	expectError(t, m.call(submitLine(4, 1, 1)), "Bad share")

	env.verifier.set(pow.LostShare, hashpool.ErrDatasetNotFound)
	expectError(t, m.call(submitLine(5, 1, 1)), "Server error while checking share.")

	env.verifier.set(pow.Hash{}, errors.New("engine closed"))
	expectError(t, m.call(submitLine(6, 1, 1)), "Server error while checking share.")
}

func TestSessionSubmitBlock(t *testing.T) {
	env := newTestEnv()
	var notified atomic.Int32
	env.deps.OnBlock = func(*node.Job, uint64) {
		notified.Add(1)
	}
	m := newTestMiner(t, env.deps)
	m.login()

	h := hashWithWork64(0x0000000100000000)
	env.verifier.set(h, nil)
	expectOK(t, m.call(submitLine(2, 1, 0x01020304)), 2)

	if env.submitter.count() != 1 {
		t.Fatalf("expected 1 block submit, got %d", env.submitter.count())
	}
	b := env.submitter.blocks[0]
	if b.job != env.jobs.CurrentJob() || b.hash != h {
		t.Fatal("wrong job or hash submitted")
	}
	if b.nonce != pow.FullNonce(0x01020304, m.sess.extraNonce) {
		t.Fatalf("unexpected full nonce %x", b.nonce)
	}
	if notified.Load() != 1 {
		t.Fatal("block hook not called")
	}
}

func TestSessionNewBlock(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)

	// not logged in: the job id moves, nothing is sent
	if !m.sess.OnNewBlock() {
		t.Fatal("session closed on new block")
	}
	reply := m.call(`{"id":1,"method":"login","params":{}}`)
	if !strings.Contains(reply, `"job_id":"02000000"`) {
		t.Fatalf("unexpected login reply %s", reply)
	}

	env.verifier.set(hashWithWork64(0x000fffffffffffff), nil)
	expectOK(t, m.call(submitLine(2, 2, 7)), 2)

	next := testJob(101, 0xbb)
	env.jobs.job.Store(next)
	if !m.sess.OnNewBlock() {
		t.Fatal("session closed on new block")
	}

	var push struct {
		Jsonrpc string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Blob     string `json:"blob"`
			JobId    string `json:"job_id"`
			Target   string `json:"target"`
			PowAlgo  string `json:"pow_algo"`
			SeedHash string `json:"seed_hash"`
		} `json:"params"`
	}
	line := m.reply()
	if err := json.Unmarshal([]byte(line), &push); err != nil {
		t.Fatal(err)
	}
	if push.Method != "job" || push.Jsonrpc != "2.0" || push.Params.JobId != "03000000" || push.Params.Target != "ffff0f00" {
		t.Fatalf("unexpected job push %s", line)
	}
	if !strings.HasPrefix(push.Params.Blob, "bbbb") || len(push.Params.Blob) != 160 {
		t.Fatalf("unexpected blob %s", push.Params.Blob)
	}
	if strings.Contains(line, `"id"`) {
		t.Fatal("job push carries an id")
	}

	expectError(t, m.call(submitLine(3, 2, 7)), "Stale job id")
	expectOK(t, m.call(submitLine(4, 3, 7)), 4)
}

func TestSessionPartialLines(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)

	if !m.sess.OnRead([]byte(`{"id":1,"method":"keep`)) {
		t.Fatal("session closed on a partial line")
	}
	expectOK(t, m.call(`alived","params":{}}`), 1)

	// two requests in one read
	if !m.sess.OnRead([]byte("{\"id\":2,\"method\":\"keepalived\",\"params\":{}}\n{\"id\":3,\"method\":\"keepalived\",\"params\":{}}\n")) {
		t.Fatal("session closed")
	}
	expectOK(t, m.reply(), 2)
	expectOK(t, m.reply(), 3)
}

func TestSessionOverflowAborts(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)

	if m.sess.OnRead(bytes.Repeat([]byte{'a'}, 4096)) {
		t.Fatal("overflowing read accepted")
	}
	if !m.sess.aborting {
		t.Fatal("session not aborting")
	}
	if m.sess.OnNewBlock() {
		t.Fatal("aborting session accepted a new block")
	}
}

func TestSessionWriteFailureAborts(t *testing.T) {
	env := newTestEnv()
	m := newTestMiner(t, env.deps)

	m.conn.Close()
	if m.sess.OnRead([]byte(`{"id":1,"method":"keepalived","params":{}}` + "\n")) {
		t.Fatal("session survived a failed write")
	}
}
