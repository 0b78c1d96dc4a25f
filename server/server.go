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

// Package server accepts miner connections on the plain and TLS ports and spreads
// them over fixed-size client pools.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/metrics"
	"github.com/EpicCash/epic-poold/sync"
	"github.com/EpicCash/epic-poold/util"
)

type Settings struct {
	// empty listens on every interface
	Host string

	PlainPort uint16
	TlsPort   uint16

	TlsCertificate string
	TlsKey         string
	CipherSuites   []uint16

	PlainPoolSize int
	TlsPoolSize   int

	// how often to check for the first job before listening
	JobWait time.Duration
}

type FirstJobWaiter interface {
	HasFirstJob() bool
}

// ConnLimiter guards the accept path.
type ConnLimiter interface {
	CanConnect(ip string) bool
	Disconnect(ip string)
}

type Server struct {
	settings Settings
	deps     *SessionDeps
	jobs     FirstJobWaiter
	limits   ConnLimiter

	plain *transport
	tls   *transport
}

type transport struct {
	name     string
	capacity int
	factory  Factory
	enabled  bool

	mut   sync.Mutex
	pools []*Pool

	listener net.Listener
}

type TransportStats struct {
	Clients int `json:"clients"`
	Pools   int `json:"pools"`
}

type Stats struct {
	Plain TransportStats `json:"plain"`
	Tls   TransportStats `json:"tls"`
}

// New builds a server. limits may be nil.
func New(settings Settings, jobs FirstJobWaiter, deps *SessionDeps, limits ConnLimiter) *Server {
	if settings.PlainPoolSize <= 0 {
		settings.PlainPoolSize = config.PLAIN_POOL_SIZE
	}
	if settings.TlsPoolSize <= 0 {
		settings.TlsPoolSize = config.TLS_POOL_SIZE
	}
	if settings.JobWait <= 0 {
		settings.JobWait = 10 * time.Second
	}

	s := &Server{
		settings: settings,
		deps:     deps,
		jobs:     jobs,
		limits:   limits,
	}

	s.plain = newTransport("plain", settings.PlainPoolSize, s.newSession)
	s.plain.enabled = settings.PlainPort != 0
	s.tls = newTransport("tls", settings.TlsPoolSize, s.newSession)
	s.tls.enabled = settings.TlsPort != 0
	return s
}

func newTransport(name string, capacity int, factory Factory) *transport {
	return &transport{
		name:     name,
		capacity: capacity,
		factory:  factory,
		mut:      sync.Mutex{Name: name + " pools"},
	}
}

func (s *Server) newSession(conn net.Conn) (Handler, error) {
	sess, err := NewSession(conn, s.deps)
	if err != nil {
		if s.limits != nil {
			s.limits.Disconnect(util.RemovePort(conn.RemoteAddr().String()))
		}
		return nil, err
	}
	return sess, nil
}

// Start waits for the first job, then starts listening. It returns once the listeners are up;
// they are closed when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.settings.PlainPort == 0 && s.settings.TlsPort == 0 {
		return errors.New("no listening port configured")
	}

	for !s.jobs.HasFirstJob() {
		log.Info("Waiting for a job...")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.settings.JobWait):
		}
	}

	if s.settings.PlainPort != 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(s.settings.Host, strconv.Itoa(int(s.settings.PlainPort))))
		if err != nil {
			return err
		}
		s.plain.listener = l
		log.Info("Listening for plain connections on", l.Addr())
	}

	if s.settings.TlsPort != 0 {
		tlsConf, err := s.tlsConfig()
		if err != nil {
			s.closeListeners()
			return err
		}
		l, err := net.Listen("tcp", net.JoinHostPort(s.settings.Host, strconv.Itoa(int(s.settings.TlsPort))))
		if err != nil {
			s.closeListeners()
			return err
		}
		s.tls.listener = tls.NewListener(l, tlsConf)
		log.Info("Listening for TLS connections on", l.Addr())
	}

	for _, t := range []*transport{s.plain, s.tls} {
		if t.listener != nil {
			go s.acceptLoop(ctx, t)
		}
	}

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()
	return nil
}

func (s *Server) closeListeners() {
	for _, t := range []*transport{s.plain, s.tls} {
		if t.listener != nil {
			t.listener.Close()
		}
	}
}

// PlainAddr is the plain listener address, nil when not listening.
func (s *Server) PlainAddr() net.Addr {
	if s.plain.listener == nil {
		return nil
	}
	return s.plain.listener.Addr()
}

func (s *Server) TlsAddr() net.Addr {
	if s.tls.listener == nil {
		return nil
	}
	return s.tls.listener.Addr()
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if s.settings.TlsCertificate != "" && s.settings.TlsKey != "" {
		cert, err = tls.LoadX509KeyPair(s.settings.TlsCertificate, s.settings.TlsKey)
		if err != nil {
			log.Err("Invalid TLS certificate:", err, "generating a new one")
		}
	}
	if s.settings.TlsCertificate == "" || s.settings.TlsKey == "" || err != nil {
		certPem, keyPem, err := GenCertificate()
		if err != nil {
			return nil, err
		}
		cert, err = tls.X509KeyPair(certPem, keyPem)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: s.settings.CipherSuites,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// GenCertificate creates a self-signed ECDSA certificate and key, PEM encoded.
func GenCertificate() (certPem, keyPem []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{config.AGENT},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPem = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	return certPem, keyPem, nil
}

func (s *Server) acceptLoop(ctx context.Context, t *transport) {
	errs := 0

	for {
		c, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Debug(t.name, "listener closed")
				return
			}

			if errors.Is(err, syscall.EMFILE) {
				log.Err("Max open files limit reached!")
				time.Sleep(time.Second)
			} else {
				log.Err("Error in accept:", err)
			}

			errs++
			if errs >= config.MAX_ACCEPT_ERRORS {
				log.Errf("%d consecutive accept errors on %s, backing off", errs, t.name)
				time.Sleep(config.TIMEOUT * time.Second)
				errs = 0
			}
			continue
		}
		errs = 0

		if err := setSockOpts(c); err != nil {
			log.Warn("failed to set socket options:", err)
			c.Close()
			continue
		}

		ip := util.RemovePort(c.RemoteAddr().String())
		if s.limits != nil && !s.limits.CanConnect(ip) {
			log.Warn("miner", ip, "connection rate limited")
			c.Close()
			continue
		}

		log.Debug("new", t.name, "connection from", ip)
		t.add(c)
	}
}

func setSockOpts(c net.Conn) error {
	if tc, ok := c.(interface{ NetConn() net.Conn }); ok {
		c = tc.NetConn()
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}
	return tcp.SetNoDelay(true)
}

// add places conn in the first pool with a free slot, allocating a pool when all are full.
func (t *transport) add(conn net.Conn) {
	t.mut.Lock()
	defer t.mut.Unlock()

	for {
		var pool *Pool
		for _, p := range t.livePools() {
			if !p.IsFull() {
				pool = p
				break
			}
		}

		if pool == nil {
			pool = NewPool(t.capacity, t.factory)
			t.pools = append(t.pools, pool)
			log.Info("Client pool allocated. Size:", len(t.pools))
			metrics.SetPools(t.name, len(t.pools))
		}

		// the pool finished between the check and the add
		if err := pool.AddSocket(conn); err != nil {
			continue
		}
		return
	}
}

// livePools drops finished pools. t.mut must be held.
func (t *transport) livePools() []*Pool {
	live := t.pools[:0]
	for _, p := range t.pools {
		if !p.IsFinished() {
			live = append(live, p)
		}
	}
	if len(live) == len(t.pools) {
		return live
	}

	for i := len(live); i < len(t.pools); i++ {
		t.pools[i] = nil
	}
	t.pools = live
	log.Info("Client pool deallocated. Size:", len(t.pools))
	metrics.SetPools(t.name, len(t.pools))
	return live
}

// notify sends the new block to every pool and returns the client and pool counts.
func (t *transport) notify() (clients, pools int) {
	t.mut.Lock()
	defer t.mut.Unlock()

	for _, p := range t.livePools() {
		clients += p.Active()
		p.OnNewBlock()
	}
	return clients, len(t.pools)
}

func (t *transport) stats() TransportStats {
	t.mut.Lock()
	defer t.mut.Unlock()

	var st TransportStats
	for _, p := range t.livePools() {
		st.Clients += p.Active()
	}
	st.Pools = len(t.pools)
	return st
}

// NotifyNewBlock pushes the current job to every connected miner.
func (s *Server) NotifyNewBlock() {
	for _, t := range []*transport{s.plain, s.tls} {
		if !t.enabled {
			continue
		}
		clients, pools := t.notify()
		log.Infof("Active clients %d in %d %s pools", clients, pools, t.name)
	}
	log.Info("Block refreshed!")
}

func (s *Server) Stats() Stats {
	return Stats{
		Plain: s.plain.stats(),
		Tls:   s.tls.stats(),
	}
}
