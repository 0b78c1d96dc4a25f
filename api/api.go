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

// Package api serves the HTTP status API, the prometheus endpoint and the live job feed.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/hashpool"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/metrics"
	"github.com/EpicCash/epic-poold/node"
	"github.com/EpicCash/epic-poold/server"
	"github.com/EpicCash/epic-poold/sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type JobSource interface {
	CurrentJob() *node.Job
	History() []*node.Job
}

type DatasetStates interface {
	States() map[string][]hashpool.SlotState
}

type ClientStats interface {
	Stats() server.Stats
}

type Deps struct {
	Jobs     JobSource
	Datasets DatasetStates
	Clients  ClientStats
}

type API struct {
	deps   Deps
	router *gin.Engine

	feedMut sync.RWMutex
	feeds   map[*feedConn]struct{}
}

type feedConn struct {
	conn   *websocket.Conn
	binary bool
	ip     string

	mut sync.Mutex
}

var upgrader = websocket.Upgrader{} // use default options

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

func New(deps Deps) *API {
	a := &API{
		deps:    deps,
		feedMut: sync.RWMutex{Name: "job feed"},
		feeds:   make(map[*feedConn]struct{}),
	}

	gin.SetMode("release")
	r := gin.New()
	r.Use(gin.Recovery(), cors())

	r.SetTrustedProxies([]string{
		"127.0.0.1",
	})

	r.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})
	r.GET("/stats", a.stats)
	r.GET("/jobs", a.jobs)
	r.GET("/jobs/ws", a.jobFeed)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	a.router = r
	return a
}

func (a *API) Router() *gin.Engine {
	return a.router
}

// Start serves the API on addr until ctx is done.
func (a *API) Start(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: config.TIMEOUT * time.Second,
	}

	go func() {
		err := srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err("API server:", err)
		}
	}()
	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), config.TIMEOUT*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
		a.closeFeeds()
	}()

	log.Info("API listening on", l.Addr())
	return nil
}

func hexSeed(s [32]byte) string {
	return hex.EncodeToString(s[:])
}

func (a *API) stats(c *gin.Context) {
	c.Header("Cache-Control", "max-age=10")

	x := gin.H{
		"shares":   metrics.Get(),
		"clients":  a.deps.Clients.Stats(),
		"datasets": a.deps.Datasets.States(),
	}
	if job := a.deps.Jobs.CurrentJob(); job != nil {
		x["job"] = NewJobInfo(job)
	}

	c.JSON(200, x)
}

func (a *API) jobs(c *gin.Context) {
	c.Header("Cache-Control", "max-age=10")

	hist := a.deps.Jobs.History()
	infos := make([]JobInfo, 0, len(hist))
	for _, j := range hist {
		infos = append(infos, NewJobInfo(j))
	}

	c.JSON(200, infos)
}

func (a *API) jobFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug("job feed upgrade failed:", err)
		return
	}

	f := &feedConn{
		conn:   conn,
		binary: c.Query("format") == "binary",
		ip:     c.ClientIP(),
		mut:    sync.Mutex{Name: "feed " + c.ClientIP()},
	}

	a.feedMut.Lock()
	a.feeds[f] = struct{}{}
	n := len(a.feeds)
	a.feedMut.Unlock()
	log.Debug("job feed connected:", f.ip, "feeds:", n)

	if job := a.deps.Jobs.CurrentJob(); job != nil {
		if err := f.send(job); err != nil {
			a.dropFeed(f)
			return
		}
	}

	// the feed is write only, reads detect the close
	go func() {
		defer a.dropFeed(f)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (f *feedConn) send(job *node.Job) error {
	f.mut.Lock()
	defer f.mut.Unlock()

	f.conn.SetWriteDeadline(time.Now().Add(config.WRITE_TIMEOUT * time.Second))
	if f.binary {
		return f.conn.WriteMessage(websocket.BinaryMessage, EncodeJob(job))
	}
	return f.conn.WriteJSON(NewJobInfo(job))
}

func (a *API) dropFeed(f *feedConn) {
	a.feedMut.Lock()
	_, ok := a.feeds[f]
	delete(a.feeds, f)
	a.feedMut.Unlock()

	if ok {
		f.conn.Close()
		log.Debug("job feed disconnected:", f.ip)
	}
}

// PublishJob sends job to every job feed, dropping the ones that fail.
func (a *API) PublishJob(job *node.Job) {
	a.feedMut.RLock()
	feeds := make([]*feedConn, 0, len(a.feeds))
	for f := range a.feeds {
		feeds = append(feeds, f)
	}
	a.feedMut.RUnlock()

	if len(feeds) > 0 {
		log.Debug("Sending job to", len(feeds), "job feeds")
	}

	for _, f := range feeds {
		go func() {
			if err := f.send(job); err != nil {
				log.Debug("job feed send failed:", err)
				a.dropFeed(f)
			}
		}()
	}
}

func (a *API) Feeds() int {
	a.feedMut.RLock()
	defer a.feedMut.RUnlock()
	return len(a.feeds)
}

func (a *API) closeFeeds() {
	a.feedMut.Lock()
	feeds := a.feeds
	a.feeds = make(map[*feedConn]struct{})
	a.feedMut.Unlock()

	for f := range feeds {
		f.conn.Close()
	}
}
