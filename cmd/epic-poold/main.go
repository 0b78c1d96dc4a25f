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

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/EpicCash/epic-poold/api"
	"github.com/EpicCash/epic-poold/cfg"
	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/hashpool"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/node"
	"github.com/EpicCash/epic-poold/notify"
	"github.com/EpicCash/epic-poold/pow"
	"github.com/EpicCash/epic-poold/ratelimit"
	"github.com/EpicCash/epic-poold/server"
	"github.com/EpicCash/epic-poold/sync"
)

func main() {
	path := "config.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	c, err := cfg.Load(path)
	if err != nil {
		if errors.Is(err, cfg.ErrBlankConfig) {
			log.Warn(err)
		} else {
			log.Err(err)
		}
		os.Exit(1)
	}

	log.SetLevelName(c.LogLevel)
	if c.LogFile != "" {
		if err := log.OpenFile(c.LogFile); err != nil {
			log.Err("cannot open log file:", err)
			os.Exit(1)
		}
	}

	// dataset rebuilds hold their slot lock for minutes
	if log.LogLevel >= log.LevelDebugLo {
		sync.SetDeadlockTimeout(15 * time.Minute)
	} else {
		sync.SetDeadlockTimeout(0)
	}

	if c.Daemonize {
		log.Warn("daemonize is not supported, run epic-poold under a service manager")
	}
	if c.PidFile != "" {
		if err := os.WriteFile(c.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			log.Err("cannot write pid file:", err)
			os.Exit(1)
		}
		defer os.Remove(c.PidFile)
	}

	log.Info("Starting", config.AGENT)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reopenLogOnHup(ctx)

	if err := run(ctx, c); err != nil {
		log.Err(err)
		stop()
		os.Exit(1)
	}
	log.Info("Shutting down")
}

func run(ctx context.Context, c *cfg.Config) error {
	alg, err := pow.ParseAlgorithm(c.NodeAlgorithm)
	if err != nil {
		return err
	}

	helpers := int(c.Hash.Threads)
	set := hashpool.NewSet(
		hashpool.NewEngine(hashpool.NewRandomX(hashpool.RandomXParams{
			CacheKiB:     c.Hash.RandomXCacheKiB,
			DatasetItems: c.Hash.RandomXDatasetItems,
			Full:         c.Hash.FullDataset,
		}), config.HASH_THREADS, helpers),
		hashpool.NewEngine(hashpool.NewProgPow(hashpool.ProgPowParams{
			CacheBytes: c.Hash.ProgPowCacheBytes,
		}), config.HASH_THREADS, helpers),
	)
	defer set.Close()

	client := node.New(node.Settings{
		Host:            c.NodeHostname,
		Port:            c.NodePort,
		Username:        c.NodeUsername,
		Password:        c.NodePassword,
		Agent:           c.NodeAgent,
		Algorithm:       alg,
		TemplateTimeout: time.Duration(c.TemplateTimeout) * time.Second,
		FatalTimeout:    time.Duration(c.NodeTimeout) * time.Second,
	}, set)

	limits := ratelimit.New(c.MaxConnectionsPerIp, c.ConnectScore)
	deps := &server.SessionDeps{
		Jobs:              client,
		Verifier:          set,
		Submitter:         client,
		Limits:            limits,
		MaxCallsPerMinute: c.MaxCallsPerMinute,
		ShareDiff:         config.FIX_DIFF,
	}

	if c.DiscordWebhook != "" {
		n, err := notify.New(c.DiscordWebhook)
		if err != nil {
			log.Warn("invalid discord webhook:", err)
		} else {
			deps.OnBlock = n.BlockSubmitted
			defer n.Close()
		}
	}

	suites, err := c.CipherSuites(cipherSuiteByName)
	if err != nil {
		return err
	}

	srv := server.New(server.Settings{
		PlainPort:      c.PlainPort,
		TlsPort:        c.TlsPort,
		TlsCertificate: c.TlsCertificate,
		TlsKey:         c.TlsKey,
		CipherSuites:   suites,
		PlainPoolSize:  int(c.PlainPoolSize),
		TlsPoolSize:    int(c.TlsPoolSize),
	}, client, deps, limits)

	var a *api.API
	if c.ApiPort != 0 {
		a = api.New(api.Deps{
			Jobs:     client,
			Datasets: set,
			Clients:  srv,
		})
		if err := a.Start(ctx, ":"+strconv.Itoa(int(c.ApiPort))); err != nil {
			return err
		}
	}

	client.OnJob(func(j *node.Job) {
		srv.NotifyNewBlock()
		if a != nil {
			a.PublishJob(j)
		}
	})
	go client.Run(ctx)

	if err := srv.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	<-ctx.Done()
	return nil
}

func cipherSuiteByName(name string) (uint16, bool) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, true
		}
	}
	for _, s := range tls.InsecureCipherSuites() {
		if s.Name == name {
			log.Warn("insecure TLS cipher suite enabled:", name)
			return s.ID, true
		}
	}
	return 0, false
}

func reopenLogOnHup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := log.Reopen(); err != nil {
				log.Err("cannot reopen log file:", err)
			} else {
				log.Info("Log file reopened")
			}
		}
	}
}
