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

// Package ratelimit tracks connections and abuse scores per IP on the accept path.
package ratelimit

import (
	"time"

	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/sync"
)

// max score of 2000 per reset interval

/*
consumption:
connect: configurable, 0 by default
invalid share PoW: 200 (10 per interval)
*/

const ACTION_INVALID_SHARE_POW = 200

const MAX_SCORE = 2000
const RESET_INTERVAL = 120 * time.Second
const BAN_DURATION = 5 * time.Minute

type Limiter struct {
	mut sync.Mutex

	maxPerIp     uint32
	connectScore uint32
	conns    map[string]uint32
	scores   map[string]uint32
	bans     map[string]time.Time

	lastReset time.Time
	now       func() time.Time
}

// New builds a limiter. A maxConnectionsPerIp of 0 disables the connection cap,
// a connectScore of 0 makes connecting free.
func New(maxConnectionsPerIp, connectScore uint32) *Limiter {
	return &Limiter{
		mut:          sync.Mutex{Name: "ratelimit"},
		maxPerIp:     maxConnectionsPerIp,
		connectScore: connectScore,
		conns:        make(map[string]uint32, 100),
		scores:       make(map[string]uint32, 500),
		bans:         make(map[string]time.Time, 10),
		lastReset:    time.Now(),
		now:          time.Now,
	}
}

// CanConnect returns true and counts the connection if ip is under its limits.
// Every true result must be paired with a Disconnect.
func (l *Limiter) CanConnect(ip string) bool {
	l.mut.Lock()
	defer l.mut.Unlock()

	if !l.addScore(ip, l.connectScore) {
		return false
	}

	if l.maxPerIp != 0 && l.conns[ip] >= l.maxPerIp {
		log.Debugf("ip %s reached %d connections", ip, l.conns[ip])
		return false
	}
	l.conns[ip]++

	return true
}

func (l *Limiter) Disconnect(ip string) {
	l.mut.Lock()
	defer l.mut.Unlock()

	if l.conns[ip] > 1 {
		l.conns[ip]--
	} else {
		delete(l.conns, ip)
	}
}

func (l *Limiter) Connections(ip string) uint32 {
	l.mut.Lock()
	defer l.mut.Unlock()

	return l.conns[ip]
}

// CanDoAction adds score to ip and returns false if ip is, or just got, banned.
func (l *Limiter) CanDoAction(ip string, score uint32) bool {
	l.mut.Lock()
	defer l.mut.Unlock()

	return l.addScore(ip, score)
}

func (l *Limiter) Ban(ip string, d time.Duration) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.bans[ip] = l.now().Add(d)
}

func (l *Limiter) addScore(ip string, score uint32) bool {
	t := l.now()
	if t.Sub(l.lastReset) > RESET_INTERVAL {
		l.clear(t)
	}

	if l.bans[ip].After(t) {
		return false
	}

	l.scores[ip] += score
	log.Devf("rate limit score %s %d/%d", ip, l.scores[ip], MAX_SCORE)

	if l.scores[ip] > MAX_SCORE {
		log.Warnf("banning %s for %s", ip, BAN_DURATION)
		l.bans[ip] = t.Add(BAN_DURATION)
		return false
	}
	return true
}

// clear resets the scores and drops expired bans
func (l *Limiter) clear(t time.Time) {
	l.lastReset = t
	l.scores = make(map[string]uint32, len(l.scores))

	for ip, ends := range l.bans {
		if !ends.After(t) {
			delete(l.bans, ip)
		}
	}
}
