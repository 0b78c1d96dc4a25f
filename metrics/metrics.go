// Copyright (C) 2024 duggavo
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

// Package metrics keeps the process counters, exported both as a plain snapshot and as prometheus collectors.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epic_poold"

var Registry = prometheus.NewRegistry()

var (
	sharesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_accepted_total",
		Help:      "Total number of accepted shares",
	})
	sharesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_rejected_total",
		Help:      "Total number of rejected shares by reason",
	}, []string{"reason"})
	sharesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_lost_total",
		Help:      "Shares that could not be verified because their dataset was not ready",
	})
	blocksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_submitted_total",
		Help:      "Shares relayed to the node as block candidates",
	})
	clientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_active_count",
		Help:      "Number of currently connected miners",
	})
	pools = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pools",
		Help:      "Connection pools alive per transport",
	}, []string{"transport"})
	upstreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_connected",
		Help:      "Node connection status (1 = logged in, 0 = disconnected)",
	})
	jobHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_height",
		Help:      "Height of the current job",
	})
	datasetsReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "datasets_ready",
		Help:      "Dataset slots ready for verification per algorithm",
	}, []string{"algorithm"})
	datasetBuild = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dataset_build_seconds",
		Help:      "Time spent rebuilding a dataset",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"algorithm"})
)

func init() {
	Registry.MustRegister(
		sharesAccepted, sharesRejected, sharesLost, blocksSubmitted,
		clientsActive, pools, upstreamConnected, jobHeight,
		datasetsReady, datasetBuild,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var stats struct {
	SharesAccepted  atomic.Uint64
	SharesRejected  atomic.Uint64
	SharesLost      atomic.Uint64
	BlocksSubmitted atomic.Uint64
	ClientsActive   atomic.Int64
	Upstream        atomic.Bool
	Height          atomic.Uint64
}

type Snapshot struct {
	SharesAccepted    uint64 `json:"shares_accepted"`
	SharesRejected    uint64 `json:"shares_rejected"`
	SharesLost        uint64 `json:"shares_lost"`
	BlocksSubmitted   uint64 `json:"blocks_submitted"`
	ClientsActive     int64  `json:"clients_active"`
	UpstreamConnected bool   `json:"upstream_connected"`
	Height            uint64 `json:"height"`
}

func Get() Snapshot {
	return Snapshot{
		SharesAccepted:    stats.SharesAccepted.Load(),
		SharesRejected:    stats.SharesRejected.Load(),
		SharesLost:        stats.SharesLost.Load(),
		BlocksSubmitted:   stats.BlocksSubmitted.Load(),
		ClientsActive:     stats.ClientsActive.Load(),
		UpstreamConnected: stats.Upstream.Load(),
		Height:            stats.Height.Load(),
	}
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ShareAccepted() {
	stats.SharesAccepted.Add(1)
	sharesAccepted.Inc()
}

func ShareRejected(reason string) {
	stats.SharesRejected.Add(1)
	sharesRejected.WithLabelValues(reason).Inc()
}

func ShareLost() {
	stats.SharesLost.Add(1)
	sharesLost.Inc()
}

func BlockSubmitted() {
	stats.BlocksSubmitted.Add(1)
	blocksSubmitted.Inc()
}

func ClientConnected() {
	stats.ClientsActive.Add(1)
	clientsActive.Inc()
}

func ClientDisconnected() {
	stats.ClientsActive.Add(-1)
	clientsActive.Dec()
}

func SetPools(transport string, n int) {
	pools.WithLabelValues(transport).Set(float64(n))
}

func SetUpstreamConnected(connected bool) {
	stats.Upstream.Store(connected)
	if connected {
		upstreamConnected.Set(1)
	} else {
		upstreamConnected.Set(0)
	}
}

func SetHeight(h uint64) {
	stats.Height.Store(h)
	jobHeight.Set(float64(h))
}

func SetDatasetsReady(algorithm string, n int) {
	datasetsReady.WithLabelValues(algorithm).Set(float64(n))
}

func ObserveDatasetBuild(algorithm string, seconds float64) {
	datasetBuild.WithLabelValues(algorithm).Observe(seconds)
}
