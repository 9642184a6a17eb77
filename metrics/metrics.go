// Copyright 2025 The shmdb Authors
// This file is part of shmdb.
//
// shmdb is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// shmdb is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with shmdb. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the Prometheus collectors shared across txn,
// treapindex, and gc, plus a loopback-only debug HTTP listener. This is
// observability infrastructure, not the networked-access surface spec.md's
// Non-goals exclude: it exposes counters, never rows.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxnBegun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shmdb", Subsystem: "txn", Name: "begun_total",
		Help: "Transactions started.",
	})
	TxnCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shmdb", Subsystem: "txn", Name: "committed_total",
		Help: "Transactions committed.",
	})
	TxnAborted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shmdb", Subsystem: "txn", Name: "aborted_total",
		Help: "Transactions aborted.",
	})
	TxnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shmdb", Subsystem: "txn", Name: "duration_seconds",
		Help:    "Wall-clock seconds from Begin to Commit or Abort, observed in the process that began the transaction.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	TreapRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmdb", Subsystem: "treapindex", Name: "rotations_total",
		Help: "Copy-on-write treap rotations performed.",
	}, []string{"direction"})

	GCRowsFreed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shmdb", Subsystem: "gc", Name: "rows_freed_total",
		Help: "Rows freed by GarbageCollector passes.",
	})
	GCFrontier = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmdb", Subsystem: "gc", Name: "frontier_tid",
		Help: "Current tid_collecting frontier.",
	})
	GCPassesRun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shmdb", Subsystem: "gc", Name: "passes_total",
		Help: "GarbageCollector passes completed.",
	})

	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shmdb", Subsystem: "engine", Name: "lock_wait_seconds",
		Help:    "Duration of one engine.Run attempt, from Begin to commit or failure, by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)

// Server is a loopback-only debug HTTP listener exposing /metrics.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Serve starts the listener on addr (typically "127.0.0.1:0" for an
// ephemeral port) and returns immediately; call Addr to discover the bound
// port and Close to shut it down.
func Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	s := &Server{ln: ln, srv: srv}
	go srv.Serve(ln)
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close(ctx context.Context) error { return s.srv.Shutdown(ctx) }
