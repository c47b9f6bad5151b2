// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics exposes the daemon's operational Stats snapshot as
// prometheus/client_golang gauges, served over plain HTTP by promhttp.
// This is a process-local, ACL-free concern: metrics never cross the
// façade and carry no wire-level authorization.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/background"
)

// Snapshotter reports the counts a Stats sample is built from.
type Snapshotter interface {
	Stats() Stats
}

// Stats is the ambient operational snapshot: object count, file count,
// connection count, subscription count.
type Stats struct {
	Objects       int
	Files         int
	Connections   int
	Subscriptions int
}

// Collector wraps a Snapshotter with the four gauges it feeds.
type Collector struct {
	source Snapshotter

	objects       prometheus.Gauge
	files         prometheus.Gauge
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
}

// NewCollector registers its gauges against registry and returns a
// Collector that Refresh polls from source.
func NewCollector(registry *prometheus.Registry, source Snapshotter) *Collector {
	c := &Collector{
		source: source,
		objects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objectdbd",
			Name:      "objects_total",
			Help:      "Number of objects currently held in the object store.",
		}),
		files: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objectdbd",
			Name:      "files_total",
			Help:      "Number of file entries currently held in the file store.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objectdbd",
			Name:      "connections_total",
			Help:      "Number of open client connections.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objectdbd",
			Name:      "subscriptions_total",
			Help:      "Number of active pub/sub subscriptions across all connections.",
		}),
	}
	registry.MustRegister(c.objects, c.files, c.connections, c.subscriptions)
	return c
}

// Refresh pulls a fresh Stats sample and updates the gauges.
func (c *Collector) Refresh() {
	s := c.source.Stats()
	c.objects.Set(float64(s.Objects))
	c.files.Set(float64(s.Files))
	c.connections.Set(float64(s.Connections))
	c.subscriptions.Set(float64(s.Subscriptions))
}

// Poll refreshes the gauges on a fixed interval until shutdown is
// closed. args must be a time.Duration; this matches
// internal/snapshot.Manager.RetentionSweep's background.Process shape so
// the two can be started from separate background.Start calls with
// their own interval each.
func (c *Collector) Poll(args interface{}, shutdown <-chan bool, finished chan<- bool) {
	defer close(finished)

	interval := args.(time.Duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

var _ background.Process = (*Collector)(nil).Poll

// Server serves /metrics on listen until Shutdown is called.
type Server struct {
	http *http.Server
	log  *logger.L
}

// NewServer builds an HTTP server exposing registry on listen ("host:port").
func NewServer(listen string, registry *prometheus.Registry, log *logger.L) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &Server{
		http: &http.Server{Addr: listen, Handler: mux},
		log:  log,
	}
}

// Start runs the metrics HTTP server in its own goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Errorf("metrics server stopped: %v", err)
			}
		}
	}()
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}
