// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines the Prometheus collectors of the vault
// pipeline. Collectors are registered on a private registry so that
// several vaults (and tests) may coexist in one process.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer directions.
const (
	Upload   = "upload"
	Download = "download"
)

// Registry holds the pipeline's collectors.
type Registry struct {
	TransfersTotal    *prometheus.CounterVec
	TransferDuration  *prometheus.HistogramVec
	TransferBytes     *prometheus.CounterVec
	PartsTotal        *prometheus.CounterVec
	IntegrityFailures prometheus.Counter
	AuthFailures      prometheus.Counter
	QueueRunning      prometheus.Gauge
	QueueWaiting      prometheus.Gauge
	CachePurges       *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// New returns a registry with every collector initialized.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	f := promauto.With(r.registry)

	r.TransfersTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_transfers_total",
			Help: "Completed transfers by direction and status.",
		},
		[]string{"direction", "status"},
	)
	r.TransferDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediavault_transfer_duration_seconds",
			Help:    "Transfer duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"direction"},
	)
	r.TransferBytes = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_transfer_bytes_total",
			Help: "Bytes moved over the network, by direction.",
		},
		[]string{"direction"},
	)
	r.PartsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_parts_total",
			Help: "Multipart upload parts and download windows, by direction.",
		},
		[]string{"direction"},
	)
	r.IntegrityFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "mediavault_integrity_failures_total",
		Help: "Authenticated decryptions that failed their tag check.",
	})
	r.AuthFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "mediavault_unlock_failures_total",
		Help: "Unlock attempts rejected because the wrapped key did not open.",
	})
	r.QueueRunning = f.NewGauge(prometheus.GaugeOpts{
		Name: "mediavault_queue_running",
		Help: "Transfers currently running.",
	})
	r.QueueWaiting = f.NewGauge(prometheus.GaugeOpts{
		Name: "mediavault_queue_waiting",
		Help: "Transfers waiting for a slot.",
	})
	r.CachePurges = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_cache_purges_total",
			Help: "Local cache purges, by reason.",
		},
		[]string{"reason"},
	)
	return r
}

// Gatherer returns the registry for exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordTransfer records a finished transfer.
func (r *Registry) RecordTransfer(direction string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.TransfersTotal.WithLabelValues(direction, status).Inc()
	r.TransferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordPart records one part or window of n bytes.
func (r *Registry) RecordPart(direction string, n int) {
	r.PartsTotal.WithLabelValues(direction).Inc()
	r.TransferBytes.WithLabelValues(direction).Add(float64(n))
}

// SetQueue records task queue occupancy.
func (r *Registry) SetQueue(running, waiting int) {
	r.QueueRunning.Set(float64(running))
	r.QueueWaiting.Set(float64(waiting))
}
