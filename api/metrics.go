/*
metrics.go - Prometheus instrumentation for the HTTP surface

PURPOSE:
  Counts transfer outcomes and measures request latency. Scraped from
  GET /metrics.
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_transfers_total",
		Help: "Transfer calls by outcome (completed, rejected, conflict, timeout, fault)",
	}, []string{"outcome"})

	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cardledger_transfer_duration_seconds",
		Help:    "Latency of transfer execution including lock waits",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})
)
