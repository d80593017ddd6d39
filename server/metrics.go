// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluentpost_connections_total",
		Help: "Number of accepted producer connections.",
	})
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluentpost_active_connections",
		Help: "Number of currently open producer connections.",
	})
	entriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluentpost_entries_total",
		Help: "Number of event entries dispatched to the handler.",
	})
	acksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluentpost_acks_total",
		Help: "Number of chunk acknowledgements sent.",
	})
	protocolErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluentpost_protocol_errors_total",
		Help: "Number of connections closed due to protocol violations.",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		activeConnections,
		entriesTotal,
		acksTotal,
		protocolErrorsTotal,
	)
}
