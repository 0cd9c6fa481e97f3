// ABOUTME: Prometheus instrumentation for the streaming server
// ABOUTME: Counters for the UDP paths plus an optional /metrics listener
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/schollz/logger"
)

var (
	// TxPackets counts every datagram sent to a client.
	TxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundbridge_tx_packets_total",
		Help: "Total transmitted packets",
	})
	// TxBytes counts bytes sent to clients.
	TxBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundbridge_tx_bytes_total",
		Help: "Total transmitted bytes",
	})
	// RxPackets counts datagrams received, valid or not.
	RxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundbridge_rx_packets_total",
		Help: "Total received packets",
	})
	// MalformedPackets counts silently dropped datagrams.
	MalformedPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundbridge_malformed_packets_total",
		Help: "Total malformed or unrecognized packets dropped",
	})
	// SilenceBuffers counts synthetic buffers injected by silence compensation.
	SilenceBuffers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundbridge_silence_buffers_total",
		Help: "Total synthetic silence buffers emitted by the capture loop",
	})
	// ActiveClients tracks the current session count.
	ActiveClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soundbridge_clients",
		Help: "Number of active client sessions",
	})
)

var registerOnce sync.Once

// Register installs the collectors into the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TxPackets, TxBytes, RxPackets,
			MalformedPackets, SilenceBuffers, ActiveClients,
		)
	})
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) {
	Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Infof("prometheus: listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("prometheus: %v", err)
		}
	}()
}
