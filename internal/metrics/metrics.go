// Package metrics exposes a hand-rolled Prometheus text-format endpoint,
// grounded directly on internal/metrics.go's global telemetry struct and
// counter/gauge/summary writers, adapted to the flow/pool counters this
// relay tracks instead of per-upstream selection counters.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	tcpFlowsTotal    uint64
	tcpFlowsActive   int64
	udpFlowsTotal    uint64
	udpFlowsActive   int64
	poolDialFailures uint64
	bytesUp          uint64
	bytesDown        uint64
	dialDurationSum  float64
	dialDurationCnt  uint64
}

var (
	metricsMu sync.RWMutex
	metrics   = telemetry{}
)

// Enable turns on metric collection; Observe* calls are no-ops before
// this is called, matching EnablePrometheusMetrics's gate.
func Enable() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metrics.enabled = true
}

// StartServer runs a /metrics HTTP server on addr until ctx is
// cancelled.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics: empty listen address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func enabled() bool {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics.enabled
}

// TCPFlowOpened records a new TCP flow starting.
func TCPFlowOpened() {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.tcpFlowsTotal++
	metrics.tcpFlowsActive++
	metrics.mu.Unlock()
}

// TCPFlowClosed records a TCP flow ending.
func TCPFlowClosed() {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.tcpFlowsActive--
	metrics.mu.Unlock()
}

// UDPFlowOpened records a new UDP flow handed to the flow table (one per
// local peer socket, so peers sharing a destination association each
// count).
func UDPFlowOpened() {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.udpFlowsTotal++
	metrics.udpFlowsActive++
	metrics.mu.Unlock()
}

// UDPFlowClosed records a UDP flow counted by UDPFlowOpened ending.
func UDPFlowClosed() {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.udpFlowsActive--
	metrics.mu.Unlock()
}

// PoolDialFailure records a failed pool handshake attempt.
func PoolDialFailure() {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.poolDialFailures++
	metrics.mu.Unlock()
}

// ObserveBytes adds to the running total of bytes relayed in each
// direction (up = TUN-to-relay, down = relay-to-TUN).
func ObserveBytes(up, down uint64) {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.bytesUp += up
	metrics.bytesDown += down
	metrics.mu.Unlock()
}

// ObserveDial records a pool handshake's wall-clock duration.
func ObserveDial(d time.Duration) {
	if !enabled() {
		return
	}
	metrics.mu.Lock()
	metrics.dialDurationCnt++
	metrics.dialDurationSum += d.Seconds()
	metrics.mu.Unlock()
}

func handler(w http.ResponseWriter, _ *http.Request) {
	if !enabled() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	fmt.Fprintf(w, "trojan_tcp_flows_total %d\n", metrics.tcpFlowsTotal)
	fmt.Fprintf(w, "trojan_tcp_flows_active %d\n", metrics.tcpFlowsActive)
	fmt.Fprintf(w, "trojan_udp_flows_total %d\n", metrics.udpFlowsTotal)
	fmt.Fprintf(w, "trojan_udp_flows_active %d\n", metrics.udpFlowsActive)
	fmt.Fprintf(w, "trojan_pool_dial_failures_total %d\n", metrics.poolDialFailures)
	fmt.Fprintf(w, "trojan_bytes_up_total %d\n", metrics.bytesUp)
	fmt.Fprintf(w, "trojan_bytes_down_total %d\n", metrics.bytesDown)
	fmt.Fprintf(w, "trojan_pool_dial_duration_seconds_count %d\n", metrics.dialDurationCnt)
	fmt.Fprintf(w, "trojan_pool_dial_duration_seconds_sum %f\n", metrics.dialDurationSum)
}

