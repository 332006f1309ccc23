package perf

import (
	"context"
	"fmt"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// rateSmoothing is the exponential smoothing factor for per-second rates.
const rateSmoothing = 0.3

// NetworkCollector reports cumulative traffic and smoothed per-second rates
// over all non-loopback interfaces.
type NetworkCollector struct {
	prevRx   uint64
	prevTx   uint64
	prevTime time.Time

	rxRate float64
	txRate float64
}

func NewNetworkCollector() *NetworkCollector {
	return &NetworkCollector{}
}

func (c *NetworkCollector) Name() string { return "network" }

func (c *NetworkCollector) Collect(ctx context.Context, s *Sample) error {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return fmt.Errorf("net counters: %w", err)
	}
	var rx, tx uint64
	for _, nic := range counters {
		if nic.Name == "lo" || strings.HasPrefix(nic.Name, "lo:") {
			continue
		}
		rx += nic.BytesRecv
		tx += nic.BytesSent
	}

	now := time.Now()
	metrics := &NetworkMetrics{RxBytesTotal: rx, TxBytesTotal: tx}
	if !c.prevTime.IsZero() {
		elapsed := now.Sub(c.prevTime).Seconds()
		if elapsed > 0 && rx >= c.prevRx && tx >= c.prevTx {
			instantRx := float64(rx-c.prevRx) / elapsed
			instantTx := float64(tx-c.prevTx) / elapsed
			c.rxRate = smooth(c.rxRate, instantRx)
			c.txRate = smooth(c.txRate, instantTx)
		}
	}
	metrics.RxBytesPerSec = c.rxRate
	metrics.TxBytesPerSec = c.txRate

	c.prevRx, c.prevTx, c.prevTime = rx, tx, now
	s.Network = metrics
	return nil
}

func smooth(prev, instant float64) float64 {
	if prev == 0 {
		return instant
	}
	return prev + rateSmoothing*(instant-prev)
}
