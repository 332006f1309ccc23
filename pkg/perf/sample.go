// Package perf implements performance sampling sessions: pluggable metric
// collectors, a fixed-interval engine with a bounded sample history, and
// summary statistics computed at session stop.
package perf

import "context"

// CPUMetrics is the processor section of a sample. Percentages are deltas
// against the previous tick; the first tick reports zero.
type CPUMetrics struct {
	SystemPercent float64   `json:"systemPercent"`
	PerCore       []float64 `json:"perCore,omitempty"`
	AppPercent    float64   `json:"appPercent,omitempty"`
}

// MemoryMetrics is the memory section of a sample. The app fields are present
// only when the session targets a package; the PSS split and runtime heap
// figures additionally require a parsable meminfo dump.
type MemoryMetrics struct {
	TotalKB     uint64  `json:"totalKb"`
	AvailableKB uint64  `json:"availableKb"`
	UsedPercent float64 `json:"usedPercent"`
	AppPSSKB    uint64  `json:"appPssKb,omitempty"`
	NativePSSKB uint64  `json:"nativePssKb,omitempty"`
	DalvikPSSKB uint64  `json:"dalvikPssKb,omitempty"`
	OtherPSSKB  uint64  `json:"otherPssKb,omitempty"`
	HeapUsedKB  uint64  `json:"heapUsedKb,omitempty"`
	HeapMaxKB   uint64  `json:"heapMaxKb,omitempty"`
}

// FrameMetrics is the rendering section of a sample. FPS is the rate over the
// last tick; AvgFPS is over the whole session so far.
type FrameMetrics struct {
	FPS       float64 `json:"fps"`
	AvgFPS    float64 `json:"avgFps,omitempty"`
	JankCount int     `json:"jankCount"`
	BigJank   int     `json:"bigJankCount"`
}

// NetworkMetrics is the traffic section of a sample. Totals are cumulative
// over all non-loopback interfaces; rates are smoothed.
type NetworkMetrics struct {
	RxBytesTotal  uint64  `json:"rxBytesTotal"`
	TxBytesTotal  uint64  `json:"txBytesTotal"`
	RxBytesPerSec float64 `json:"rxBytesPerSec"`
	TxBytesPerSec float64 `json:"txBytesPerSec"`
}

// BatteryMetrics is the power section of a sample. Temperature is in whole
// degrees Celsius, voltage in millivolts, current in milliamps (negative
// while discharging on most kernels).
type BatteryMetrics struct {
	Level        int     `json:"level"`
	TemperatureC float64 `json:"temperatureC"`
	VoltageMV    int     `json:"voltageMv,omitempty"`
	CurrentMA    float64 `json:"currentMa,omitempty"`
	Status       string  `json:"status,omitempty"`
}

// Sample is one complete measurement tick. SessionID is empty for one-off
// collections.
type Sample struct {
	SessionID   string          `json:"sessionId,omitempty"`
	TimestampMs int64           `json:"timestamp"`
	CPU         *CPUMetrics     `json:"cpu,omitempty"`
	Memory      *MemoryMetrics  `json:"memory,omitempty"`
	Frames      *FrameMetrics   `json:"frames,omitempty"`
	Network     *NetworkMetrics `json:"network,omitempty"`
	Battery     *BatteryMetrics `json:"battery,omitempty"`
}

// Collector fills one section of a sample. Collectors keep their own
// inter-tick state and must tolerate concurrent sections being filled by
// other collectors.
type Collector interface {
	Name() string
	Collect(ctx context.Context, s *Sample) error
}
