package perf

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/autotest/device-agent/pkg/shell"
)

// DefaultBatterySysfs is the usual power-supply node on handheld devices.
const DefaultBatterySysfs = "/sys/class/power_supply/battery"

// BatteryCollector reports charge level, temperature and charging status.
// It reads sysfs directly and falls back to `dumpsys battery` when the node
// is absent.
type BatteryCollector struct {
	Exec shell.Executor

	// SysfsPath points at the power-supply directory; overridable for tests.
	SysfsPath string
}

func NewBatteryCollector(exec shell.Executor) *BatteryCollector {
	return &BatteryCollector{Exec: exec, SysfsPath: DefaultBatterySysfs}
}

func (c *BatteryCollector) Name() string { return "battery" }

func (c *BatteryCollector) Collect(ctx context.Context, s *Sample) error {
	if metrics, ok := c.readSysfs(); ok {
		s.Battery = metrics
		return nil
	}
	if c.Exec == nil {
		return nil
	}
	res, err := c.Exec.Run(ctx, "dumpsys battery", false)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	if metrics, ok := ParseDumpsysBattery(res.Stdout); ok {
		s.Battery = metrics
	}
	return nil
}

func (c *BatteryCollector) readSysfs() (*BatteryMetrics, bool) {
	level, err := readSysfsInt(filepath.Join(c.SysfsPath, "capacity"))
	if err != nil {
		return nil, false
	}
	metrics := &BatteryMetrics{Level: level}
	// Temperature is reported in tenths of a degree.
	if temp, err := readSysfsInt(filepath.Join(c.SysfsPath, "temp")); err == nil {
		metrics.TemperatureC = float64(temp) / 10
	}
	// voltage_now is microvolts, current_now microamps.
	if uv, err := readSysfsInt(filepath.Join(c.SysfsPath, "voltage_now")); err == nil {
		metrics.VoltageMV = uv / 1000
	}
	if ua, err := readSysfsInt(filepath.Join(c.SysfsPath, "current_now")); err == nil {
		metrics.CurrentMA = float64(ua) / 1000
	}
	if raw, err := os.ReadFile(filepath.Join(c.SysfsPath, "status")); err == nil {
		metrics.Status = strings.TrimSpace(string(raw))
	}
	return metrics, true
}

func readSysfsInt(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

// batteryStatusNames maps the platform's numeric battery status codes.
var batteryStatusNames = map[int]string{
	1: "Unknown",
	2: "Charging",
	3: "Discharging",
	4: "Not charging",
	5: "Full",
}

// ParseDumpsysBattery extracts level, temperature, voltage, instantaneous
// current and status from `dumpsys battery` output. The dump reports voltage
// in millivolts and current in microamps.
func ParseDumpsysBattery(text string) (*BatteryMetrics, bool) {
	metrics := &BatteryMetrics{}
	found := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "level":
			if v, err := strconv.Atoi(value); err == nil {
				metrics.Level = v
				found = true
			}
		case "temperature":
			if v, err := strconv.Atoi(value); err == nil {
				metrics.TemperatureC = float64(v) / 10
			}
		case "voltage":
			if v, err := strconv.Atoi(value); err == nil {
				metrics.VoltageMV = v
			}
		case "current now":
			if v, err := strconv.Atoi(value); err == nil {
				metrics.CurrentMA = float64(v) / 1000
			}
		case "status":
			if v, err := strconv.Atoi(value); err == nil {
				if name, ok := batteryStatusNames[v]; ok {
					metrics.Status = name
				}
			}
		}
	}
	return metrics, found
}
