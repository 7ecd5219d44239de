package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

// DefaultThermalZone is the Raspberry Pi SoC temperature file.
const DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

const cpuWindow = 250 * time.Millisecond

var errNoTemperature = errors.New("telemetry: no temperature sensor")

// Source reads host metrics.
type Source interface {
	CPUPercent(ctx context.Context) (float64, error)
	RAMPercent(ctx context.Context) (float64, error)
	TemperatureCelsius(ctx context.Context) (float64, error)
	UptimeSeconds(ctx context.Context) (float64, error)
}

// HostSource reads metrics with gopsutil.
type HostSource struct {
	// ThermalZone is read when no hardware sensor reports a CPU temperature.
	ThermalZone string
}

// CPUPercent implements Source.
func (HostSource) CPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, cpuWindow, false)
	if err != nil {
		return 0, fmt.Errorf("reading cpu: %w", err)
	}
	if len(pct) == 0 {
		return 0, errors.New("reading cpu: no data")
	}
	return clampFloat(pct[0], 0, 100), nil
}

// RAMPercent implements Source.
func (HostSource) RAMPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading memory: %w", err)
	}
	return clampFloat(vm.UsedPercent, 0, 100), nil
}

// UptimeSeconds implements Source.
func (HostSource) UptimeSeconds(ctx context.Context) (float64, error) {
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading uptime: %w", err)
	}
	return float64(up), nil
}

// TemperatureCelsius implements Source.
func (s HostSource) TemperatureCelsius(ctx context.Context) (float64, error) {
	// gopsutil may return partial results alongside a warning error.
	temps, _ := sensors.TemperaturesWithContext(ctx)
	if t, ok := pickCPUTemperature(temps); ok {
		return t, nil
	}

	zone := s.ThermalZone
	if zone == "" {
		zone = DefaultThermalZone
	}
	return readThermalZone(zone)
}

// cpuSensorKeys are substrings of sensor keys that report the SoC/CPU.
var cpuSensorKeys = []string{"cpu", "soc", "coretemp", "k10temp", "package"}

func pickCPUTemperature(temps []sensors.TemperatureStat) (float64, bool) {
	for _, want := range cpuSensorKeys {
		for _, t := range temps {
			if strings.Contains(strings.ToLower(t.SensorKey), want) && t.Temperature > 0 {
				return t.Temperature, true
			}
		}
	}
	return 0, false
}

// readThermalZone parses a sysfs thermal file (millidegrees Celsius).
func readThermalZone(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Join(errNoTemperature, err)
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return milli / 1000, nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
