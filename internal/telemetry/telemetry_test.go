package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/sensors"
)

type fakeSource struct {
	cpu, ram, temp, up float64
	tempErr            error
	slowCPU            bool
}

func (f fakeSource) CPUPercent(ctx context.Context) (float64, error) {
	if f.slowCPU {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.cpu, nil
}
func (f fakeSource) RAMPercent(context.Context) (float64, error) { return f.ram, nil }
func (f fakeSource) TemperatureCelsius(context.Context) (float64, error) {
	return f.temp, f.tempErr
}
func (f fakeSource) UptimeSeconds(context.Context) (float64, error) { return f.up, nil }

func TestSamplerAllMetrics(t *testing.T) {
	s := NewSampler(fakeSource{cpu: 12.34, ram: 40, temp: 51.26, up: 3600})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	got := s.Sample(context.Background())
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, fixed)
	}
	if v, ok := got.CPUPercent.Get(); !ok || v != 12.34 {
		t.Errorf("CPUPercent = %v,%v", v, ok)
	}

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"cpu_percent":12.3`, `"ram_percent":40`, `"temperature_celsius":51.3`, `"uptime_seconds":3600`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("json %s missing %s", b, want)
		}
	}
}

func TestSamplerUnavailableTemperature(t *testing.T) {
	s := NewSampler(fakeSource{cpu: 5, ram: 10, tempErr: errNoTemperature})
	got := s.Sample(context.Background())

	if _, ok := got.TemperatureCelsius.Get(); ok {
		t.Error("temperature should be unavailable")
	}
	b, _ := json.Marshal(got)
	if !strings.Contains(string(b), `"temperature_celsius":null`) {
		t.Errorf("json = %s, want null temperature", b)
	}
}

func TestSamplerReadTimeout(t *testing.T) {
	s := NewSampler(fakeSource{slowCPU: true, ram: 10})
	s.readTimeout = 20 * time.Millisecond

	start := time.Now()
	got := s.Sample(context.Background())
	if time.Since(start) > time.Second {
		t.Error("Sample blocked past read timeout")
	}
	if _, ok := got.CPUPercent.Get(); ok {
		t.Error("cpu should be unavailable after timeout")
	}
	if _, ok := got.RAMPercent.Get(); !ok {
		t.Error("ram should still be read")
	}
}

func TestMetricJSON(t *testing.T) {
	tests := []struct {
		name string
		in   Metric
		want string
	}{
		{"value", Value(42.06), "42.1"},
		{"unavailable", Unavailable(), "null"},
		{"nan", Value(nanValue()), "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("got %s, want %s", b, tt.want)
			}
		})
	}

	var m Metric
	if err := json.Unmarshal([]byte("null"), &m); err != nil {
		t.Fatalf("Unmarshal null: %v", err)
	}
	if _, ok := m.Get(); ok {
		t.Error("null should decode as unavailable")
	}
}

func nanValue() float64 {
	zero := 0.0
	return zero / zero
}

func TestReadThermalZone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp")
	if err := os.WriteFile(path, []byte("48312\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readThermalZone(path)
	if err != nil {
		t.Fatalf("readThermalZone: %v", err)
	}
	if got != 48.312 {
		t.Errorf("got %v, want 48.312", got)
	}

	_, err = readThermalZone(filepath.Join(dir, "missing"))
	if !errors.Is(err, errNoTemperature) {
		t.Errorf("missing zone error = %v, want errNoTemperature", err)
	}
}

func TestPickCPUTemperature(t *testing.T) {
	temps := []sensors.TemperatureStat{
		{SensorKey: "nvme_composite", Temperature: 38},
		{SensorKey: "cpu_thermal", Temperature: 55.5},
	}
	got, ok := pickCPUTemperature(temps)
	if !ok || got != 55.5 {
		t.Errorf("got %v,%v, want 55.5,true", got, ok)
	}

	if _, ok := pickCPUTemperature([]sensors.TemperatureStat{{SensorKey: "nvme", Temperature: 30}}); ok {
		t.Error("non-cpu sensor should not match")
	}
}

func TestClampFloat(t *testing.T) {
	if clampFloat(120, 0, 100) != 100 || clampFloat(-1, 0, 100) != 0 || clampFloat(50, 0, 100) != 50 {
		t.Error("clampFloat out of range")
	}
}
