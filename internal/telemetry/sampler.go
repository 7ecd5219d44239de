package telemetry

import (
	"context"
	"time"
)

const defaultReadTimeout = time.Second

// Sampler produces telemetry samples. Sample never fails: a metric that
// cannot be read within its timeout is reported as Unavailable.
type Sampler struct {
	source      Source
	readTimeout time.Duration
	now         func() time.Time
}

// NewSampler creates a sampler over source. A nil source reads the host.
func NewSampler(source Source) *Sampler {
	if source == nil {
		source = HostSource{}
	}
	return &Sampler{
		source:      source,
		readTimeout: defaultReadTimeout,
		now:         time.Now,
	}
}

// Sample reads every metric.
func (s *Sampler) Sample(ctx context.Context) Sample {
	return Sample{
		Timestamp:          s.now().UTC(),
		CPUPercent:         s.read(ctx, s.source.CPUPercent),
		RAMPercent:         s.read(ctx, s.source.RAMPercent),
		TemperatureCelsius: s.read(ctx, s.source.TemperatureCelsius),
		UptimeSeconds:      s.read(ctx, s.source.UptimeSeconds),
	}
}

func (s *Sampler) read(ctx context.Context, fn func(context.Context) (float64, error)) Metric {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	v, err := fn(ctx)
	if err != nil {
		return Unavailable()
	}
	return Value(v)
}
