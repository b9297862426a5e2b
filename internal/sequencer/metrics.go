package sequencer

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-tutor/sequencer"

type instruments struct {
	tracer      trace.Tracer
	runs        metric.Int64Counter
	chunks      metric.Int64Counter
	confirmWait metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

// loadInstruments builds the package instruments against the global providers.
// Instruments created before the runtime installs its providers are delegated
// once it does.
func loadInstruments() instruments {
	instOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		inst.tracer = otel.Tracer(instrumentationName)
		inst.runs, _ = meter.Int64Counter("tutor.sequencer.runs",
			metric.WithDescription("Sequencer runs by final state"))
		inst.chunks, _ = meter.Int64Counter("tutor.sequencer.chunks",
			metric.WithDescription("PCM chunks emitted"))
		inst.confirmWait, _ = meter.Float64Histogram("tutor.sequencer.confirm_wait",
			metric.WithDescription("Time spent waiting for playback confirmation"),
			metric.WithUnit("s"))
	})
	return inst
}
