package client

import (
	"fmt"
	"time"

	"github.com/oml-collect/oml/internal/client/filter"
	"github.com/oml-collect/oml/pkg/log"
	"github.com/oml-collect/oml/pkg/omlvalue"
)

// TriggerKind selects how a MeasurementStream decides when to fire its
// output path (spec §3).
type TriggerKind int

const (
	// TriggerSampleCount fires after N injections.
	TriggerSampleCount TriggerKind = iota
	// TriggerInterval fires on a timer, independent of injection count.
	TriggerInterval
)

// Trigger configures when a MeasurementStream drives its filter chain's
// output path.
type Trigger struct {
	Kind     TriggerKind
	Count    int           // used when Kind == TriggerSampleCount
	Interval time.Duration // used when Kind == TriggerInterval
}

// binding attaches one filter to one position of the MP's input schema: the
// filter samples only that field of each injected row.
type binding struct {
	f          filter.Filter
	inputIndex int
}

// MeasurementStream is one filtered, triggered, encoded output path from an
// MP (spec §3). Its emitted schema is the concatenation of its filter
// chain's declared output fields.
type MeasurementStream struct {
	mp       *MeasurementPoint
	bindings []binding
	trigger  Trigger
	writer   *Writer

	sampleCount   int
	headerSent    bool
	emittedSchema omlvalue.Schema

	stop chan struct{}
}

// newMeasurementStream builds an MS bound to writer, with its emitted
// schema computed from the filter chain's declared output fields.
func newMeasurementStream(mp *MeasurementPoint, bindings []binding, trigger Trigger, writer *Writer, streamName string, streamIndex uint16) *MeasurementStream {
	var fields []omlvalue.FieldDef
	for _, b := range bindings {
		fields = append(fields, b.f.Fields()...)
	}
	ms := &MeasurementStream{
		mp:       mp,
		bindings: bindings,
		trigger:  trigger,
		writer:   writer,
		emittedSchema: omlvalue.Schema{
			Name:   streamName,
			Index:  streamIndex,
			Fields: fields,
		},
	}
	return ms
}

// startIntervalTimer launches the background goroutine that drives a
// TriggerInterval MS's output path on a fixed period, independent of
// injection count (spec §3: "fire on timer"). Stopped by closing ms.stop,
// which Runtime.Close does for every interval-triggered MS it created.
func (ms *MeasurementStream) startIntervalTimer() {
	ms.stop = make(chan struct{})
	interval := ms.trigger.Interval
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ms.mp.mu.Lock()
				if err := ms.fire(ms.mp.rt.Now()); err != nil {
					log.Warnf("client: interval trigger for MS %q: %v", ms.emittedSchema.Name, err)
				}
				ms.mp.mu.Unlock()
			case <-ms.stop:
				return
			}
		}
	}()
}

// Schema returns the MS's emitted schema (the concatenation of its filter
// chain's output fields), for declaring to the server.
func (ms *MeasurementStream) Schema() omlvalue.Schema { return ms.emittedSchema }

// sampleAll feeds one injected row's values through every binding's filter,
// then drives the trigger. Called with the owning MP's mutex held.
func (ms *MeasurementStream) sampleAll(values []omlvalue.Value, ts float64) error {
	for _, b := range ms.bindings {
		if b.inputIndex >= len(values) {
			return fmt.Errorf("client: filter input index %d out of range (%d values)", b.inputIndex, len(values))
		}
		if err := b.f.Sample(values[b.inputIndex]); err != nil {
			return err
		}
	}

	if ms.trigger.Kind != TriggerSampleCount {
		return nil
	}
	ms.sampleCount++
	threshold := ms.trigger.Count
	if threshold <= 0 {
		threshold = 1
	}
	if ms.sampleCount < threshold {
		return nil
	}
	ms.sampleCount = 0
	return ms.fire(ts)
}

// fire drives the output path: emits the stream header once, then one row
// built from every filter's Process output in chain order.
func (ms *MeasurementStream) fire(ts float64) error {
	if !ms.headerSent {
		ms.writer.WriteHeader(ms.emittedSchema)
		ms.headerSent = true
	}
	ms.writer.RowStart(ts)
	for _, b := range ms.bindings {
		vals, err := b.f.Process()
		if err != nil {
			return err
		}
		ms.writer.Out(vals...)
	}
	return ms.writer.RowEnd()
}
