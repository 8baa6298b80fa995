package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/oml-collect/oml/internal/client/filter"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/oml-collect/oml/pkg/wire"
)

// Runtime is the process-wide client handle (spec §5, §9): created once via
// Init before any MP registration, torn down at shutdown. The original kept
// this as an implicit global; here it is an explicit value threaded through
// every API, with Default/Init as a thin accessor for single-runtime
// programs (the overwhelmingly common case for an instrumented
// application).
type Runtime struct {
	mu sync.Mutex

	egress  *Egress
	encoder wire.Encoder

	startTime  time.Time
	metaWriter *Writer
	nextStream uint16

	mps map[string]*MeasurementPoint
}

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Init creates the process-wide Runtime and stores it as the Default
// accessor's target. Call once at application startup, before any
// registration.
func Init(egress *Egress, encoder wire.Encoder) *Runtime {
	rt := NewRuntime(egress, encoder)
	defaultMu.Lock()
	defaultRT = rt
	defaultMu.Unlock()
	return rt
}

// Default returns the Runtime created by Init, or nil if Init was never
// called. Legacy/simple callers may use this instead of threading a Runtime
// value explicitly.
func Default() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRT
}

// NewRuntime builds a Runtime around an already-constructed Egress and wire
// encoder, without touching the Default accessor. Stream index 0 is
// reserved for the metadata writer per spec §3.
func NewRuntime(egress *Egress, encoder wire.Encoder) *Runtime {
	rt := &Runtime{
		egress:     egress,
		encoder:    encoder,
		startTime:  time.Now(),
		nextStream: 1,
		mps:        make(map[string]*MeasurementPoint),
	}
	rt.metaWriter = newWriter(0, encoder, egress)
	return rt
}

// Now returns the elapsed time since the runtime started, in seconds, used
// as the client timestamp for injected rows.
func (rt *Runtime) Now() float64 {
	return time.Since(rt.startTime).Seconds()
}

// NewMP registers a MeasurementPoint. Streams may be attached to it with
// AddStream until the first injection, after which its schema and stream
// set are frozen (spec §3).
func (rt *Runtime) NewMP(name string, schema omlvalue.Schema) (*MeasurementPoint, error) {
	if !omlvalue.ValidIdent(name) {
		return nil, fmt.Errorf("client: invalid MP name %q", name)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, dup := rt.mps[name]; dup {
		return nil, fmt.Errorf("client: MP %q already registered", name)
	}
	mp := &MeasurementPoint{name: name, schema: schema, rt: rt}
	rt.mps[name] = mp
	return mp, nil
}

// allocStreamIndex hands out the next free stream index, starting at 1 (0
// is reserved for metadata).
func (rt *Runtime) allocStreamIndex() uint16 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.nextStream
	rt.nextStream++
	return idx
}

// Close stops every interval-triggered MS's timer goroutine, then shuts
// down the runtime's egress, draining what it can first.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	for _, mp := range rt.mps {
		mp.mu.Lock()
		for _, ms := range mp.streams {
			if ms.stop != nil {
				close(ms.stop)
			}
		}
		mp.mu.Unlock()
	}
	rt.mu.Unlock()
	rt.egress.Close()
}

// MeasurementPoint is a named injection site with a fixed input schema and
// a set of attached MeasurementStreams (spec §3).
type MeasurementPoint struct {
	mu      sync.Mutex
	rt      *Runtime
	name    string
	schema  omlvalue.Schema
	streams []*MeasurementStream
	running bool
}

// Name returns the MP's registered name.
func (mp *MeasurementPoint) Name() string { return mp.name }

// FilterInput names one input field of the MP's schema a filter should
// sample; the field's index is resolved from this name at AddStream time.
type FilterInput struct {
	Field  string
	Filter filter.Filter
}

// AddStream attaches a new MeasurementStream with the given filter chain
// (each entry bound to one of the MP's input fields by name) and trigger.
// Fails once the MP has accepted its first injection (spec §3).
func (mp *MeasurementPoint) AddStream(streamName string, chain []FilterInput, trigger Trigger) (*MeasurementStream, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.running {
		return nil, fmt.Errorf("client: MP %q is already running, cannot add stream %q", mp.name, streamName)
	}

	bindings := make([]binding, len(chain))
	for i, c := range chain {
		idx, ok := mp.fieldIndex(c.Field)
		if !ok {
			return nil, fmt.Errorf("client: MP %q has no field %q", mp.name, c.Field)
		}
		bindings[i] = binding{f: c.Filter, inputIndex: idx}
	}

	idx := mp.rt.allocStreamIndex()
	w := newWriter(idx, mp.rt.encoder, mp.rt.egress)
	ms := newMeasurementStream(mp, bindings, trigger, w, streamName, idx)
	mp.streams = append(mp.streams, ms)
	if trigger.Kind == TriggerInterval {
		ms.startIntervalTimer()
	}
	return ms, nil
}

func (mp *MeasurementPoint) fieldIndex(name string) (int, bool) {
	for i, f := range mp.schema.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Inject accepts one row of values whose types must match the MP's schema
// positionally, and drives every attached MS's filter chain (spec §4.2).
func (mp *MeasurementPoint) Inject(values []omlvalue.Value) error {
	if len(values) != len(mp.schema.Fields) {
		return fmt.Errorf("client: MP %q expects %d values, got %d", mp.name, len(mp.schema.Fields), len(values))
	}
	for i, v := range values {
		if v.Typ != mp.schema.Fields[i].Typ {
			return fmt.Errorf("client: MP %q field %q: expected type %v, got %v", mp.name, mp.schema.Fields[i].Name, mp.schema.Fields[i].Typ, v.Typ)
		}
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.running = true

	ts := mp.rt.Now()
	for _, ms := range mp.streams {
		if err := ms.sampleAll(values, ts); err != nil {
			return err
		}
	}
	return nil
}

// InjectMetadata writes one (string, string) key/value row onto the shared
// metadata stream (index 0), with a wire key formed as
// "MPname_[field_]key" (spec §4.2). field may be empty. Resolved per the
// redesign note in spec §9 as a single schema-0 write, not a fan-out across
// every attached MS.
func (mp *MeasurementPoint) InjectMetadata(key, value, field string) error {
	if !omlvalue.ValidIdent(key) {
		return fmt.Errorf("client: invalid metadata key %q", key)
	}
	if field != "" {
		if _, ok := mp.fieldIndex(field); !ok {
			return fmt.Errorf("client: MP %q has no field %q", mp.name, field)
		}
	}

	wireKey := mp.name + "_"
	if field != "" {
		wireKey += field + "_"
	}
	wireKey += key

	mp.mu.Lock()
	defer mp.mu.Unlock()

	w := mp.rt.metaWriter
	w.RowStart(mp.rt.Now())
	w.Out(omlvalue.String(wireKey), omlvalue.String(value))
	return w.RowEnd()
}
