// Package filter implements the stateful per-stream transformers attached to
// a MeasurementStream's filter chain (spec §4.2). Each Filter samples one
// input field position at a time and, on trigger, emits its output fields
// and resets whatever part of its state the original documents as
// per-output (not all state resets: Loss keeps its last-seen/first-sample
// memory across Process calls, only its three counters reset).
package filter

import (
	"fmt"

	"github.com/oml-collect/oml/pkg/omlerr"
	"github.com/oml-collect/oml/pkg/omlvalue"
)

// Filter is the capability interface every filter implementation satisfies,
// replacing the source's function-pointer-plus-void-pointer dispatch (spec
// §9 redesign note).
type Filter interface {
	// Sample absorbs one input value. The filter owns a deep copy of any
	// string/blob payload; callers may reuse their buffers immediately.
	Sample(v omlvalue.Value) error
	// Process emits this filter's output fields in declaration order and
	// resets whatever internal state the filter documents as per-emission.
	Process() ([]omlvalue.Value, error)
	// Fields returns the output field definitions this filter contributes
	// to its MeasurementStream's emitted schema, fixed at registration.
	Fields() []omlvalue.FieldDef
}

// Last stores the most recently sampled value of a fixed type and emits it
// unchanged. On a string-typed Last, Process resets the stored value to
// empty after emitting (spec §4.2).
type Last struct {
	name string
	typ  omlvalue.Type
	cur  omlvalue.Value
	set  bool
}

// NewLast creates a Last filter over values of type t, emitted under field
// name name.
func NewLast(name string, t omlvalue.Type) *Last {
	return &Last{name: name, typ: t, cur: zeroValue(t)}
}

func (f *Last) Fields() []omlvalue.FieldDef {
	return []omlvalue.FieldDef{{Name: f.name, Typ: f.typ}}
}

func (f *Last) Sample(v omlvalue.Value) error {
	if v.Typ != f.typ {
		return fmt.Errorf("filter.Last: input type %v does not match declared type %v", v.Typ, f.typ)
	}
	f.cur = v.CloneIfBorrowed()
	f.set = true
	return nil
}

func (f *Last) Process() ([]omlvalue.Value, error) {
	out := f.cur
	if f.typ == omlvalue.TypeString {
		f.cur = omlvalue.String("")
	}
	return []omlvalue.Value{out}, nil
}

func zeroValue(t omlvalue.Type) omlvalue.Value {
	switch t {
	case omlvalue.TypeInt32:
		return omlvalue.Int32(0)
	case omlvalue.TypeUInt32:
		return omlvalue.UInt32(0)
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		return omlvalue.Int64(0)
	case omlvalue.TypeUInt64:
		return omlvalue.UInt64(0)
	case omlvalue.TypeDouble:
		return omlvalue.Double(0)
	case omlvalue.TypeString:
		return omlvalue.String("")
	case omlvalue.TypeBlob:
		return omlvalue.BlobValue(nil)
	default:
		omlerr.ProgrammerError("filter.zeroValue", "unsupported type")
		return omlvalue.Value{}
	}
}

// Loss counts gaps and reorderings in a monotonically-intended integer
// sequence. Output fields, in order: lost, out_of_order, sample_count (all
// signed 32). Modulus, when non-zero, is the sequence-space wraparound
// promoted per spec §9's open question; 0 preserves the documented
// no-wraparound limitation.
type Loss struct {
	modulus     uint64
	first       bool
	lastSeen    int64
	lost        int32
	outOfOrder  int32
	sampleCount int32
}

// NewLoss creates a Loss filter. modulus == 0 disables wraparound handling.
func NewLoss(modulus uint64) *Loss {
	return &Loss{modulus: modulus, first: true}
}

func (f *Loss) Fields() []omlvalue.FieldDef {
	return []omlvalue.FieldDef{
		{Name: "lost", Typ: omlvalue.TypeInt32},
		{Name: "out_of_order", Typ: omlvalue.TypeInt32},
		{Name: "sample_count", Typ: omlvalue.TypeInt32},
	}
}

func (f *Loss) Sample(v omlvalue.Value) error {
	s, err := asInt64(v)
	if err != nil {
		return fmt.Errorf("filter.Loss: %w", err)
	}
	if f.modulus > 0 {
		s = s % int64(f.modulus)
	}

	f.sampleCount++
	switch {
	case f.first:
		f.lastSeen = s
		f.first = false
	case s <= f.lastSeen:
		// Duplicates and reorderings are lumped into out-of-order, per the
		// documented limitation (spec §4.2, §9).
		f.outOfOrder++
	default:
		f.lost += int32(s - f.lastSeen - 1)
		f.lastSeen = s
	}
	return nil
}

func (f *Loss) Process() ([]omlvalue.Value, error) {
	out := []omlvalue.Value{
		omlvalue.Int32(f.lost),
		omlvalue.Int32(f.outOfOrder),
		omlvalue.Int32(f.sampleCount),
	}
	f.lost, f.outOfOrder, f.sampleCount = 0, 0, 0
	return out, nil
}

func asInt64(v omlvalue.Value) (int64, error) {
	switch v.Typ {
	case omlvalue.TypeInt32:
		return int64(v.I32), nil
	case omlvalue.TypeUInt32:
		return int64(v.U32), nil
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		return v.I64, nil
	case omlvalue.TypeUInt64:
		return int64(v.U64), nil
	default:
		return 0, fmt.Errorf("value of type %v is not an integer", v.Typ)
	}
}
