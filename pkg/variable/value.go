// Package variable is the caller-facing data layer: it resolves dotted
// paths to Handles against a symbol.Table, and decodes/encodes raw
// target bytes to and from a dynamically-typed Value (Design Note 2's
// tagged variant), dispatching on the symbol's symbol.Type rather than
// assuming any host-side object model.
package variable

import "github.com/ultimaker/telepathy/pkg/symbol"

// Value is the tagged variant crossing the caller boundary: exactly one
// of the fields below is populated, selected by Kind.
type Value struct {
	Kind symbol.Kind

	Int    int64            // SignedInt
	Uint   uint64           // UnsignedInt
	Float  float64          // Float
	Array  []Value          // Array
	Fields map[string]Value // Record, keyed by field name
}

func SignedInt(v int64) Value    { return Value{Kind: symbol.KindSignedInt, Int: v} }
func UnsignedInt(v uint64) Value { return Value{Kind: symbol.KindUnsignedInt, Uint: v} }
func FloatValue(v float64) Value { return Value{Kind: symbol.KindFloat, Float: v} }
func ArrayValue(vs []Value) Value { return Value{Kind: symbol.KindArray, Array: vs} }
func RecordValue(fields map[string]Value) Value {
	return Value{Kind: symbol.KindRecord, Fields: fields}
}
