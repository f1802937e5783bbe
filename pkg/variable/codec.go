package variable

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ultimaker/telepathy/pkg/symbol"
)

// errRange is returned by Encode when a numeric value does not fit the
// destination width; Handle.Write wraps it (and any other Encode
// failure) as a KindType xcp.Error before it reaches a caller.
type errRange struct {
	value any
	width int
}

func (e *errRange) Error() string {
	return fmt.Sprintf("value %v out of range for %d-byte field", e.value, e.width)
}

// Decode interprets raw as a value of typ, per typ.Order. raw must be
// at least typ.Size() bytes; extra bytes are ignored (composite reads
// may over-fetch to the next transaction boundary).
func Decode(typ *symbol.Type, raw []byte) (Value, error) {
	if len(raw) < typ.Size() {
		return Value{}, fmt.Errorf("short buffer: need %d bytes, got %d", typ.Size(), len(raw))
	}

	switch typ.Kind {
	case symbol.KindSignedInt:
		return SignedInt(decodeSigned(typ, raw)), nil
	case symbol.KindUnsignedInt:
		return UnsignedInt(decodeUnsigned(typ, raw)), nil
	case symbol.KindFloat:
		return decodeFloat(typ, raw)
	case symbol.KindArray:
		elemSize := typ.Elem.Size()
		vals := make([]Value, typ.Length)
		for i := 0; i < typ.Length; i++ {
			v, err := Decode(typ.Elem, raw[i*elemSize:])
			if err != nil {
				return Value{}, err
			}
			vals[i] = v
		}
		return ArrayValue(vals), nil
	case symbol.KindRecord:
		fields := make(map[string]Value, len(typ.Fields))
		for _, f := range typ.Fields {
			if f.IsBitField() {
				v, err := decodeBitField(f, raw)
				if err != nil {
					return Value{}, err
				}
				fields[f.Name] = v
				continue
			}
			v, err := Decode(f.Type, raw[f.Offset:])
			if err != nil {
				return Value{}, err
			}
			fields[f.Name] = v
		}
		return RecordValue(fields), nil
	case symbol.KindPointer:
		return UnsignedInt(decodeUnsigned(&symbol.Type{Kind: symbol.KindUnsignedInt, Order: typ.Order, Width: symbol.PointerWidth}, raw)), nil
	default:
		return Value{}, fmt.Errorf("cannot decode type kind %s", typ.Kind)
	}
}

func byteOrder(o symbol.ByteOrder) binary.ByteOrder {
	if o == symbol.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func decodeUnsigned(typ *symbol.Type, raw []byte) uint64 {
	order := byteOrder(typ.Order)
	switch typ.Width {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(order.Uint16(raw))
	case 4:
		return uint64(order.Uint32(raw))
	case 8:
		return order.Uint64(raw)
	default:
		return 0
	}
}

func decodeSigned(typ *symbol.Type, raw []byte) int64 {
	u := decodeUnsigned(typ, raw)
	bits := typ.Width * 8
	shift := 64 - bits
	return int64(u<<shift) >> shift
}

func decodeFloat(typ *symbol.Type, raw []byte) (Value, error) {
	order := byteOrder(typ.Order)
	switch typ.Width {
	case 4:
		return FloatValue(float64(math.Float32frombits(order.Uint32(raw)))), nil
	case 8:
		return FloatValue(math.Float64frombits(order.Uint64(raw))), nil
	default:
		return Value{}, fmt.Errorf("unsupported float width %d", typ.Width)
	}
}

// decodeBitField reads the enclosing storage unit at f.Offset (f.Type
// sized), masks out f.BitWidth bits starting at f.BitOffset, and
// sign-extends if f.Type is signed. Bit numbering for big-endian
// targets follows the same least-significant-bit-is-bit-0 convention
// as little-endian here; this has not been verified against real
// big-endian hardware.
func decodeBitField(f symbol.Field, raw []byte) (Value, error) {
	storage := f.Type
	if int(f.Offset)+storage.Size() > len(raw) {
		return Value{}, fmt.Errorf("bit-field %q out of buffer bounds", f.Name)
	}
	u := decodeUnsigned(storage, raw[f.Offset:])

	mask := uint64(1)<<uint(f.BitWidth) - 1
	u = (u >> uint(f.BitOffset)) & mask

	if storage.Kind == symbol.KindSignedInt {
		signBit := uint64(1) << uint(f.BitWidth-1)
		if u&signBit != 0 {
			u |= ^mask
		}
		return SignedInt(int64(u)), nil
	}
	return UnsignedInt(u), nil
}

// Encode is Decode's inverse. It range-checks v against typ's width
// before producing any bytes, so a rejected write never partially
// commits.
func Encode(typ *symbol.Type, v Value) ([]byte, error) {
	switch typ.Kind {
	case symbol.KindSignedInt:
		if err := checkSignedRange(v, typ.Width); err != nil {
			return nil, err
		}
		return encodeUnsigned(typ, uint64(v.Int)), nil
	case symbol.KindUnsignedInt:
		if err := checkUnsignedRange(v, typ.Width); err != nil {
			return nil, err
		}
		return encodeUnsigned(typ, v.Uint), nil
	case symbol.KindFloat:
		return encodeFloat(typ, v)
	case symbol.KindArray:
		if len(v.Array) != typ.Length {
			return nil, fmt.Errorf("array length mismatch: type has %d elements, value has %d", typ.Length, len(v.Array))
		}
		out := make([]byte, 0, typ.Size())
		for _, elem := range v.Array {
			b, err := Encode(typ.Elem, elem)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	case symbol.KindRecord:
		out := make([]byte, typ.Size())
		for _, f := range typ.Fields {
			fv, ok := v.Fields[f.Name]
			if !ok {
				return nil, fmt.Errorf("missing field %q", f.Name)
			}
			if f.IsBitField() {
				if err := encodeBitField(f, fv, out); err != nil {
					return nil, err
				}
				continue
			}
			b, err := Encode(f.Type, fv)
			if err != nil {
				return nil, err
			}
			copy(out[f.Offset:], b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot encode type kind %s", typ.Kind)
	}
}

func encodeUnsigned(typ *symbol.Type, u uint64) []byte {
	out := make([]byte, typ.Width)
	order := byteOrder(typ.Order)
	switch typ.Width {
	case 1:
		out[0] = byte(u)
	case 2:
		order.PutUint16(out, uint16(u))
	case 4:
		order.PutUint32(out, uint32(u))
	case 8:
		order.PutUint64(out, u)
	}
	return out
}

func encodeFloat(typ *symbol.Type, v Value) ([]byte, error) {
	out := make([]byte, typ.Width)
	order := byteOrder(typ.Order)
	switch typ.Width {
	case 4:
		order.PutUint32(out, math.Float32bits(float32(v.Float)))
	case 8:
		order.PutUint64(out, math.Float64bits(v.Float))
	default:
		return nil, fmt.Errorf("unsupported float width %d", typ.Width)
	}
	return out, nil
}

func encodeBitField(f symbol.Field, v Value, out []byte) error {
	mask := uint64(1)<<uint(f.BitWidth) - 1

	var u uint64
	switch f.Type.Kind {
	case symbol.KindSignedInt:
		if v.Kind != symbol.KindSignedInt {
			return fmt.Errorf("expected signed-int value for bit-field %q, got %s", f.Name, v.Kind)
		}
		min := -(int64(1) << uint(f.BitWidth-1))
		max := int64(1)<<uint(f.BitWidth-1) - 1
		if v.Int < min || v.Int > max {
			return &errRange{value: v.Int, width: int(f.BitWidth)}
		}
		u = uint64(v.Int) & mask
	default:
		if v.Kind != symbol.KindUnsignedInt {
			return fmt.Errorf("expected unsigned-int value for bit-field %q, got %s", f.Name, v.Kind)
		}
		if v.Uint > mask {
			return &errRange{value: v.Uint, width: int(f.BitWidth)}
		}
		u = v.Uint & mask
	}

	storage := f.Type
	current := decodeUnsigned(storage, out[f.Offset:])
	current &^= mask << uint(f.BitOffset)
	current |= u << uint(f.BitOffset)
	copy(out[f.Offset:], encodeUnsigned(storage, current))
	return nil
}

func checkSignedRange(v Value, width int) error {
	if v.Kind != symbol.KindSignedInt {
		return fmt.Errorf("expected signed-int value, got %s", v.Kind)
	}
	bits := width * 8
	min := -(int64(1) << uint(bits-1))
	max := int64(1)<<uint(bits-1) - 1
	if v.Int < min || v.Int > max {
		return &errRange{value: v.Int, width: width}
	}
	return nil
}

func checkUnsignedRange(v Value, width int) error {
	if v.Kind != symbol.KindUnsignedInt {
		return fmt.Errorf("expected unsigned-int value, got %s", v.Kind)
	}
	if width < 8 {
		max := uint64(1)<<uint(width*8) - 1
		if v.Uint > max {
			return &errRange{value: v.Uint, width: width}
		}
	}
	return nil
}
