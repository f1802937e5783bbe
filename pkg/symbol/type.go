// Package symbol holds the data model shared by the debug-info reader
// and the model-map reader: Type, Symbol and Table. Both producers build
// the same shape so the variable layer can stay agnostic of where a
// symbol came from.
package symbol

import "fmt"

// Kind distinguishes the closed set of type shapes a Symbol can have.
type Kind int

const (
	KindInvalid Kind = iota
	KindSignedInt
	KindUnsignedInt
	KindFloat
	KindArray
	KindRecord
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindSignedInt:
		return "signed-int"
	case KindUnsignedInt:
		return "unsigned-int"
	case KindFloat:
		return "float"
	case KindArray:
		return "array"
	case KindRecord:
		return "record"
	case KindPointer:
		return "pointer"
	default:
		return "invalid"
	}
}

// ByteOrder is the target's byte order, discovered at CONNECT and
// stamped onto every Type produced for that session.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big-endian"
	}
	return "little-endian"
}

// Field describes one member of a Record type.
type Field struct {
	Name   string
	Offset uint32 // byte offset from the start of the enclosing record
	Type   *Type

	// BitOffset/BitWidth are non-zero only for bit-field members. The
	// field is read as the enclosing storage unit (Type.Size bytes at
	// Offset) and masked/sign-extended client-side.
	BitOffset uint8
	BitWidth  uint8
}

func (f Field) IsBitField() bool { return f.BitWidth > 0 }

// Type is a tagged description, closed under scalar, fixed-size array,
// record and pointer. Size is statically known except for the pointee
// of a Pointer type, whose size is the pointee's own Size.
type Type struct {
	Kind  Kind
	Order ByteOrder

	// Scalar
	Width int // bytes: 1, 2, 4 or 8

	// Array
	Elem   *Type
	Length int

	// Record
	Fields []Field

	// Pointer
	Pointee *Type
}

// Size returns the statically-known size in bytes of a value of this
// type. For a Pointer type it returns the size of the pointer itself
// (always PointerWidth); callers use Pointee.Size for what it refers
// to.
func (t *Type) Size() int {
	switch t.Kind {
	case KindSignedInt, KindUnsignedInt, KindFloat:
		return t.Width
	case KindArray:
		return t.Elem.Size() * t.Length
	case KindRecord:
		var total int
		for _, f := range t.Fields {
			end := int(f.Offset) + f.Type.Size()
			if end > total {
				total = end
			}
		}
		return total
	case KindPointer:
		return PointerWidth
	default:
		return 0
	}
}

// PointerWidth is the size in bytes of a target address. XCP addresses
// are carried as 32-bit values on the wire (DAQ/memory commands use a
// 4-byte address field); pointer-typed symbols resolve to this width.
const PointerWidth = 4

func (t *Type) String() string {
	switch t.Kind {
	case KindSignedInt, KindUnsignedInt, KindFloat:
		return fmt.Sprintf("%s%d", t.Kind, t.Width*8)
	case KindArray:
		return fmt.Sprintf("%s[%d]", t.Elem, t.Length)
	case KindRecord:
		return fmt.Sprintf("record{%d fields}", len(t.Fields))
	case KindPointer:
		return fmt.Sprintf("*%s", t.Pointee)
	default:
		return "invalid"
	}
}
