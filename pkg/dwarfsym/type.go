package dwarfsym

import (
	"fmt"

	"debug/dwarf"

	"github.com/ultimaker/telepathy/pkg/symbol"
)

// convertType walks a DWARF type chain (typedefs, const/volatile
// qualifiers, arrays, pointers, structures and unions) into a
// symbol.Type. Typedefs and qualifiers are transparent: they contribute
// nothing but forward to the underlying type.
func convertType(t dwarf.Type) (*symbol.Type, error) {
	switch tt := t.(type) {
	case *dwarf.TypedefType:
		return convertType(tt.Type)
	case *dwarf.QualType:
		return convertType(tt.Type)
	case *dwarf.IntType:
		return &symbol.Type{Kind: symbol.KindSignedInt, Width: int(tt.ByteSize)}, nil
	case *dwarf.UintType:
		return &symbol.Type{Kind: symbol.KindUnsignedInt, Width: int(tt.ByteSize)}, nil
	case *dwarf.BoolType:
		return &symbol.Type{Kind: symbol.KindUnsignedInt, Width: int(tt.ByteSize)}, nil
	case *dwarf.CharType:
		return &symbol.Type{Kind: symbol.KindSignedInt, Width: int(tt.ByteSize)}, nil
	case *dwarf.UcharType:
		return &symbol.Type{Kind: symbol.KindUnsignedInt, Width: int(tt.ByteSize)}, nil
	case *dwarf.FloatType:
		return &symbol.Type{Kind: symbol.KindFloat, Width: int(tt.ByteSize)}, nil
	case *dwarf.EnumType:
		width := int(tt.ByteSize)
		if width == 0 {
			width = 4
		}
		return &symbol.Type{Kind: symbol.KindSignedInt, Width: width}, nil
	case *dwarf.PtrType:
		pointee, err := convertType(tt.Type)
		if err != nil {
			return nil, err
		}
		return &symbol.Type{Kind: symbol.KindPointer, Pointee: pointee}, nil
	case *dwarf.ArrayType:
		elem, err := convertType(tt.Type)
		if err != nil {
			return nil, err
		}
		length := 0
		if len(tt.Count) > 0 && tt.Count[0] > 0 {
			length = int(tt.Count[0])
		}
		return &symbol.Type{Kind: symbol.KindArray, Elem: elem, Length: length}, nil
	case *dwarf.StructType:
		return convertStruct(tt)
	default:
		return nil, fmt.Errorf("unsupported DWARF type %T (%s)", t, t.Common().Name)
	}
}

// convertStruct handles both DW_TAG_structure_type and
// DW_TAG_union_type (debug/dwarf represents both as *StructType with
// Kind "struct" or "union"). Anonymous unions are flattened: their
// members are hoisted directly into the enclosing record at the
// union's own offset.
func convertStruct(st *dwarf.StructType) (*symbol.Type, error) {
	out := &symbol.Type{Kind: symbol.KindRecord}

	for _, f := range st.Field {
		fieldType, err := convertType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}

		if f.Name == "" {
			if nested, ok := f.Type.(*dwarf.StructType); ok && nested.Kind == "union" {
				flattened, err := convertStruct(nested)
				if err != nil {
					return nil, err
				}
				for _, nf := range flattened.Fields {
					nf.Offset += uint32(f.ByteOffset)
					out.Fields = append(out.Fields, nf)
				}
				continue
			}
		}

		field := symbol.Field{
			Name:   f.Name,
			Offset: uint32(f.ByteOffset),
			Type:   fieldType,
		}
		if f.BitSize != 0 {
			field.BitWidth = uint8(f.BitSize)
			field.BitOffset = bitOffset(f, fieldType)
		}
		out.Fields = append(out.Fields, field)
	}

	return out, nil
}

// bitOffset converts DWARF's bit-field location into a single
// convention: bits counted from the LSB of the storage unit at Offset.
// DWARF versions express the location two different, mutually
// exclusive ways (debug/dwarf.StructField guarantees at most one of
// BitOffset/DataBitOffset is non-zero): DataBitOffset (DWARF5 and
// later) counts from the start of the enclosing struct, so it only
// needs the field's own byte offset subtracted out; BitOffset (DWARF4
// and earlier) counts from the MSB of the storage unit and needs the
// MSB-to-LSB flip below.
func bitOffset(f *dwarf.StructField, storage *symbol.Type) uint8 {
	if f.BitOffset == 0 && f.DataBitOffset != 0 {
		return uint8(f.DataBitOffset - f.ByteOffset*8)
	}
	storageBits := storage.Width * 8
	return uint8(storageBits - int(f.BitSize) - int(f.BitOffset))
}
