package pva

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Minimal Type Description Support
// ============================================================================
//
// Authentication payloads and the builtin "server" RPC exchange small
// self-describing values: a type description followed by the value. Only
// structures of scalars and strings are understood here; full data typing
// belongs to the data providers.

// Type description codes.
const (
	TypeBool        uint8 = 0x00
	TypeInt8        uint8 = 0x20
	TypeInt16       uint8 = 0x21
	TypeInt32       uint8 = 0x22
	TypeInt64       uint8 = 0x23
	TypeUInt8       uint8 = 0x24
	TypeUInt16      uint8 = 0x25
	TypeUInt32      uint8 = 0x26
	TypeUInt64      uint8 = 0x27
	TypeFloat32     uint8 = 0x42
	TypeFloat64     uint8 = 0x43
	TypeString      uint8 = 0x60
	TypeStringArray uint8 = 0x68
	TypeStruct      uint8 = 0x80

	typeCacheDefine uint8 = 0xFD
	typeCacheRef    uint8 = 0xFE
	typeNull        uint8 = 0xFF
)

// Limits on what a peer may send in a typed payload. Both are far above
// anything an authentication or RPC payload needs.
const (
	MaxTypeDepth   = 32
	MaxArrayLength = 1 << 16
)

// Field is one node of a decoded type description.
type Field struct {
	Code    uint8
	ID      string
	Names   []string
	Members []*Field
}

// TypeCache holds type descriptions a peer defined with a cache key. It
// lives as long as the connection that received the definitions.
type TypeCache map[uint16]*Field

// DecodeType reads one type description. A null description returns nil.
// Descriptions nested deeper than MaxTypeDepth are a DecodeError.
func DecodeType(d *Decoder, cache TypeCache) (*Field, error) {
	return decodeType(d, cache, 0)
}

func decodeType(d *Decoder, cache TypeCache, depth int) (*Field, error) {
	if depth > MaxTypeDepth {
		return nil, &DecodeError{What: fmt.Sprintf("type nested deeper than %d", MaxTypeDepth), Offset: d.Offset()}
	}
	code := d.U8()
	if err := d.Err(); err != nil {
		return nil, err
	}

	switch code {
	case typeNull:
		return nil, nil
	case typeCacheDefine:
		key := d.U16()
		f, err := decodeType(d, cache, depth+1)
		if err != nil {
			return nil, err
		}
		if cache != nil && f != nil {
			cache[key] = f
		}
		return f, nil
	case typeCacheRef:
		key := d.U16()
		if err := d.Err(); err != nil {
			return nil, err
		}
		f, ok := cache[key]
		if !ok {
			return nil, &DecodeError{What: fmt.Sprintf("type cache key %d", key), Offset: d.Offset()}
		}
		return f, nil
	case TypeStruct:
		f := &Field{Code: code, ID: d.Str()}
		n := d.Size()
		for i := 0; i < n && d.Err() == nil; i++ {
			name := d.Str()
			member, err := decodeType(d, cache, depth+1)
			if err != nil {
				return nil, err
			}
			if member == nil {
				return nil, fmt.Errorf("%w: null member %q", ErrUnsupportedType, name)
			}
			f.Names = append(f.Names, name)
			f.Members = append(f.Members, member)
		}
		return f, d.Err()
	case TypeBool, TypeInt8, TypeInt16, TypeInt32, TypeInt64,
		TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64,
		TypeFloat32, TypeFloat64, TypeString, TypeStringArray:
		return &Field{Code: code}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, code)
}

// DecodeFlatValue reads a value of type f and flattens it into a map of
// dotted member paths to their textual form. String arrays are joined
// with commas.
func DecodeFlatValue(d *Decoder, f *Field) (map[string]string, error) {
	out := make(map[string]string)
	if f == nil {
		return out, nil
	}
	if err := decodeValue(d, f, "", out); err != nil {
		return nil, err
	}
	return out, d.Err()
}

// DecodeFlat reads a type description followed by its value.
func DecodeFlat(d *Decoder, cache TypeCache) (map[string]string, error) {
	f, err := DecodeType(d, cache)
	if err != nil {
		return nil, err
	}
	return DecodeFlatValue(d, f)
}

func decodeValue(d *Decoder, f *Field, path string, out map[string]string) error {
	var v string
	switch f.Code {
	case TypeStruct:
		for i, m := range f.Members {
			name := f.Names[i]
			if path != "" {
				name = path + "." + name
			}
			if err := decodeValue(d, m, name, out); err != nil {
				return err
			}
		}
		return d.Err()
	case TypeBool:
		v = strconv.FormatBool(d.U8() != 0)
	case TypeInt8:
		v = strconv.FormatInt(int64(int8(d.U8())), 10)
	case TypeInt16:
		v = strconv.FormatInt(int64(int16(d.U16())), 10)
	case TypeInt32:
		v = strconv.FormatInt(int64(int32(d.U32())), 10)
	case TypeInt64:
		v = strconv.FormatInt(int64(d.U64()), 10)
	case TypeUInt8:
		v = strconv.FormatUint(uint64(d.U8()), 10)
	case TypeUInt16:
		v = strconv.FormatUint(uint64(d.U16()), 10)
	case TypeUInt32:
		v = strconv.FormatUint(uint64(d.U32()), 10)
	case TypeUInt64:
		v = strconv.FormatUint(d.U64(), 10)
	case TypeFloat32:
		v = strconv.FormatFloat(float64(math.Float32frombits(d.U32())), 'g', -1, 32)
	case TypeFloat64:
		v = strconv.FormatFloat(math.Float64frombits(d.U64()), 'g', -1, 64)
	case TypeString:
		v = d.Str()
	case TypeStringArray:
		n := d.Size()
		if n > MaxArrayLength {
			return &DecodeError{What: fmt.Sprintf("string array of %d elements", n), Offset: d.Offset()}
		}
		var sb strings.Builder
		for i := 0; i < n && d.Err() == nil; i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(d.Str())
		}
		v = sb.String()
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, f.Code)
	}
	if err := d.Err(); err != nil {
		return err
	}
	out[path] = v
	return nil
}

// StringField is one member of a structure of strings.
type StringField struct {
	Name  string
	Value string
}

// PutStringStruct writes the type description and value of a structure
// whose members are all strings.
func (e *Encoder) PutStringStruct(id string, fields []StringField) {
	names := make([]string, len(fields))
	values := make([]string, len(fields))
	for i, f := range fields {
		names[i], values[i] = f.Name, f.Value
	}
	e.PutStringStructType(id, names)
	e.PutStringStructValue(values)
}

// PutStringStructType writes only the type description of a structure
// of string members.
func (e *Encoder) PutStringStructType(id string, names []string) {
	e.PutU8(TypeStruct)
	e.PutString(id)
	e.PutSize(len(names))
	for _, n := range names {
		e.PutString(n)
		e.PutU8(TypeString)
	}
}

// PutStringStructValue writes the member values matching a type written
// by PutStringStructType.
func (e *Encoder) PutStringStructValue(values []string) {
	for _, v := range values {
		e.PutString(v)
	}
}

// PutStringArrayStruct writes a structure with a single string array
// member, e.g. an NTScalarArray of channel names.
func (e *Encoder) PutStringArrayStruct(id, member string, values []string) {
	e.PutU8(TypeStruct)
	e.PutString(id)
	e.PutSize(1)
	e.PutString(member)
	e.PutU8(TypeStringArray)
	e.PutSize(len(values))
	for _, v := range values {
		e.PutString(v)
	}
}
