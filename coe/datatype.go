package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// DataType is a CoE basic data type index.
type DataType uint16

// Basic data types.
const (
	TypeBool          DataType = 0x0001
	TypeInt8          DataType = 0x0002
	TypeInt16         DataType = 0x0003
	TypeInt32         DataType = 0x0004
	TypeUint8         DataType = 0x0005
	TypeUint16        DataType = 0x0006
	TypeUint32        DataType = 0x0007
	TypeReal32        DataType = 0x0008
	TypeVisibleString DataType = 0x0009
	TypeOctetString   DataType = 0x000A
	TypeReal64        DataType = 0x0011
	TypeInt64         DataType = 0x0015
	TypeUint64        DataType = 0x001B
	TypeByte          DataType = 0x001E
)

var dataTypeNames = map[DataType]string{
	TypeBool:          "BOOL",
	TypeInt8:          "INT8",
	TypeInt16:         "INT16",
	TypeInt32:         "INT32",
	TypeUint8:         "UINT8",
	TypeUint16:        "UINT16",
	TypeUint32:        "UINT32",
	TypeReal32:        "REAL32",
	TypeVisibleString: "VISIBLE_STRING",
	TypeOctetString:   "OCTET_STRING",
	TypeReal64:        "REAL64",
	TypeInt64:         "INT64",
	TypeUint64:        "UINT64",
	TypeByte:          "BYTE",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("DataType(0x%04X)", uint16(t))
}

// Size returns the encoded size in bytes, or 0 for variable length types.
func (t DataType) Size() int {
	switch t {
	case TypeBool, TypeInt8, TypeUint8, TypeByte:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeReal32:
		return 4
	case TypeInt64, TypeUint64, TypeReal64:
		return 8
	default:
		return 0
	}
}

var (
	// ErrUnsupportedType is returned for data types without a Go mapping.
	ErrUnsupportedType = errors.New("coe: unsupported data type")

	// ErrValueSize is returned when raw data does not fit the data type.
	ErrValueSize = errors.New("coe: value size does not match data type")
)

// DecodeValue converts raw little-endian object data to a Go value:
// bool, int8..int64, uint8..uint64, float32, float64, string or []byte.
func DecodeValue(t DataType, raw []byte) (any, error) {
	if _, ok := dataTypeNames[t]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if n := t.Size(); n > 0 && len(raw) < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrValueSize, t, n, len(raw))
	}

	le := binary.LittleEndian
	switch t {
	case TypeBool:
		return raw[0]&0x01 != 0, nil
	case TypeInt8:
		return int8(raw[0]), nil
	case TypeInt16:
		return int16(le.Uint16(raw)), nil
	case TypeInt32:
		return int32(le.Uint32(raw)), nil
	case TypeInt64:
		return int64(le.Uint64(raw)), nil
	case TypeUint8, TypeByte:
		return raw[0], nil
	case TypeUint16:
		return le.Uint16(raw), nil
	case TypeUint32:
		return le.Uint32(raw), nil
	case TypeUint64:
		return le.Uint64(raw), nil
	case TypeReal32:
		return math.Float32frombits(le.Uint32(raw)), nil
	case TypeReal64:
		return math.Float64frombits(le.Uint64(raw)), nil
	case TypeVisibleString:
		return strings.TrimRight(string(raw), "\x00"), nil
	default:
		return append([]byte(nil), raw...), nil
	}
}

// EncodeValue converts a Go value to raw object data of type t. The Go
// type must be the one DecodeValue returns for t.
func EncodeValue(t DataType, v any) ([]byte, error) {
	le := binary.LittleEndian
	mismatch := func() error {
		return fmt.Errorf("%w: cannot encode %T as %s", ErrUnsupportedType, v, t)
	}

	switch t {
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt8:
		n, ok := v.(int8)
		if !ok {
			return nil, mismatch()
		}
		return []byte{byte(n)}, nil
	case TypeInt16:
		n, ok := v.(int16)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint16(nil, uint16(n)), nil
	case TypeInt32:
		n, ok := v.(int32)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint32(nil, uint32(n)), nil
	case TypeInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint64(nil, uint64(n)), nil
	case TypeUint8, TypeByte:
		n, ok := v.(uint8)
		if !ok {
			return nil, mismatch()
		}
		return []byte{n}, nil
	case TypeUint16:
		n, ok := v.(uint16)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint16(nil, n), nil
	case TypeUint32:
		n, ok := v.(uint32)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint32(nil, n), nil
	case TypeUint64:
		n, ok := v.(uint64)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint64(nil, n), nil
	case TypeReal32:
		f, ok := v.(float32)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint32(nil, math.Float32bits(f)), nil
	case TypeReal64:
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch()
		}
		return le.AppendUint64(nil, math.Float64bits(f)), nil
	case TypeVisibleString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return []byte(s), nil
	case TypeOctetString:
		b, ok := v.([]byte)
		if !ok {
			return nil, mismatch()
		}
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}
