// Package tensor provides the numeric type metadata and shape helpers shared by the
// convolution engine, its code generator and the device backends.
package tensor

import "fmt"

// DataType represents runtime type information for device buffers.
//
// The set is closed: every lookup below handles each value explicitly and
// panics for anything else, there is no default fallback.
type DataType int

// Supported data types.
const (
	Half DataType = iota
	Float32
	Float64
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Bool
)

// Data type indices, stable across releases (used in serialized tuning caches).
const (
	InvalidIndex = -1
	AuxIndex     = 0
	FloatIndex   = 1
	DoubleIndex  = 2
	HalfIndex    = 3
	Int8Index    = 4
	Int16Index   = 5
	Int32Index   = 6
	Int64Index   = 7
	Uint8Index   = 8
	Uint16Index  = 9
	Uint32Index  = 10
	Uint64Index  = 11
)

func unknown(dt DataType) string {
	return fmt.Sprintf("libdnn: unknown data type %d", int(dt))
}

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Int8, Uint8, Bool:
		return 1
	case Half, Int16, Uint16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	default:
		panic(unknown(dt))
	}
}

// String returns the type name used in kernel fingerprints.
func (dt DataType) String() string {
	switch dt {
	case Half:
		return "half"
	case Float32:
		return "float"
	case Float64:
		return "double"
	case Int8:
		return "int8_t"
	case Int16:
		return "int16_t"
	case Int32:
		return "int32_t"
	case Int64:
		return "int64_t"
	case Uint8:
		return "uint8_t"
	case Uint16:
		return "uint16_t"
	case Uint32:
		return "uint32_t"
	case Uint64:
		return "uint64_t"
	case Bool:
		return "bool"
	default:
		panic(unknown(dt))
	}
}

// Index returns the data type index.
func (dt DataType) Index() int {
	switch dt {
	case Half:
		return HalfIndex
	case Float32:
		return FloatIndex
	case Float64:
		return DoubleIndex
	case Int8:
		return Int8Index
	case Int16:
		return Int16Index
	case Int32:
		return Int32Index
	case Int64:
		return Int64Index
	case Uint8:
		return Uint8Index
	case Uint16:
		return Uint16Index
	case Uint32:
		return Uint32Index
	case Uint64:
		return Uint64Index
	case Bool:
		return AuxIndex
	default:
		panic(unknown(dt))
	}
}

// IsFloat reports whether the type is a floating-point type.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Half, Float32, Float64:
		return true
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Bool:
		return false
	default:
		panic(unknown(dt))
	}
}

// IsSignedInteger reports whether the type is a signed integer type.
func (dt DataType) IsSignedInteger() bool {
	switch dt {
	case Int8, Int16, Int32, Int64:
		return true
	case Half, Float32, Float64, Uint8, Uint16, Uint32, Uint64, Bool:
		return false
	default:
		panic(unknown(dt))
	}
}

// IsUnsignedInteger reports whether the type is an unsigned integer type.
func (dt DataType) IsUnsignedInteger() bool {
	switch dt {
	case Uint8, Uint16, Uint32, Uint64:
		return true
	case Half, Float32, Float64, Int8, Int16, Int32, Int64, Bool:
		return false
	default:
		panic(unknown(dt))
	}
}

// IsInteger reports whether the type is any integer type.
func (dt DataType) IsInteger() bool {
	return dt.IsSignedInteger() || dt.IsUnsignedInteger()
}

// WGSL returns the WGSL scalar type name.
// The second result is false for types WGSL cannot store in a buffer.
func (dt DataType) WGSL() (string, bool) {
	switch dt {
	case Half:
		return "f16", true
	case Float32:
		return "f32", true
	case Int32:
		return "i32", true
	case Uint32:
		return "u32", true
	case Float64, Int8, Int16, Int64, Uint8, Uint16, Uint64, Bool:
		return "", false
	default:
		panic(unknown(dt))
	}
}

// ParseDataType maps a fingerprint type name back to its DataType.
func ParseDataType(name string) (DataType, error) {
	switch name {
	case "half", "float16", "f16":
		return Half, nil
	case "float", "float32", "f32":
		return Float32, nil
	case "double", "float64":
		return Float64, nil
	case "int8_t", "int8":
		return Int8, nil
	case "int16_t", "int16":
		return Int16, nil
	case "int32_t", "int32":
		return Int32, nil
	case "int64_t", "int64":
		return Int64, nil
	case "uint8_t", "uint8":
		return Uint8, nil
	case "uint16_t", "uint16":
		return Uint16, nil
	case "uint32_t", "uint32":
		return Uint32, nil
	case "uint64_t", "uint64":
		return Uint64, nil
	case "bool":
		return Bool, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", name)
	}
}
