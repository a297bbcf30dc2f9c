package codec

import "fmt"

// Value is a tagged, heterogeneous field value (spec §4.2). Only the field
// matching Tag is meaningful; constructors below are the supported way to
// build one so callers can't produce an inconsistent Tag/payload pair.
type Value struct {
	Tag Tag
	b   bool
	i32 int32
	i64 int64
	u32 uint32
	u64 uint64
	f32 float32
	f64 float64
	s   string
	bin []byte
	vec []float32
	arr []Value
	obj map[string]Value
}

func Null() Value { return Value{Tag: TagNull} }

func Bool(v bool) Value {
	if v {
		return Value{Tag: TagBoolTrue}
	}
	return Value{Tag: TagBoolFalse}
}

func Int32(v int32) Value           { return Value{Tag: TagInt32, i32: v} }
func Int64(v int64) Value           { return Value{Tag: TagInt64, i64: v} }
func Uint32(v uint32) Value         { return Value{Tag: TagUint32, u32: v} }
func Uint64(v uint64) Value         { return Value{Tag: TagUint64, u64: v} }
func Float(v float32) Value         { return Value{Tag: TagFloat, f32: v} }
func Double(v float64) Value        { return Value{Tag: TagDouble, f64: v} }
func String(v string) Value         { return Value{Tag: TagString, s: v} }
func Binary(v []byte) Value         { return Value{Tag: TagBinary, bin: v} }
func VectorFloat(v []float32) Value { return Value{Tag: TagVectorFloat, vec: v} }
func Array(v []Value) Value         { return Value{Tag: TagArray, arr: v} }
func Object(v map[string]Value) Value {
	return Value{Tag: TagObject, obj: v}
}

// IsNull reports whether v is the null tag.
func (v Value) IsNull() bool { return v.Tag == TagNull }

// AsBool returns the boolean payload, or a TypeMismatch-flavored error.
func (v Value) AsBool() (bool, error) {
	switch v.Tag {
	case TagBoolTrue:
		return true, nil
	case TagBoolFalse:
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected bool, got %s", errTypeMismatch, v.Tag)
	}
}

func (v Value) AsInt64() (int64, error) {
	switch v.Tag {
	case TagInt32:
		return int64(v.i32), nil
	case TagInt64:
		return v.i64, nil
	case TagUint32:
		return int64(v.u32), nil
	case TagUint64:
		return int64(v.u64), nil
	default:
		return 0, fmt.Errorf("%w: expected integer, got %s", errTypeMismatch, v.Tag)
	}
}

func (v Value) AsFloat64() (float64, error) {
	switch v.Tag {
	case TagFloat:
		return float64(v.f32), nil
	case TagDouble:
		return v.f64, nil
	default:
		n, err := v.AsInt64()
		if err == nil {
			return float64(n), nil
		}
		return 0, fmt.Errorf("%w: expected float, got %s", errTypeMismatch, v.Tag)
	}
}

func (v Value) AsString() (string, error) {
	if v.Tag != TagString {
		return "", fmt.Errorf("%w: expected string, got %s", errTypeMismatch, v.Tag)
	}
	return v.s, nil
}

func (v Value) AsBinary() ([]byte, error) {
	if v.Tag != TagBinary {
		return nil, fmt.Errorf("%w: expected binary, got %s", errTypeMismatch, v.Tag)
	}
	return v.bin, nil
}

// AsVector coerces VECTOR_FLOAT directly; an ARRAY whose elements are all
// numeric is coerced element-by-element (spec §4.2); anything else fails
// with TypeMismatch.
func (v Value) AsVector() ([]float32, error) {
	switch v.Tag {
	case TagVectorFloat:
		return v.vec, nil
	case TagArray:
		out := make([]float32, len(v.arr))
		for i, elem := range v.arr {
			f, err := elem.AsFloat64()
			if err != nil {
				return nil, fmt.Errorf("%w: array element %d not numeric", errTypeMismatch, i)
			}
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: expected vector, got %s", errTypeMismatch, v.Tag)
	}
}

func (v Value) AsArray() ([]Value, error) {
	if v.Tag != TagArray {
		return nil, fmt.Errorf("%w: expected array, got %s", errTypeMismatch, v.Tag)
	}
	return v.arr, nil
}

func (v Value) AsObject() (map[string]Value, error) {
	if v.Tag != TagObject {
		return nil, fmt.Errorf("%w: expected object, got %s", errTypeMismatch, v.Tag)
	}
	return v.obj, nil
}
