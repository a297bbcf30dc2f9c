package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/themisdb/themisdb/internal/kverr"
)

var (
	errTypeMismatch = kverr.ErrTypeMismatch
	errDecode       = kverr.ErrDecodeError
)

// Encode serializes v into the tagged binary wire format described in
// spec §4.2: a one-byte tag, little-endian fixed-width integers, IEEE-754
// floats, and varuint-length-prefixed strings/binaries/vectors.
func Encode(v Value) []byte {
	buf := make([]byte, 0, 16)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case TagNull, TagBoolTrue, TagBoolFalse:
		// no payload
	case TagInt32:
		buf = appendUint32(buf, uint32(v.i32))
	case TagInt64:
		buf = appendUint64(buf, uint64(v.i64))
	case TagUint32:
		buf = appendUint32(buf, v.u32)
	case TagUint64:
		buf = appendUint64(buf, v.u64)
	case TagFloat:
		buf = appendUint32(buf, math.Float32bits(v.f32))
	case TagDouble:
		buf = appendUint64(buf, math.Float64bits(v.f64))
	case TagString:
		buf = appendVarBytes(buf, []byte(v.s))
	case TagBinary:
		buf = appendVarBytes(buf, v.bin)
	case TagVectorFloat:
		buf = appendVarUint(buf, uint64(len(v.vec)))
		for _, f := range v.vec {
			buf = appendUint32(buf, math.Float32bits(f))
		}
	case TagArray:
		buf = appendVarUint(buf, uint64(len(v.arr)))
		for _, elem := range v.arr {
			buf = appendValue(buf, elem)
		}
	case TagObject:
		buf = appendVarUint(buf, uint64(len(v.obj)))
		for k, elem := range v.obj {
			buf = appendVarBytes(buf, []byte(k))
			buf = appendValue(buf, elem)
		}
	}
	return buf
}

// Decode parses a single tagged value from the front of data and returns
// the value plus the number of bytes consumed. Unknown tags are rejected
// with DecodeError rather than silently skipped (spec §4.2 forward
// compatibility rule).
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("%w: empty input", errDecode)
	}
	tag := Tag(data[0])
	rest := data[1:]
	switch tag {
	case TagNull:
		return Null(), 1, nil
	case TagBoolTrue:
		return Value{Tag: TagBoolTrue}, 1, nil
	case TagBoolFalse:
		return Value{Tag: TagBoolFalse}, 1, nil
	case TagInt32:
		u, n, err := readUint32(rest)
		return Int32(int32(u)), 1 + n, err
	case TagInt64:
		u, n, err := readUint64(rest)
		return Int64(int64(u)), 1 + n, err
	case TagUint32:
		u, n, err := readUint32(rest)
		return Uint32(u), 1 + n, err
	case TagUint64:
		u, n, err := readUint64(rest)
		return Uint64(u), 1 + n, err
	case TagFloat:
		u, n, err := readUint32(rest)
		return Float(math.Float32frombits(u)), 1 + n, err
	case TagDouble:
		u, n, err := readUint64(rest)
		return Double(math.Float64frombits(u)), 1 + n, err
	case TagString:
		b, n, err := readVarBytes(rest)
		return String(string(b)), 1 + n, err
	case TagBinary:
		b, n, err := readVarBytes(rest)
		return Binary(b), 1 + n, err
	case TagVectorFloat:
		return decodeVector(rest)
	case TagArray:
		return decodeArray(rest)
	case TagObject:
		return decodeObject(rest)
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown tag %d", errDecode, tag)
	}
}

func decodeVector(rest []byte) (Value, int, error) {
	count, n, err := readVarUint(rest)
	if err != nil {
		return Value{}, 0, err
	}
	consumed := n
	vec := make([]float32, count)
	for i := range vec {
		u, m, err := readUint32(rest[consumed:])
		if err != nil {
			return Value{}, 0, err
		}
		vec[i] = math.Float32frombits(u)
		consumed += m
	}
	return VectorFloat(vec), 1 + consumed, nil
}

func decodeArray(rest []byte) (Value, int, error) {
	count, n, err := readVarUint(rest)
	if err != nil {
		return Value{}, 0, err
	}
	consumed := n
	arr := make([]Value, count)
	for i := range arr {
		val, m, err := Decode(rest[consumed:])
		if err != nil {
			return Value{}, 0, err
		}
		arr[i] = val
		consumed += m
	}
	return Array(arr), 1 + consumed, nil
}

func decodeObject(rest []byte) (Value, int, error) {
	count, n, err := readVarUint(rest)
	if err != nil {
		return Value{}, 0, err
	}
	consumed := n
	obj := make(map[string]Value, count)
	for i := uint64(0); i < count; i++ {
		key, m, err := readVarBytes(rest[consumed:])
		if err != nil {
			return Value{}, 0, err
		}
		consumed += m
		val, m2, err := Decode(rest[consumed:])
		if err != nil {
			return Value{}, 0, err
		}
		consumed += m2
		obj[string(key)] = val
	}
	return Object(obj), 1 + consumed, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint32(data []byte) (uint32, int, error) {
	if len(data) < 4 {
		return 0, 0, fmt.Errorf("%w: short uint32", errDecode)
	}
	return binary.LittleEndian.Uint32(data), 4, nil
}

func readUint64(data []byte) (uint64, int, error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("%w: short uint64", errDecode)
	}
	return binary.LittleEndian.Uint64(data), 8, nil
}

// appendVarUint writes v as an unsigned LEB128 varint.
func appendVarUint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readVarUint(data []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0, fmt.Errorf("%w: varuint overflow", errDecode)
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("%w: truncated varuint", errDecode)
}

func appendVarBytes(buf []byte, b []byte) []byte {
	buf = appendVarUint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readVarBytes(data []byte) ([]byte, int, error) {
	n, consumed, err := readVarUint(data)
	if err != nil {
		return nil, 0, err
	}
	end := consumed + int(n)
	if end > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated bytes", errDecode)
	}
	out := make([]byte, n)
	copy(out, data[consumed:end])
	return out, end, nil
}
