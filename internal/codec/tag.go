// Package codec implements ThemisDB's self-describing tagged entity codec
// (spec §4.2): a one-byte type tag followed by a type-specific payload,
// little-endian fixed-width integers, IEEE-754 floats, and varuint-prefixed
// strings/binaries/vectors. Arrays and objects nest by value.
package codec

// Tag identifies the wire type of an encoded value. Tag values are stable:
// a decoder must reject an unrecognized tag with a kverr.ErrDecodeError
// error rather than guess at its shape, and new tags are only ever appended so that old
// decoders still reject them loudly instead of misreading payloads.
type Tag byte

const (
	TagNull Tag = iota
	TagBoolTrue
	TagBoolFalse
	TagInt32
	TagInt64
	TagUint32
	TagUint64
	TagFloat
	TagDouble
	TagString
	TagBinary
	TagVectorFloat
	TagArray
	TagObject
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "null"
	case TagBoolTrue:
		return "bool_true"
	case TagBoolFalse:
		return "bool_false"
	case TagInt32:
		return "int32"
	case TagInt64:
		return "int64"
	case TagUint32:
		return "uint32"
	case TagUint64:
		return "uint64"
	case TagFloat:
		return "float"
	case TagDouble:
		return "double"
	case TagString:
		return "string"
	case TagBinary:
		return "binary"
	case TagVectorFloat:
		return "vector_float"
	case TagArray:
		return "array"
	case TagObject:
		return "object"
	default:
		return "unknown"
	}
}
