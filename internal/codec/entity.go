package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/themisdb/themisdb/internal/kverr"
)

// Format selects how BaseEntity serializes its field map (spec §3 Row /
// §4.2): Binary is the default on-disk representation, JSON is kept for
// debugging and compatibility tooling.
type Format int

const (
	FormatBinary Format = iota
	FormatJSON
)

// BaseEntity is the field-map carrier shared by relational rows, documents,
// graph nodes, and graph edges (spec §3). Reads are snapshot-consistent:
// the decoded cache is invalidated whenever the blob is rewritten, so a
// caller that mutates a field and re-reads never observes stale state.
type BaseEntity struct {
	mu     sync.RWMutex
	fields map[string]Value
	format Format

	cachedBlob []byte
	cacheValid bool
}

// NewEntity returns an empty entity using the given storage format.
func NewEntity(format Format) *BaseEntity {
	return &BaseEntity{fields: make(map[string]Value), format: format}
}

// PutField sets a field value and invalidates the cached blob.
func (e *BaseEntity) PutField(name string, v Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fields[name] = v
	e.cacheValid = false
}

// GetField returns the field's value, or (Value{}, false) if unset.
func (e *BaseEntity) GetField(name string) (Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.fields[name]
	return v, ok
}

// GetFieldAsString coerces a field to string via AsString, failing with
// NotFound if the field is absent.
func (e *BaseEntity) GetFieldAsString(name string) (string, error) {
	v, ok := e.GetField(name)
	if !ok {
		return "", fmt.Errorf("%w: field %q", errFieldNotFound, name)
	}
	return v.AsString()
}

// GetFieldAsVector coerces a field to a dense f32 vector (spec §4.2).
func (e *BaseEntity) GetFieldAsVector(name string) ([]float32, error) {
	v, ok := e.GetField(name)
	if !ok {
		return nil, fmt.Errorf("%w: field %q", errFieldNotFound, name)
	}
	return v.AsVector()
}

// FieldNames returns all set field names in sorted order (deterministic
// iteration for encode/hash/display purposes).
func (e *BaseEntity) FieldNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.fields))
	for k := range e.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// InvalidateCache forces the next RebuildBlob to re-encode from the field
// map rather than return a memoized blob.
func (e *BaseEntity) InvalidateCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cacheValid = false
}

// RebuildBlob serializes the entity to its storage format, memoizing the
// result until the next mutation invalidates it.
func (e *BaseEntity) RebuildBlob() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cacheValid {
		return e.cachedBlob, nil
	}
	var blob []byte
	var err error
	switch e.format {
	case FormatJSON:
		blob, err = e.encodeJSON()
	default:
		blob = e.encodeBinary()
	}
	if err != nil {
		return nil, err
	}
	e.cachedBlob = blob
	e.cacheValid = true
	return blob, nil
}

func (e *BaseEntity) encodeBinary() []byte {
	obj := make(map[string]Value, len(e.fields))
	for k, v := range e.fields {
		obj[k] = v
	}
	return Encode(Object(obj))
}

func (e *BaseEntity) encodeJSON() ([]byte, error) {
	plain := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		plain[k] = toPlainJSON(v)
	}
	return json.Marshal(plain)
}

// ToJSON returns the entity's fields as plain Go values suitable for
// json.Marshal — the same conversion RebuildBlob uses for FormatJSON, but
// exposed directly for external callers (the HTTP surface, built outside
// this module per spec.md §1) that read a FormatBinary entity off disk and
// need a JSON-shaped response instead of a re-encoded blob.
func (e *BaseEntity) ToJSON() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	plain := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		plain[k] = toPlainJSON(v)
	}
	return plain
}

// EntityFromJSON builds an entity in the given storage format from plain
// Go values already unmarshaled from JSON (e.g. an HTTP request body),
// mirroring DecodeEntity's own json.Unmarshal-then-fromPlainJSON path.
func EntityFromJSON(format Format, fields map[string]any) *BaseEntity {
	e := NewEntity(format)
	for k, raw := range fields {
		e.fields[k] = fromPlainJSON(raw)
	}
	return e
}

// toPlainJSON converts a tagged Value to a plain Go value for JSON display
// purposes; it is lossy for ambiguous numeric width, which is acceptable
// since JSON is the debug/compat format, not the round-trip one (spec §4.2).
func toPlainJSON(v Value) any {
	switch v.Tag {
	case TagNull:
		return nil
	case TagBoolTrue:
		return true
	case TagBoolFalse:
		return false
	case TagString:
		s, _ := v.AsString()
		return s
	case TagBinary:
		b, _ := v.AsBinary()
		return b
	case TagVectorFloat:
		vec, _ := v.AsVector()
		return vec
	case TagArray:
		arr, _ := v.AsArray()
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = toPlainJSON(elem)
		}
		return out
	case TagObject:
		obj, _ := v.AsObject()
		out := make(map[string]any, len(obj))
		for k, elem := range obj {
			out[k] = toPlainJSON(elem)
		}
		return out
	default:
		n, errI := v.AsInt64()
		if errI == nil {
			return n
		}
		f, _ := v.AsFloat64()
		return f
	}
}

// DecodeEntity rebuilds a BaseEntity from a stored blob in the given
// format.
func DecodeEntity(blob []byte, format Format) (*BaseEntity, error) {
	e := NewEntity(format)
	if len(blob) == 0 {
		return e, nil
	}
	switch format {
	case FormatJSON:
		var plain map[string]any
		if err := json.Unmarshal(blob, &plain); err != nil {
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		for k, raw := range plain {
			e.fields[k] = fromPlainJSON(raw)
		}
	default:
		val, _, err := Decode(blob)
		if err != nil {
			return nil, err
		}
		obj, err := val.AsObject()
		if err != nil {
			return nil, err
		}
		e.fields = obj
	}
	e.cachedBlob = blob
	e.cacheValid = true
	return e, nil
}

func fromPlainJSON(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case float64:
		return Double(t)
	case []any:
		arr := make([]Value, len(t))
		for i, elem := range t {
			arr[i] = fromPlainJSON(elem)
		}
		return Array(arr)
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, elem := range t {
			obj[k] = fromPlainJSON(elem)
		}
		return Object(obj)
	default:
		return Null()
	}
}

var errFieldNotFound = kverr.ErrNotFound
