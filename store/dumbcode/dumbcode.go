// Package dumbcode implements the tagged-sum payload codec used by every
// record written to a Record File: a single leading byte names the variant
// (bytes, string, bool, int, float, list, set, tuple, map, none). That
// encoding may be wrapped in a deflate envelope ('z') and then an AEAD
// envelope ('e'), each adding its own leading tag byte.
//
// It is the Go-native replacement for moggie's dumb_encode_bin/dumb_decode,
// whose runtime type dispatch doesn't translate to Go; here the dispatch is
// over a closed Value interface instead.
package dumbcode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/flate"
)

// Tag is the one-byte discriminator prefixed to every encoded payload.
type Tag byte

const (
	TagBytes     Tag = 'b'
	TagString    Tag = 'u'
	TagInt       Tag = 'd'
	TagFloat     Tag = 'f'
	TagTrue      Tag = 'y'
	TagFalse     Tag = 'n'
	TagNull      Tag = '-'
	TagJSON      Tag = 'j' // list or map
	TagSet       Tag = 's'
	TagTuple     Tag = 't'
	TagDeflate   Tag = 'z' // wraps another tagged payload
	TagEncrypted Tag = 'e' // wraps another tagged payload
)

// Value is implemented by every type dumbcode can encode. Cyclic structures
// are impossible to build from these constructors, so there is no cycle
// detection; unsupported Go types fail loudly at Encode time instead of
// silently following pointers (spec §9).
type Value interface {
	dumbValue()
}

type (
	Bytes  []byte
	Str    string
	Bool   bool
	Int    int64
	Float  float64
	Null   struct{}
	List   []Value
	Set    []Value
	Tuple  []Value
	Map    map[string]Value
)

func (Bytes) dumbValue() {}
func (Str) dumbValue()   {}
func (Bool) dumbValue()  {}
func (Int) dumbValue()   {}
func (Float) dumbValue() {}
func (Null) dumbValue()  {}
func (List) dumbValue()  {}
func (Set) dumbValue()   {}
func (Tuple) dumbValue() {}
func (Map) dumbValue()   {}

// AEAD is the minimal interface the keys package's derived ciphers satisfy;
// kept here (rather than importing keys, which would create an import
// cycle) so dumbcode has no dependency on key management.
type AEAD interface {
	// Seal encrypts plaintext, returning iv||ciphertext||tag.
	Seal(plaintext []byte) ([]byte, error)
	// Open reverses Seal.
	Open(sealed []byte) ([]byte, error)
}

// EncodeOptions controls the optional wrapping stages applied after the
// base tagged encoding.
type EncodeOptions struct {
	// CompressThreshold: if the base encoding is at least this many bytes,
	// deflate it and use the result if it is smaller. Zero disables
	// compression.
	CompressThreshold int
	// AEAD, if non-nil, wraps the (possibly compressed) encoding in an
	// authenticated envelope.
	AEAD AEAD
}

// Encode serializes v per the rules above.
func Encode(v Value, opts EncodeOptions) ([]byte, error) {
	base, err := encodeBase(v)
	if err != nil {
		return nil, err
	}

	encoded := base
	if opts.CompressThreshold > 0 && len(base) >= opts.CompressThreshold {
		compressed, err := deflate(base)
		if err == nil && len(compressed)+1 < len(base) {
			encoded = append([]byte{byte(TagDeflate)}, compressed...)
		}
	}

	if opts.AEAD != nil {
		sealed, err := opts.AEAD.Seal(encoded)
		if err != nil {
			return nil, fmt.Errorf("dumbcode: seal: %w", err)
		}
		encoded = append([]byte{byte(TagEncrypted)}, sealed...)
	}

	return encoded, nil
}

func encodeBase(v Value) ([]byte, error) {
	switch vv := v.(type) {
	case Bytes:
		return append([]byte{byte(TagBytes)}, vv...), nil
	case Str:
		return append([]byte{byte(TagString)}, []byte(vv)...), nil
	case Bool:
		if vv {
			return []byte{byte(TagTrue)}, nil
		}
		return []byte{byte(TagFalse)}, nil
	case Int:
		return append([]byte{byte(TagInt)}, []byte(strconv.FormatInt(int64(vv), 10))...), nil
	case Float:
		return append([]byte{byte(TagFloat)}, []byte(strconv.FormatFloat(float64(vv), 'f', 6, 64))...), nil
	case Null:
		return []byte{byte(TagNull)}, nil
	case List:
		return encodeJSONTagged(byte(TagJSON), valuesToAny(vv))
	case Map:
		return encodeJSONTagged(byte(TagJSON), mapToAny(vv))
	case Set:
		return encodeJSONTagged(byte(TagSet), valuesToAny(vv))
	case Tuple:
		return encodeJSONTagged(byte(TagTuple), valuesToAny(vv))
	default:
		return nil, fmt.Errorf("dumbcode: unsupported type %T", v)
	}
}

func encodeJSONTagged(tag byte, v interface{}) ([]byte, error) {
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dumbcode: json encode: %w", err)
	}
	return append([]byte{tag}, j...), nil
}

func valuesToAny(vs []Value) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = toAny(v)
	}
	return out
}

func mapToAny(m Map) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = toAny(v)
	}
	return out
}

func toAny(v Value) interface{} {
	switch vv := v.(type) {
	case Bytes:
		return string(vv)
	case Str:
		return string(vv)
	case Bool:
		return bool(vv)
	case Int:
		return int64(vv)
	case Float:
		return float64(vv)
	case Null:
		return nil
	case List:
		return valuesToAny(vv)
	case Set:
		return valuesToAny(vv)
	case Tuple:
		return valuesToAny(vv)
	case Map:
		return mapToAny(vv)
	default:
		return nil
	}
}

// DecodeOptions mirrors EncodeOptions: the AEAD used to unwrap an 'e'
// envelope, if any is expected.
type DecodeOptions struct {
	AEAD AEAD
}

// TypeMismatchError is returned by DecodeAs when the tag byte names a
// variant other than the one requested. Per spec.md §9's Open Question,
// decode is conservative: a json-tagged payload stored inside a
// bytes-claiming container must fail rather than silently decode as bytes.
type TypeMismatchError struct {
	Want, Got Tag
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("dumbcode: type mismatch: want %q got %q", byte(e.Want), byte(e.Got))
}

// Decode parses the tagged encoding produced by Encode, unwrapping any
// compression/encryption envelopes, and returns the resulting Value.
func Decode(encoded []byte, opts DecodeOptions) (Value, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("dumbcode: empty payload")
	}

	tag := Tag(encoded[0])
	switch tag {
	case TagEncrypted:
		if opts.AEAD == nil {
			return nil, fmt.Errorf("dumbcode: encrypted payload but no AEAD configured")
		}
		plain, err := opts.AEAD.Open(encoded[1:])
		if err != nil {
			return nil, fmt.Errorf("dumbcode: open: %w", err)
		}
		return Decode(plain, DecodeOptions{})
	case TagDeflate:
		plain, err := inflate(encoded[1:])
		if err != nil {
			return nil, fmt.Errorf("dumbcode: inflate: %w", err)
		}
		return Decode(plain, DecodeOptions{})
	}

	return decodeBase(tag, encoded[1:])
}

func decodeBase(tag Tag, body []byte) (Value, error) {
	switch tag {
	case TagBytes:
		out := make([]byte, len(body))
		copy(out, body)
		return Bytes(out), nil
	case TagString:
		return Str(string(body)), nil
	case TagTrue:
		return Bool(true), nil
	case TagFalse:
		return Bool(false), nil
	case TagNull:
		return Null{}, nil
	case TagInt:
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dumbcode: bad int payload: %w", err)
		}
		return Int(n), nil
	case TagFloat:
		f, err := strconv.ParseFloat(string(body), 64)
		if err != nil {
			return nil, fmt.Errorf("dumbcode: bad float payload: %w", err)
		}
		return Float(f), nil
	case TagJSON:
		return decodeJSON(body)
	case TagSet:
		vs, err := decodeJSONList(body)
		if err != nil {
			return nil, err
		}
		return Set(vs), nil
	case TagTuple:
		vs, err := decodeJSONList(body)
		if err != nil {
			return nil, err
		}
		return Tuple(vs), nil
	default:
		return nil, fmt.Errorf("dumbcode: unknown tag %q", byte(tag))
	}
}

func decodeJSON(body []byte) (Value, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("dumbcode: json decode: %w", err)
	}
	switch rv := raw.(type) {
	case []interface{}:
		return List(anySliceToValues(rv)), nil
	case map[string]interface{}:
		return Map(anyMapToValues(rv)), nil
	default:
		return fromAny(raw), nil
	}
}

func decodeJSONList(body []byte) ([]Value, error) {
	var raw []interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("dumbcode: json decode: %w", err)
	}
	return anySliceToValues(raw), nil
}

func anySliceToValues(raw []interface{}) []Value {
	out := make([]Value, len(raw))
	for i, v := range raw {
		out[i] = fromAny(v)
	}
	return out
}

func anyMapToValues(raw map[string]interface{}) map[string]Value {
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		out[k] = fromAny(v)
	}
	return out
}

func fromAny(v interface{}) Value {
	switch vv := v.(type) {
	case string:
		return Str(vv)
	case bool:
		return Bool(vv)
	case float64:
		if vv == float64(int64(vv)) {
			return Int(int64(vv))
		}
		return Float(vv)
	case nil:
		return Null{}
	case []interface{}:
		return List(anySliceToValues(vv))
	case map[string]interface{}:
		return Map(anyMapToValues(vv))
	default:
		return Null{}
	}
}

// DecodeAs decodes and asserts the result is of Go type T, returning
// TypeMismatchError otherwise.
func DecodeAs[T Value](encoded []byte, opts DecodeOptions) (T, error) {
	var zero T
	v, err := Decode(encoded, opts)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Want: tagOf(zero), Got: tagOf(v)}
	}
	return t, nil
}

func tagOf(v Value) Tag {
	switch v.(type) {
	case Bytes:
		return TagBytes
	case Str:
		return TagString
	case Bool:
		return TagTrue
	case Int:
		return TagInt
	case Float:
		return TagFloat
	case Null:
		return TagNull
	case List, Map:
		return TagJSON
	case Set:
		return TagSet
	case Tuple:
		return TagTuple
	default:
		return 0
	}
}

func deflate(b []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w, err := flate.NewWriter(buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
