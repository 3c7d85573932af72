package hybridcache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer encodes and decodes cache values to and from the byte
// representation stored at the Redis tier. Implementations must be
// symmetric between encode and decode: decode(encode(v)) must yield a
// value observationally equal to v (spec §4.1, §8 invariant 1).
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}

// envelope is the wire format for polymorphic values: a type tag plus the
// tagged payload. Go has no runtime type tags the way a reflective managed
// runtime does, so polymorphism is opt-in — callers register the closed
// set of concrete types they want to round-trip through an interface-typed
// cache entry with a TypeRegistry, and encode that registry's envelope
// instead of encoding T directly.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TypeRegistry maps short discriminator tags to constructors for the
// concrete types a polymorphic cache entry may hold. Register every
// variant once at startup, before any Get/Set against a key using this
// registry.
type TypeRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ctors: make(map[string]func() any)}
}

// Register associates tag with a zero-value constructor for T. Subsequent
// decodes of an envelope carrying this tag allocate a *T and unmarshal into it.
func Register[T any](r *TypeRegistry, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[tag] = func() any { var v T; return &v }
}

// RegisterType is Register with the tag derived automatically from T's
// reflected type name. Get[T]/Set[T] against an interface type derive the
// same tag from a value's concrete dynamic type, so a registry built
// entirely with RegisterType is what WithTypeRegistry expects — Register
// remains for callers who drive EncodePolymorphic/DecodePolymorphic
// directly and want a shorter, hand-chosen tag instead.
func RegisterType[T any](r *TypeRegistry) {
	Register[T](r, reflect.TypeFor[T]().String())
}

func (r *TypeRegistry) construct(tag string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[tag]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// EncodePolymorphic wraps v in an envelope carrying tag, for storage under
// a key whose decode side uses DecodePolymorphic with the same registry.
func EncodePolymorphic(s Serializer, tag string, v any) ([]byte, error) {
	data, err := s.Encode(v)
	if err != nil {
		return nil, err
	}
	// The envelope itself is always JSON regardless of the payload
	// serializer, since it is a small fixed-shape wrapper and must be
	// parseable before the concrete type (and therefore the payload
	// codec expectations) are known.
	env := envelope{Type: tag, Data: json.RawMessage(jsonReencode(data, s))}
	return json.Marshal(env)
}

// jsonReencode normalizes a non-JSON payload serializer's bytes into a
// JSON-embeddable form (base64 via json.RawMessage requires valid JSON, so
// msgpack payloads are carried as a JSON string of their base64 form).
// For the default JSONSerializer, data is already valid JSON and is
// returned unchanged.
func jsonReencode(data []byte, s Serializer) []byte {
	if _, ok := s.(JSONSerializer); ok {
		return data
	}
	b, _ := json.Marshal(data) // data as []byte marshals to a base64 JSON string
	return b
}

// DecodePolymorphic decodes an envelope produced by EncodePolymorphic,
// constructing the concrete type registered under the envelope's tag.
// Returns ErrUnknownType if the tag was never registered.
func DecodePolymorphic(s Serializer, r *TypeRegistry, data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeserialize, err)
	}

	out, ok := r.construct(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	payload := []byte(env.Data)
	if _, isJSON := s.(JSONSerializer); !isJSON {
		var raw []byte
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeserialize, err)
		}
		payload = raw
	}

	if err := s.Decode(payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// JSONSerializer encodes values with encoding/json. It is the default
// Serializer, matching the teacher's jsonMarshaler[V].
type JSONSerializer struct{}

func (JSONSerializer) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return data, nil
}

func (JSONSerializer) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserialize, err)
	}
	return nil
}

// MsgpackSerializer encodes values with github.com/vmihailenco/msgpack/v5,
// for callers who want a more compact binary wire format than JSON. Grounded
// on the pack's dcache example, which stores its two-tier cache entries
// (ValueBytesExpiredAt) via msgpack for the same reason.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return data, nil
}

func (MsgpackSerializer) Decode(data []byte, out any) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserialize, err)
	}
	return nil
}
