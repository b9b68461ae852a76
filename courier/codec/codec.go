package codec

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNilSerializer is returned when registering a nil serializer.
	ErrNilSerializer = errors.New("codec: serializer is nil")
	// ErrEmptyPayload is returned when decoding zero bytes.
	ErrEmptyPayload = errors.New("codec: empty payload")
	// ErrMessageType is returned when a protobuf serializer has no
	// constructor and T is not a concrete message type.
	ErrMessageType = errors.New("codec: cannot allocate protobuf message")
)

// Serializer converts values of T to and from bytes. Implementations must be
// safe for concurrent use.
type Serializer[T any] interface {
	// Name identifies the wire format, e.g. "json" or "proto".
	Name() string
	Serialize(value T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON encodes T with json-iterator using encoding/json compatible rules.
type JSON[T any] struct{}

// NewJSON returns the JSON serializer for T.
func NewJSON[T any]() JSON[T] {
	return JSON[T]{}
}

func (JSON[T]) Name() string { return "json" }

func (JSON[T]) Serialize(value T) ([]byte, error) {
	data, err := jsonAPI.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json serialize %T: %w", value, err)
	}

	return data, nil
}

func (JSON[T]) Deserialize(data []byte) (T, error) {
	var value T

	if len(data) == 0 {
		return value, ErrEmptyPayload
	}

	if err := jsonAPI.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("json deserialize %T: %w", value, err)
	}

	return value, nil
}

// Proto encodes protobuf messages in binary wire format.
type Proto[T proto.Message] struct {
	newFn func() T
}

// NewProto returns a protobuf serializer. newFn allocates an empty message
// to decode into; when nil, messages are allocated from T's descriptor.
func NewProto[T proto.Message](newFn func() T) Proto[T] {
	return Proto[T]{newFn: newFn}
}

func (Proto[T]) Name() string { return "proto" }

func (Proto[T]) Serialize(value T) ([]byte, error) {
	data, err := proto.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("proto serialize %T: %w", value, err)
	}

	return data, nil
}

func (p Proto[T]) Deserialize(data []byte) (T, error) {
	value, err := newMessage(p.newFn)
	if err != nil {
		return value, err
	}

	if err := proto.Unmarshal(data, value); err != nil {
		return value, fmt.Errorf("proto deserialize %T: %w", value, err)
	}

	return value, nil
}

func newMessage[T proto.Message](newFn func() T) (T, error) {
	if newFn != nil {
		return newFn(), nil
	}

	var zero T
	if any(zero) == nil {
		return zero, fmt.Errorf("%w: %T", ErrMessageType, zero)
	}

	value, ok := zero.ProtoReflect().Type().New().Interface().(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrMessageType, zero)
	}

	return value, nil
}

// ProtoJSON encodes protobuf messages with the canonical JSON mapping.
type ProtoJSON[T proto.Message] struct {
	newFn func() T
}

// NewProtoJSON returns a protobuf JSON serializer. A nil newFn behaves as in
// NewProto.
func NewProtoJSON[T proto.Message](newFn func() T) ProtoJSON[T] {
	return ProtoJSON[T]{newFn: newFn}
}

func (ProtoJSON[T]) Name() string { return "protojson" }

func (ProtoJSON[T]) Serialize(value T) ([]byte, error) {
	data, err := protojson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("protojson serialize %T: %w", value, err)
	}

	return data, nil
}

func (p ProtoJSON[T]) Deserialize(data []byte) (T, error) {
	value, err := newMessage(p.newFn)
	if err != nil {
		return value, err
	}

	if len(data) == 0 {
		return value, ErrEmptyPayload
	}

	if err := protojson.Unmarshal(data, value); err != nil {
		return value, fmt.Errorf("protojson deserialize %T: %w", value, err)
	}

	return value, nil
}
