package codec

import (
	"reflect"
	"sync"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
)

// Registry maps Go types to serializers.
type Registry struct {
	mu          sync.RWMutex
	serializers map[reflect.Type]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{serializers: make(map[reflect.Type]any)}
}

// Default is the process-wide registry used by For.
var Default = NewRegistry()

// Register binds serializer to T, replacing any previous binding.
func Register[T any](registry *Registry, serializer Serializer[T]) error {
	if nilcheck.Interface(serializer) {
		return ErrNilSerializer
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.serializers[reflect.TypeFor[T]()] = serializer

	return nil
}

// Resolve returns the serializer bound to T. Unbound types get a JSON
// serializer that is cached so later lookups return the same instance.
//
//nolint:ireturn
func Resolve[T any](registry *Registry) Serializer[T] {
	key := reflect.TypeFor[T]()

	registry.mu.RLock()
	existing, ok := registry.serializers[key]
	registry.mu.RUnlock()

	if ok {
		if serializer, typed := existing.(Serializer[T]); typed {
			return serializer
		}
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok = registry.serializers[key]; ok {
		if serializer, typed := existing.(Serializer[T]); typed {
			return serializer
		}
	}

	var serializer Serializer[T] = NewJSON[T]()
	registry.serializers[key] = serializer

	return serializer
}

// For resolves T against Default.
//
//nolint:ireturn
func For[T any]() Serializer[T] {
	return Resolve[T](Default)
}
