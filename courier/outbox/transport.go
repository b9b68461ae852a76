package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
)

// Transport delivers a payload to the message bus.
type Transport interface {
	Publish(ctx context.Context, kind string, payload []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, kind string, payload []byte) error

func (fn TransportFunc) Publish(ctx context.Context, kind string, payload []byte) error {
	return fn(ctx, kind, payload)
}

// Router picks a transport per record kind, falling back to a default.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Transport
	fallback Transport
}

// NewRouter returns a router. fallback may be nil, in which case unrouted
// kinds fail permanently with ErrRouteNotFound.
func NewRouter(fallback Transport) *Router {
	if nilcheck.Interface(fallback) {
		fallback = nil
	}

	return &Router{routes: map[string]Transport{}, fallback: fallback}
}

// Route binds kind to transport.
func (router *Router) Route(kind string, transport Transport) error {
	if router == nil {
		return ErrRouterRequired
	}

	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ErrKindRequired
	}

	if nilcheck.Interface(transport) {
		return ErrTransportRequired
	}

	router.mu.Lock()
	defer router.mu.Unlock()

	if router.routes == nil {
		router.routes = make(map[string]Transport)
	}

	if _, exists := router.routes[kind]; exists {
		return fmt.Errorf("%w: %s", ErrRouteAlreadyRegistered, kind)
	}

	router.routes[kind] = transport

	return nil
}

func (router *Router) Publish(ctx context.Context, kind string, payload []byte) error {
	if router == nil {
		return ErrRouterRequired
	}

	kind = strings.TrimSpace(kind)

	router.mu.RLock()
	transport, ok := router.routes[kind]
	router.mu.RUnlock()

	if !ok {
		transport = router.fallback
	}

	if transport == nil {
		return Permanent(fmt.Errorf("%w: %s", ErrRouteNotFound, kind))
	}

	return transport.Publish(ctx, kind, payload)
}
