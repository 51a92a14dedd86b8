package glyphstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory produces a Store for one substrate kind. Open is expected to
// verify that the substrate is reachable and fail with ErrStoreUnavailable
// otherwise.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var ErrKindAlreadyRegistered = errors.New("substrate kind already registered")
var ErrUnknownKind = errors.New("unknown substrate kind")

type storeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func newStoreRegistry() *storeRegistry {
	return &storeRegistry{factories: make(map[string]Factory)}
}

func (r *storeRegistry) register(kind string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil store factory")
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("cannot register store factory with empty kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %q", ErrKindAlreadyRegistered, kind)
	}
	r.factories[kind] = factory
	return nil
}

func (r *storeRegistry) open(ctx context.Context, kind string, cfg Config) (Store, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	tracer().Infof("opening %q substrate", kind)
	return factory(ctx, cfg)
}

func (r *storeRegistry) kinds() []string {
	r.mu.RLock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	r.mu.RUnlock()
	sort.Strings(kinds)
	return kinds
}

var defaultStoreRegistry = newStoreRegistry()

// Register makes a substrate kind available to Open. Substrate packages call
// this from their init; importing a substrate package is all it takes to
// enable its kind.
func Register(kind string, factory Factory) error {
	return defaultStoreRegistry.register(kind, factory)
}

// Open creates a Store of the given kind. Kinds are registered by the
// substrate packages ("dir" by dirstore, "web" by webstore).
func Open(ctx context.Context, kind string, cfg Config) (Store, error) {
	return defaultStoreRegistry.open(ctx, kind, cfg)
}

// Kinds returns the registered substrate kinds, sorted.
func Kinds() []string {
	return defaultStoreRegistry.kinds()
}
