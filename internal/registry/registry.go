// Package registry maps configured credential backend names to the
// factories that open them, and closes whatever it opened on shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/pkg/plugin"
)

// ErrUnknownBackend is returned by Open for a name with no factory.
var ErrUnknownBackend = errors.New("unknown credential backend")

// Deps are the shared handles a factory may draw on. Factories must not
// close them.
type Deps struct {
	Store  plugin.Store
	Logger *zap.Logger
}

// Backend is the capability set produced by a factory.
type Backend struct {
	Name  string
	Store credstore.Store
}

// Factory opens a backend from its scoped configuration subtree.
type Factory func(ctx context.Context, cfg plugin.Config, deps Deps) (*Backend, error)

// Registry holds factories keyed by name.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	opened    []*Backend
	logger    *zap.Logger
}

// New returns an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Default returns a registry with the relational and directory backends.
func Default(logger *zap.Logger) *Registry {
	r := New(logger)
	_ = r.Register(credstore.BackendRelational, Relational)
	_ = r.Register(credstore.BackendDirectory, Directory)
	return r
}

// Register adds a factory. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("backend has empty name")
	}
	if f == nil {
		return fmt.Errorf("backend %q has nil factory", name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.factories[name] = f
	r.logger.Debug("backend registered", zap.String("name", name))
	return nil
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the named backend and tracks it for Close.
func (r *Registry) Open(ctx context.Context, name string, cfg plugin.Config, deps Deps) (*Backend, error) {
	r.mu.Lock()
	f, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownBackend, name, r.Names())
	}
	if deps.Logger == nil {
		deps.Logger = r.logger
	}

	b, err := f(ctx, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("open backend %q: %w", name, err)
	}
	if b.Name == "" {
		b.Name = name
	}

	r.mu.Lock()
	r.opened = append(r.opened, b)
	r.mu.Unlock()
	r.logger.Info("credential backend opened", zap.String("name", b.Name))
	return b, nil
}

// Close closes every opened backend in reverse order and returns the joined
// errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	opened := r.opened
	r.opened = nil
	r.mu.Unlock()

	var errs []error
	for i := len(opened) - 1; i >= 0; i-- {
		b := opened[i]
		r.logger.Info("closing credential backend", zap.String("name", b.Name))
		if err := b.Store.Close(); err != nil {
			r.logger.Error("failed to close credential backend", zap.String("name", b.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Relational opens credstore.SQLStore on the shared relational handle.
func Relational(ctx context.Context, _ plugin.Config, deps Deps) (*Backend, error) {
	if deps.Store == nil {
		return nil, errors.New("relational backend requires a store")
	}
	s, err := credstore.NewSQLStore(ctx, deps.Store, deps.Logger.Named("credstore"))
	if err != nil {
		return nil, err
	}
	return &Backend{Name: credstore.BackendRelational, Store: s}, nil
}

// Directory dials the LDAP server described by the backends.directory
// subtree.
func Directory(_ context.Context, cfg plugin.Config, deps Deps) (*Backend, error) {
	var dc credstore.DirectoryConfig
	if cfg != nil {
		if err := cfg.Unmarshal(&dc); err != nil {
			return nil, fmt.Errorf("decode directory config: %w", err)
		}
	}
	if dc.URL == "" {
		return nil, errors.New("directory backend requires url")
	}
	if dc.BaseDN == "" {
		return nil, errors.New("directory backend requires base_dn")
	}
	s, err := credstore.DialDirectory(dc, deps.Logger.Named("credstore"))
	if err != nil {
		return nil, err
	}
	return &Backend{Name: credstore.BackendDirectory, Store: s}, nil
}
