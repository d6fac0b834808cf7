package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/model"
)

// ProviderConfigSource answers whether a provider is switched on. The store implements it.
type ProviderConfigSource interface {
	GetProviderConfig(ctx context.Context, name string) (*model.ProviderConfig, error)
}

// Registry maps provider tags to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.CAProvider]Provider
	source    ProviderConfigSource
}

// NewRegistry creates an empty registry. A nil source treats every registered provider as active.
func NewRegistry(source ProviderConfigSource) *Registry {
	return &Registry{
		providers: make(map[model.CAProvider]Provider),
		source:    source,
	}
}

// Register adds or replaces the adapter for p.Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	logger.Info("CA provider registered", zap.String("provider", string(p.Name())))
}

// Get resolves a provider by tag or alias without consulting its activation state.
func (r *Registry) Get(name string) (Provider, error) {
	tag, err := model.ParseCAProvider(name)
	if err != nil {
		return nil, apperr.New("provider", apperr.KindValidation, fmt.Errorf("%w: %q", apperr.ErrUnknownProvider, name))
	}
	r.mu.RLock()
	p, ok := r.providers[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New("provider", apperr.KindValidation, fmt.Errorf("%w: %s is not configured", apperr.ErrUnknownProvider, tag))
	}
	return p, nil
}

// Active resolves a provider and refuses it when its config row says is_active=false.
// A provider without a config row is active.
func (r *Registry) Active(ctx context.Context, name string) (Provider, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if r.source == nil {
		return p, nil
	}
	cfg, err := r.source.GetProviderConfig(ctx, string(p.Name()))
	if err != nil {
		return nil, apperr.New("provider", apperr.KindStore, fmt.Errorf("failed to read provider config for %s: %w", p.Name(), err))
	}
	if cfg != nil && !cfg.IsActive {
		return nil, apperr.New("provider", apperr.KindValidation, fmt.Errorf("%w: %s", apperr.ErrProviderInactive, p.Name()))
	}
	return p, nil
}

// Names returns the registered tags in canonical order.
func (r *Registry) Names() []model.CAProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]model.CAProvider, 0, len(r.providers))
	for _, tag := range model.AllProviders {
		if _, ok := r.providers[tag]; ok {
			names = append(names, tag)
		}
	}
	return names
}

// All returns the registered adapters in canonical order.
func (r *Registry) All() []Provider {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		out = append(out, r.providers[n])
	}
	return out
}

// ConnectAll connects every adapter. A provider that fails to connect stays registered; its calls
// will fail until it is reconnected.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, p := range r.All() {
		if err := p.Connect(ctx); err != nil {
			logger.Error("Failed to connect CA provider", zap.String("provider", string(p.Name())), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll releases every adapter's session.
func (r *Registry) CloseAll() {
	providers := r.All()
	slices.Reverse(providers)
	for _, p := range providers {
		if err := p.Close(); err != nil {
			logger.Warn("Failed to close CA provider", zap.String("provider", string(p.Name())), zap.Error(err))
		}
	}
}
