package mediaproviders

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/artifacts"
	"github.com/HKUDS/mediagen-go/pkg/config"
)

// Factory creates clients from configuration and caches one per provider.
type Factory struct {
	Config   *config.Config
	Registry *Registry
	Store    *artifacts.Store
	Logger   *zerolog.Logger
	Metrics  *Metrics
	// HTTPClient is shared by every client; nil uses a fresh default client.
	HTTPClient *http.Client

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory creates a new media provider factory. Provider overrides from the configuration are
// applied to a copy of the default registry.
func NewFactory(cfg *config.Config, logger *zerolog.Logger, metrics *Metrics) (*Factory, error) {
	overrides := make(map[string]Override, len(cfg.Providers))
	for id, o := range cfg.Providers {
		overrides[id] = Override{
			Endpoint:      o.Endpoint,
			TokenEndpoint: o.TokenEndpoint,
			Timeout:       time.Duration(o.TimeoutSeconds) * time.Second,
		}
	}
	reg, err := DefaultRegistry().WithOverrides(overrides)
	if err != nil {
		return nil, err
	}
	return &Factory{
		Config:   cfg,
		Registry: reg,
		Store:    artifacts.NewStore(cfg.Output.Dir),
		Logger:   logger,
		Metrics:  metrics,
		clients:  make(map[string]*Client),
	}, nil
}

// Options returns the client options derived from the configuration.
func (f *Factory) Options() Options {
	return Options{
		Registry:      f.Registry,
		Lookup:        Lookup(f.Config.Lookup()),
		HTTPClient:    f.HTTPClient,
		Attempts:      f.Config.HTTP.Attempts,
		Backoff:       f.Config.HTTP.Backoff(),
		TokenMargin:   f.Config.HTTP.TokenMargin(),
		PollInterval:  f.Config.HTTP.PollInterval(),
		StrictOptions: f.Config.HTTP.StrictOptions,
		Save:          f.Config.Output.Save,
		Store:         f.Store,
		Logger:        f.Logger,
		Metrics:       f.Metrics,
	}
}

// GetClient returns the cached client for a provider, creating it on first use.
func (f *Factory) GetClient(providerID string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[providerID]; ok {
		return c, nil
	}
	c, err := NewClient(providerID, f.Options())
	if err != nil {
		return nil, err
	}
	f.clients[providerID] = c
	return c, nil
}

// ClientForModel picks the provider serving the model and sets the model as its default option.
func (f *Factory) ClientForModel(model string) (*Client, map[string]string, error) {
	id := ProviderForModel(model)
	if id == "" {
		return nil, nil, newError(KindUnknownProvider, model, "no provider serves model")
	}
	c, err := f.GetClient(id)
	if err != nil {
		return nil, nil, err
	}
	if !c.cfg.Accepts("model") {
		return c, map[string]string{}, nil
	}
	return c, map[string]string{"model": model}, nil
}
