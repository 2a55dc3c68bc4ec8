// Package exchange defines ledger source adapters and their registry.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/observability"
)

// Sentinel errors.
var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrInvalidConfig   = errors.New("invalid adapter config")
)

// Adapter reads the private ledger of one exchange account.
// Fetch calls return one page and the cursor of the next; an empty cursor
// means the window is exhausted.
type Adapter interface {
	ID() string
	AccountID() string
	FetchFills(ctx context.Context, start, end int64, cursor string) ([]*domain.Fill, string, error)
	FetchCashflows(ctx context.Context, start, end int64, cursor string) ([]*domain.Cashflow, string, error)
	NormalizeSymbol(raw string) string
	RateLimitPolicy() RateLimitPolicy
}

// RateLimitPolicy tells the sync loop how to pace an adapter.
type RateLimitPolicy struct {
	MinInterval   time.Duration
	MaxRetries    int
	MaxWindowDays int // 0 means one window for the whole range
}

// AdapterConfig is the typed configuration of one exchange account.
type AdapterConfig struct {
	Exchange   string
	AccountID  string
	APIKey     string
	APISecret  string
	BaseURL    string        // empty uses the exchange default
	RecvWindow time.Duration // signed request validity, default 5s
	Symbols    []string      // required by exchanges whose trade endpoint is per symbol
}

// Validate checks the fields every adapter needs.
func (c AdapterConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Exchange) == "":
		return fmt.Errorf("%w: exchange is required", ErrInvalidConfig)
	case strings.TrimSpace(c.AccountID) == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidConfig)
	case c.APIKey == "" || c.APISecret == "":
		return fmt.Errorf("%w: api_key and api_secret are required for %s/%s", ErrInvalidConfig, c.Exchange, c.AccountID)
	case c.RecvWindow < 0:
		return fmt.Errorf("%w: recv_window must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// String renders the config with credentials masked.
func (c AdapterConfig) String() string {
	return fmt.Sprintf("AdapterConfig{Exchange:%s AccountID:%s APIKey:%s APISecret:%s BaseURL:%s}",
		c.Exchange, c.AccountID, mask(c.APIKey), mask(c.APISecret), c.BaseURL)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Factory builds an adapter from a validated config.
type Factory func(cfg AdapterConfig, deps Deps) (Adapter, error)

// Registry maps exchange ids to factories. Populated at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering an id twice is an error.
func (r *Registry) Register(id string, f Factory) error {
	id = strings.ToLower(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("exchange %q already registered", id)
	}
	r.factories[id] = f
	return nil
}

// New validates cfg and builds the adapter registered for cfg.Exchange.
func (r *Registry) New(cfg AdapterConfig, deps Deps) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(cfg.Exchange)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, cfg.Exchange)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.DefaultMetrics
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return f(cfg, deps)
}

// IDs returns the registered exchange ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
