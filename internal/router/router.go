// Package router implements the Daybook provider failover layer.
//
// A generation call walks an ordered list of configured backends: the
// sticky current provider (last success, seeded from the default) first,
// then the remaining enabled providers by ascending priority. Each
// provider gets a bounded retry budget with exponential backoff; repeated
// failures trip a per-provider circuit breaker so a known-bad backend is
// skipped entirely until its cool-down passes.
package router

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/pkg/models"
)

// Circuit and retry defaults. Profiles may override retries per provider.
const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 2
	DefaultCooldown         = 30 * time.Second
	DefaultMaxRetries       = 2
	DefaultTimeout          = 30 * time.Second
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffCap       = 8 * time.Second
)

// FailoverRouter routes generation requests to configured providers.
type FailoverRouter struct {
	store  store.Store
	client *http.Client

	driverMu sync.RWMutex
	drivers  map[string]Driver

	// Selection state: sticky pointer to the last-successful provider,
	// seeded from the configured default. Guarded by selMu.
	selMu           sync.Mutex
	defaultProvider string
	fallbackOrder   []string // optional explicit order after the default
	current         string

	brMu     sync.Mutex
	breakers map[string]*breaker

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	backoffBase      time.Duration
	backoffCap       time.Duration

	now func() time.Time
}

// Option configures a FailoverRouter.
type Option func(*FailoverRouter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(fr *FailoverRouter) { fr.now = now }
}

// WithCircuit overrides the breaker thresholds and cool-down.
func WithCircuit(failureThreshold, successThreshold int, cooldown time.Duration) Option {
	return func(fr *FailoverRouter) {
		fr.failureThreshold = failureThreshold
		fr.successThreshold = successThreshold
		fr.cooldown = cooldown
	}
}

// WithBackoff overrides the retry backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(fr *FailoverRouter) {
		fr.backoffBase = base
		fr.backoffCap = cap
	}
}

// WithHTTPClient overrides the HTTP client shared by the built-in drivers.
func WithHTTPClient(c *http.Client) Option {
	return func(fr *FailoverRouter) { fr.client = c }
}

// NewFailoverRouter creates a router with the built-in drivers registered.
func NewFailoverRouter(s store.Store, opts ...Option) *FailoverRouter {
	fr := &FailoverRouter{
		store:            s,
		client:           &http.Client{Timeout: 120 * time.Second},
		drivers:          make(map[string]Driver),
		breakers:         make(map[string]*breaker),
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		cooldown:         DefaultCooldown,
		backoffBase:      DefaultBackoffBase,
		backoffCap:       DefaultBackoffCap,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(fr)
	}

	fr.RegisterDriver(&openAIDriver{kind: "openai", client: fr.client})
	fr.RegisterDriver(&openAIDriver{kind: "azure-openai", client: fr.client})
	fr.RegisterDriver(&anthropicDriver{client: fr.client})
	fr.RegisterDriver(&ollamaDriver{client: fr.client})
	return fr
}

// RegisterDriver adds or overrides a driver for an endpoint kind.
func (fr *FailoverRouter) RegisterDriver(d Driver) {
	fr.driverMu.Lock()
	defer fr.driverMu.Unlock()
	fr.drivers[d.Kind()] = d
}

// GetDriver returns the driver for a kind, or nil.
func (fr *FailoverRouter) GetDriver(kind string) Driver {
	fr.driverMu.RLock()
	defer fr.driverMu.RUnlock()
	return fr.drivers[kind]
}

// ListDrivers returns the registered driver kinds.
func (fr *FailoverRouter) ListDrivers() []string {
	fr.driverMu.RLock()
	defer fr.driverMu.RUnlock()
	kinds := make([]string, 0, len(fr.drivers))
	for k := range fr.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Configure applies the selection section of the registry. Called at
// startup and on config reload; it must not interrupt in-flight calls, so
// it only swaps the selection fields and resets the current pointer to
// the (possibly new) default.
func (fr *FailoverRouter) Configure(defaultProvider string, fallbackOrder []string) {
	fr.selMu.Lock()
	defer fr.selMu.Unlock()
	fr.defaultProvider = defaultProvider
	fr.fallbackOrder = append([]string(nil), fallbackOrder...)
	fr.current = defaultProvider
}

// SetDefault changes the default provider at runtime and re-seeds the
// current pointer.
func (fr *FailoverRouter) SetDefault(name string) {
	fr.selMu.Lock()
	defer fr.selMu.Unlock()
	fr.defaultProvider = name
	fr.current = name
}

// Generate executes one generation call with ordered failover.
func (fr *FailoverRouter) Generate(ctx context.Context, req *models.GenerationRequest) (*models.GenerationResult, error) {
	providers, err := fr.store.ListProviders(ctx)
	if err != nil {
		return nil, &ErrAllProvidersExhausted{LastErr: err}
	}

	ordered := fr.orderProviders(providers, req.PreferredProviders)
	if len(ordered) == 0 {
		return nil, &ErrAllProvidersExhausted{LastErr: errors.New("no enabled providers configured")}
	}

	var lastErr error
	for i := range ordered {
		p := &ordered[i]

		// Resolve the driver before touching the breaker: a missing driver
		// is a config problem, and it must not consume the half-open trial.
		driver := fr.GetDriver(p.Kind)
		if driver == nil {
			log.Warn().Str("provider", p.Name).Str("kind", p.Kind).Msg("No driver for provider kind")
			lastErr = &ProviderError{Provider: p.Name, Kind: FailureTransport,
				Err: errors.New("no driver for kind " + p.Kind)}
			continue
		}

		br := fr.breakerFor(p.Name)
		if !br.Allow(fr.now()) {
			log.Debug().Str("provider", p.Name).Msg("Circuit open, provider skipped")
			continue
		}

		res, err := fr.callWithRetry(ctx, driver, p, req)
		if err != nil {
			br.RecordFailure(fr.now())
			fr.demote(p.Name)
			log.Warn().Str("provider", p.Name).Err(err).Msg("Provider exhausted retry budget, trying next")
			lastErr = err
			continue
		}

		br.RecordSuccess()
		fr.promote(p.Name)
		return res, nil
	}

	return nil, &ErrAllProvidersExhausted{LastErr: lastErr}
}

// orderProviders builds the failover order: caller-preferred providers
// first, then the sticky current (seeded from the default), then the
// explicit fallback order, then remaining enabled providers by ascending
// priority with declaration order breaking ties.
func (fr *FailoverRouter) orderProviders(providers []models.ProviderProfile, preferred []string) []models.ProviderProfile {
	byName := make(map[string]*models.ProviderProfile, len(providers))
	declIdx := make(map[string]int, len(providers))
	for i := range providers {
		if !providers[i].Enabled {
			continue
		}
		byName[providers[i].Name] = &providers[i]
		declIdx[providers[i].Name] = i
	}

	fr.selMu.Lock()
	current := fr.current
	if current == "" {
		current = fr.defaultProvider
	}
	fallback := append([]string(nil), fr.fallbackOrder...)
	fr.selMu.Unlock()

	ordered := make([]models.ProviderProfile, 0, len(byName))
	taken := make(map[string]bool, len(byName))
	take := func(name string) {
		if p, ok := byName[name]; ok && !taken[name] {
			ordered = append(ordered, *p)
			taken[name] = true
		}
	}

	for _, name := range preferred {
		take(name)
	}
	take(current)
	for _, name := range fallback {
		take(name)
	}

	rest := make([]models.ProviderProfile, 0, len(byName))
	for name, p := range byName {
		if !taken[name] {
			rest = append(rest, *p)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Priority != rest[j].Priority {
			return rest[i].Priority < rest[j].Priority
		}
		return declIdx[rest[i].Name] < declIdx[rest[j].Name]
	})

	return append(ordered, rest...)
}

// callWithRetry runs the per-provider retry loop: one call per attempt at
// the profile's timeout, exponential backoff with jitter between attempts.
func (fr *FailoverRouter) callWithRetry(ctx context.Context, d Driver, p *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := DefaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	var res *models.GenerationResult
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := d.Call(attemptCtx, p, req)
		if err != nil {
			return fr.classify(p.Name, attemptCtx, err)
		}
		res = r
		return nil
	}

	bo := newBackOff(fr.backoffBase, fr.backoffCap)
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(maxRetries)))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// newBackOff builds the retry schedule: the delay doubles per attempt,
// capped at max, with jitter.
func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall time
	bo.Reset()
	return bo
}

// classify wraps a raw driver error into a ProviderError. A per-attempt
// timeout is treated identically to a transport failure for retry and
// circuit accounting, but tagged so operators can tell them apart.
func (fr *FailoverRouter) classify(provider string, attemptCtx context.Context, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	kind := FailureTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		kind = FailureTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// breakerFor returns the provider's breaker, creating it on first use.
func (fr *FailoverRouter) breakerFor(name string) *breaker {
	fr.brMu.Lock()
	defer fr.brMu.Unlock()
	br, ok := fr.breakers[name]
	if !ok {
		br = newBreaker(fr.failureThreshold, fr.successThreshold, fr.cooldown)
		fr.breakers[name] = br
	}
	return br
}

// promote makes name the sticky current provider.
func (fr *FailoverRouter) promote(name string) {
	fr.selMu.Lock()
	fr.current = name
	fr.selMu.Unlock()
}

// demote clears the current pointer if it still points at a provider that
// just exhausted its retry budget, so unrelated later calls don't keep
// hammering a known-bad backend.
func (fr *FailoverRouter) demote(name string) {
	fr.selMu.Lock()
	if fr.current == name {
		fr.current = ""
	}
	fr.selMu.Unlock()
}

// Status returns the runtime provider view, including circuit positions.
func (fr *FailoverRouter) Status(ctx context.Context) (*models.ProvidersStatus, error) {
	providers, err := fr.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	fr.selMu.Lock()
	current := fr.current
	defaultProvider := fr.defaultProvider
	fr.selMu.Unlock()

	out := &models.ProvidersStatus{
		CurrentProvider: current,
		TotalProviders:  len(providers),
	}
	for i := range providers {
		p := &providers[i]
		state, failures := fr.breakerFor(p.Name).State()
		out.Providers = append(out.Providers, models.ProviderStatus{
			Name:                p.Name,
			Kind:                p.Kind,
			Model:               p.Model,
			Priority:            p.Priority,
			Enabled:             p.Enabled,
			Default:             p.Name == defaultProvider,
			Circuit:             state,
			ConsecutiveFailures: failures,
		})
	}
	return out, nil
}
