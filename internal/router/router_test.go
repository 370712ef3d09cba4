package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/daybook-io/daybook/internal/router"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/pkg/models"
)

// mockDriver is a scriptable test driver. Providers whose names appear in
// failing always error; everything else succeeds.
type mockDriver struct {
	kind string

	mu      sync.Mutex
	calls   map[string]int
	failing map[string]bool
}

func newMockDriver(kind string) *mockDriver {
	return &mockDriver{
		kind:    kind,
		calls:   make(map[string]int),
		failing: make(map[string]bool),
	}
}

func (d *mockDriver) Kind() string { return d.kind }

func (d *mockDriver) Call(ctx context.Context, provider *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error) {
	d.mu.Lock()
	d.calls[provider.Name]++
	fail := d.failing[provider.Name]
	d.mu.Unlock()

	if fail {
		return nil, errors.New("backend unavailable")
	}
	return &models.GenerationResult{
		Provider: provider.Name,
		Model:    provider.Model,
		Text:     "entry from " + provider.Name,
	}, nil
}

func (d *mockDriver) callCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

func newTestRouter(t *testing.T, providers []models.ProviderProfile, opts ...router.Option) (*router.FailoverRouter, *mockDriver) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	if err := s.ReplaceProviders(context.Background(), providers); err != nil {
		t.Fatalf("ReplaceProviders() error = %v", err)
	}

	// Fast retries so failure paths don't slow the suite down
	opts = append([]router.Option{router.WithBackoff(time.Millisecond, 2*time.Millisecond)}, opts...)
	fr := router.NewFailoverRouter(s, opts...)

	mock := newMockDriver("mock")
	fr.RegisterDriver(mock)
	return fr, mock
}

func mockProvider(name string, priority int) models.ProviderProfile {
	return models.ProviderProfile{
		Name:       name,
		Kind:       "mock",
		Model:      "test-model",
		Priority:   priority,
		MaxRetries: 1,
		Enabled:    true,
	}
}

func TestBuiltinDriversRegistered(t *testing.T) {
	fr, _ := newTestRouter(t, nil)

	drivers := fr.ListDrivers()
	expected := []string{"openai", "azure-openai", "anthropic", "ollama"}

	for _, exp := range expected {
		found := false
		for _, d := range drivers {
			if d == exp {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in driver %q not found in %v", exp, drivers)
		}
	}
}

func TestRegisterDriver_Overrides(t *testing.T) {
	fr, _ := newTestRouter(t, nil)

	custom := newMockDriver("openai")
	fr.RegisterDriver(custom)

	got := fr.GetDriver("openai")
	if got == nil {
		t.Fatal("GetDriver() returned nil after override")
	}
	res, err := got.Call(context.Background(), &models.ProviderProfile{Name: "p"}, &models.GenerationRequest{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.Provider != "p" {
		t.Errorf("Call().Provider = %q, want %q", res.Provider, "p")
	}
}

func TestGetDriver_NotFound(t *testing.T) {
	fr, _ := newTestRouter(t, nil)
	if got := fr.GetDriver("nonexistent"); got != nil {
		t.Errorf("GetDriver() for nonexistent kind = %v, want nil", got)
	}
}

func TestGenerate_UsesDefaultProvider(t *testing.T) {
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 2),
		mockProvider("beta", 1),
	})
	fr.Configure("alpha", nil)

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "alpha" {
		t.Errorf("Generate().Provider = %q, want default %q", res.Provider, "alpha")
	}
	if mock.callCount("beta") != 0 {
		t.Errorf("beta called %d times, want 0", mock.callCount("beta"))
	}
}

func TestGenerate_FailoverByPriority(t *testing.T) {
	// beta is the default and fails; alpha (pri 2) fails; gamma (pri 3) works.
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 2),
		mockProvider("beta", 1),
		mockProvider("gamma", 3),
	})
	fr.Configure("beta", nil)
	mock.failing["beta"] = true
	mock.failing["alpha"] = true

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "gamma" {
		t.Fatalf("Generate().Provider = %q, want %q", res.Provider, "gamma")
	}

	// MaxRetries 1 means two attempts per failing provider.
	if got := mock.callCount("beta"); got != 2 {
		t.Errorf("beta attempts = %d, want 2", got)
	}
	if got := mock.callCount("alpha"); got != 2 {
		t.Errorf("alpha attempts = %d, want 2", got)
	}

	status, err := fr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	for _, p := range status.Providers {
		switch p.Name {
		case "beta", "alpha":
			if p.ConsecutiveFailures != 1 {
				t.Errorf("%s consecutive failures = %d, want 1", p.Name, p.ConsecutiveFailures)
			}
		case "gamma":
			if p.ConsecutiveFailures != 0 {
				t.Errorf("gamma consecutive failures = %d, want 0", p.ConsecutiveFailures)
			}
		}
	}
}

func TestGenerate_AllProvidersExhausted(t *testing.T) {
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 1),
		mockProvider("beta", 2),
	})
	fr.Configure("alpha", nil)
	mock.failing["alpha"] = true
	mock.failing["beta"] = true

	_, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("Generate() error = nil, want exhaustion")
	}
	if !router.IsExhausted(err) {
		t.Fatalf("IsExhausted(%v) = false, want true", err)
	}

	var exhausted *router.ErrAllProvidersExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("error %v is not ErrAllProvidersExhausted", err)
	}
	if exhausted.LastErr == nil {
		t.Error("ErrAllProvidersExhausted.LastErr = nil, want the last provider error")
	}
}

func TestGenerate_NoProviders(t *testing.T) {
	fr, _ := newTestRouter(t, nil)
	_, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if !router.IsExhausted(err) {
		t.Fatalf("Generate() with no providers = %v, want exhaustion", err)
	}
}

func TestGenerate_DisabledProviderSkipped(t *testing.T) {
	disabled := mockProvider("alpha", 1)
	disabled.Enabled = false
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		disabled,
		mockProvider("beta", 2),
	})
	fr.Configure("", nil)

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Generate().Provider = %q, want %q", res.Provider, "beta")
	}
	if mock.callCount("alpha") != 0 {
		t.Errorf("disabled provider called %d times, want 0", mock.callCount("alpha"))
	}
}

func TestGenerate_PreferredProvidersFirst(t *testing.T) {
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 1),
		mockProvider("beta", 2),
	})
	fr.Configure("alpha", nil)

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{
		Prompt:             "hi",
		PreferredProviders: []string{"beta"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Generate().Provider = %q, want preferred %q", res.Provider, "beta")
	}
	if mock.callCount("alpha") != 0 {
		t.Errorf("alpha called %d times despite preference, want 0", mock.callCount("alpha"))
	}
}

func TestGenerate_StickyCurrentAfterFailover(t *testing.T) {
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 1),
		mockProvider("beta", 2),
	})
	fr.Configure("alpha", nil)
	mock.failing["alpha"] = true

	if _, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	status, err := fr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.CurrentProvider != "beta" {
		t.Fatalf("CurrentProvider = %q, want %q after failover", status.CurrentProvider, "beta")
	}

	// The next call goes straight to the sticky provider.
	betaCalls := mock.callCount("beta")
	alphaCalls := mock.callCount("alpha")
	if _, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "again"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if mock.callCount("alpha") != alphaCalls {
		t.Errorf("alpha retried after demotion: %d calls, want %d", mock.callCount("alpha"), alphaCalls)
	}
	if mock.callCount("beta") != betaCalls+1 {
		t.Errorf("beta calls = %d, want %d", mock.callCount("beta"), betaCalls+1)
	}
}

func TestGenerate_OpenCircuitSkipsProvider(t *testing.T) {
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 1),
		mockProvider("beta", 2),
	}, router.WithCircuit(1, 1, time.Hour))
	fr.Configure("alpha", nil)
	mock.failing["alpha"] = true

	// First call trips alpha's breaker and fails over to beta.
	if _, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	alphaCalls := mock.callCount("alpha")

	// Force the ordering to visit alpha first again; the open circuit
	// must skip it without spending any attempts.
	res, err := fr.Generate(context.Background(), &models.GenerationRequest{
		Prompt:             "hi",
		PreferredProviders: []string{"alpha"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Generate().Provider = %q, want %q", res.Provider, "beta")
	}
	if mock.callCount("alpha") != alphaCalls {
		t.Errorf("alpha called through an open circuit: %d calls, want %d", mock.callCount("alpha"), alphaCalls)
	}

	status, _ := fr.Status(context.Background())
	for _, p := range status.Providers {
		if p.Name == "alpha" && p.Circuit != models.CircuitOpen {
			t.Errorf("alpha circuit = %v, want open", p.Circuit)
		}
	}
}

func TestGenerate_MissingDriverDoesNotConsumeHalfOpenTrial(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cooldown := 30 * time.Second

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	providers := []models.ProviderProfile{
		mockProvider("alpha", 1),
		mockProvider("beta", 2),
	}
	if err := s.ReplaceProviders(context.Background(), providers); err != nil {
		t.Fatal(err)
	}

	fr := router.NewFailoverRouter(s,
		router.WithBackoff(time.Millisecond, 2*time.Millisecond),
		router.WithCircuit(1, 1, cooldown),
		router.WithClock(clock))
	mock := newMockDriver("mock")
	fr.RegisterDriver(mock)
	fr.Configure("alpha", nil)

	// Trip alpha's breaker; the call fails over to beta.
	mock.failing["alpha"] = true
	if _, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// A reload renames alpha's kind to one with no driver while its
	// circuit is open, and the cool-down then elapses.
	providers[0].Kind = "ghost"
	if err := s.ReplaceProviders(context.Background(), providers); err != nil {
		t.Fatal(err)
	}
	now = now.Add(cooldown + time.Second)

	if _, err := fr.Generate(context.Background(), &models.GenerationRequest{
		Prompt:             "hi",
		PreferredProviders: []string{"alpha"},
	}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// The kind comes back; alpha's half-open trial must still be
	// available, so the recovered provider serves the next call.
	providers[0].Kind = "mock"
	if err := s.ReplaceProviders(context.Background(), providers); err != nil {
		t.Fatal(err)
	}
	mock.failing["alpha"] = false

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{
		Prompt:             "hi",
		PreferredProviders: []string{"alpha"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "alpha" {
		t.Fatalf("Generate().Provider = %q, want recovered %q", res.Provider, "alpha")
	}
}

func TestGenerate_DeclarationOrderBreaksPriorityTies(t *testing.T) {
	fr, _ := newTestRouter(t, []models.ProviderProfile{
		mockProvider("first", 1),
		mockProvider("second", 1),
	})
	fr.Configure("", nil)

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "first" {
		t.Errorf("Generate().Provider = %q, want declaration-order winner %q", res.Provider, "first")
	}
}

func TestSetDefault_ReseedsCurrent(t *testing.T) {
	fr, mock := newTestRouter(t, []models.ProviderProfile{
		mockProvider("alpha", 1),
		mockProvider("beta", 2),
	})
	fr.Configure("alpha", nil)
	fr.SetDefault("beta")

	res, err := fr.Generate(context.Background(), &models.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Generate().Provider = %q, want new default %q", res.Provider, "beta")
	}
	if mock.callCount("alpha") != 0 {
		t.Errorf("alpha called %d times, want 0", mock.callCount("alpha"))
	}
}
