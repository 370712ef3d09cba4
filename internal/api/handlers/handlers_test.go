package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/daybook-io/daybook/internal/api"
	"github.com/daybook-io/daybook/internal/api/handlers"
	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/executor"
	"github.com/daybook-io/daybook/internal/quota"
	"github.com/daybook-io/daybook/internal/router"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/trigger"
	"github.com/daybook-io/daybook/pkg/models"
)

type okDriver struct {
	mu    sync.Mutex
	calls int
}

func (d *okDriver) Kind() string { return "stub" }

func (d *okDriver) Call(ctx context.Context, provider *models.ProviderProfile, req *models.GenerationRequest) (*models.GenerationResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return &models.GenerationResult{
		Provider: provider.Name,
		Model:    provider.Model,
		Text:     "A good day, all things considered.",
	}, nil
}

// newTestServer wires the full HTTP surface over a stub backend with a
// day whose quota draw is at least 1.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	var qs *quota.Scheduler
	for seed := int64(1); seed < 500; seed++ {
		c := quota.NewScheduler(quota.WithRand(rand.New(rand.NewSource(seed))))
		if c.Status().TotalQuota >= 1 {
			qs = c
			break
		}
	}
	if qs == nil {
		t.Fatal("no seed produced a non-zero quota")
	}

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	if err := s.ReplaceProviders(context.Background(), []models.ProviderProfile{
		{Name: "stub-1", Kind: "stub", Model: "stub-model", Priority: 1, Enabled: true},
	}); err != nil {
		t.Fatal(err)
	}

	fr := router.NewFailoverRouter(s)
	fr.RegisterDriver(&okDriver{})
	fr.Configure("stub-1", nil)

	ev := trigger.NewEvaluator([]models.TriggerRule{
		{ID: "always", Kind: models.RuleEvent, AppliesTo: []string{models.CategoryAll}, Probability: 1, Active: true},
	}, nil, trigger.WithRandFn(func() float64 { return 0 }))

	ex := executor.New(s, fr, qs, ev)
	h := handlers.New(s, fr, qs, ev, ex, "testdata/absent.yaml")

	cfg := &config.Config{Version: "test"}
	return api.NewRouter(cfg, h)
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, h http.Handler, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return w
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestServer(t)

	var health map[string]string
	if w := getJSON(t, h, "/health", &health); w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", w.Code)
	}
	if health["status"] != "healthy" {
		t.Errorf("health status = %q", health["status"])
	}

	var version map[string]string
	getJSON(t, h, "/version", &version)
	if version["version"] != "test" {
		t.Errorf("version = %q, want test", version["version"])
	}
}

func TestPostEvent(t *testing.T) {
	h := newTestServer(t)

	w := postJSON(t, h, "/api/v1/events", map[string]interface{}{
		"category": "weather",
		"name":     "sunny-afternoon",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /events = %d, body %s", w.Code, w.Body.String())
	}

	var res models.RouteResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Admitted || res.Entry == nil {
		t.Fatalf("result = %+v, want admitted with entry", res)
	}

	// The admission shows up in the daily status and the entry list.
	var daily models.DailyStatus
	getJSON(t, h, "/api/v1/status/daily", &daily)
	if daily.SatisfiedCount != 1 {
		t.Errorf("SatisfiedCount = %d, want 1", daily.SatisfiedCount)
	}

	var entries []models.Entry
	getJSON(t, h, "/api/v1/entries", &entries)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}

	var traces []models.RouteTrace
	getJSON(t, h, "/api/v1/traces", &traces)
	if len(traces) != 1 {
		t.Errorf("traces = %d, want 1", len(traces))
	}
}

func TestPostEvent_Invalid(t *testing.T) {
	h := newTestServer(t)

	// Missing name
	w := postJSON(t, h, "/api/v1/events", map[string]interface{}{"category": "weather"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /events without name = %d, want 400", w.Code)
	}

	// Malformed body
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /events malformed = %d, want 400", rec.Code)
	}
}

func TestForceEvent(t *testing.T) {
	h := newTestServer(t)

	w := postJSON(t, h, "/api/v1/events/force", map[string]interface{}{
		"category": "mood",
		"name":     "mood-shift",
		"tags":     map[string]string{"mood": "wistful"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /events/force = %d, body %s", w.Code, w.Body.String())
	}

	var res models.RouteResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Entry == nil || !res.Entry.Forced {
		t.Fatalf("result = %+v, want forced entry", res)
	}

	// Forced entries never consume quota.
	var daily models.DailyStatus
	getJSON(t, h, "/api/v1/status/daily", &daily)
	if daily.SatisfiedCount != 0 {
		t.Errorf("SatisfiedCount after force = %d, want 0", daily.SatisfiedCount)
	}
}

func TestProviderEndpoints(t *testing.T) {
	h := newTestServer(t)

	var status models.ProvidersStatus
	getJSON(t, h, "/api/v1/status/providers", &status)
	if status.TotalProviders != 1 {
		t.Fatalf("TotalProviders = %d, want 1", status.TotalProviders)
	}
	if status.Providers[0].Circuit != models.CircuitClosed {
		t.Errorf("fresh circuit = %v, want closed", status.Providers[0].Circuit)
	}

	if w := postJSON(t, h, "/api/v1/providers/stub-1/disable", nil); w.Code != http.StatusOK {
		t.Fatalf("disable = %d", w.Code)
	}
	getJSON(t, h, "/api/v1/status/providers", &status)
	if status.Providers[0].Enabled {
		t.Error("provider still enabled after disable")
	}

	if w := postJSON(t, h, "/api/v1/providers/stub-1/enable", nil); w.Code != http.StatusOK {
		t.Fatalf("enable = %d", w.Code)
	}
	if w := postJSON(t, h, "/api/v1/providers/ghost/enable", nil); w.Code != http.StatusNotFound {
		t.Errorf("enable unknown provider = %d, want 404", w.Code)
	}
	if w := postJSON(t, h, "/api/v1/providers/ghost/default", nil); w.Code != http.StatusNotFound {
		t.Errorf("default unknown provider = %d, want 404", w.Code)
	}
	if w := postJSON(t, h, "/api/v1/providers/stub-1/default", nil); w.Code != http.StatusOK {
		t.Errorf("default = %d, want 200", w.Code)
	}
}

func TestConfigReload(t *testing.T) {
	h := newTestServer(t)

	// The registry path points at a missing file, which reloads the
	// built-in defaults.
	w := postJSON(t, h, "/api/v1/config/reload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /config/reload = %d, body %s", w.Code, w.Body.String())
	}

	var res map[string]int
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res["conditions"] == 0 {
		t.Errorf("reload reported %d conditions, want defaults", res["conditions"])
	}
}

func TestEntriesLimit(t *testing.T) {
	h := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := postJSON(t, h, "/api/v1/events/force", map[string]interface{}{
			"category": "mood",
			"name":     fmt.Sprintf("mood-shift-%d", i),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("force #%d = %d", i, w.Code)
		}
	}

	var entries []models.Entry
	getJSON(t, h, "/api/v1/entries?limit=2", &entries)
	if len(entries) != 2 {
		t.Errorf("entries with limit=2 = %d, want 2", len(entries))
	}
}
