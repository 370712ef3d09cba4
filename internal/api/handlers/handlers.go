// Package handlers implements the HTTP handlers for the Daybook daemon:
// event ingestion, the runtime status surface, provider management, and
// registry reload.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/executor"
	"github.com/daybook-io/daybook/internal/quota"
	"github.com/daybook-io/daybook/internal/router"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/trigger"
	"github.com/daybook-io/daybook/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Router       *router.FailoverRouter
	Quota        *quota.Scheduler
	Evaluator    *trigger.Evaluator
	Executor     *executor.Executor
	RegistryPath string
}

// New creates a Handlers instance.
func New(s store.Store, fr *router.FailoverRouter, qs *quota.Scheduler, ev *trigger.Evaluator, ex *executor.Executor, registryPath string) *Handlers {
	return &Handlers{
		Store:        s,
		Router:       fr,
		Quota:        qs,
		Evaluator:    ev,
		Executor:     ex,
		RegistryPath: registryPath,
	}
}

// ── Event Handlers ──────────────────────────────────────────

func (h *Handlers) RouteEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := decodeEvent(w, r)
	if !ok {
		return
	}

	res, err := h.Executor.Route(r.Context(), event)
	if err != nil {
		// Typed failure: entry not produced, quota untouched, retryable
		respondJSON(w, http.StatusBadGateway, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ForceGenerate(w http.ResponseWriter, r *http.Request) {
	event, ok := decodeEvent(w, r)
	if !ok {
		return
	}

	res, err := h.Executor.ForceGenerate(r.Context(), event)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (*models.Event, bool) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if event.Name == "" {
		respondError(w, http.StatusBadRequest, "Event name is required")
		return nil, false
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &event, true
}

// ── Status Handlers ─────────────────────────────────────────

func (h *Handlers) DailyStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Quota.Status())
}

func (h *Handlers) ProviderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Router.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ── Provider Handlers ───────────────────────────────────────

func (h *Handlers) EnableProvider(w http.ResponseWriter, r *http.Request) {
	h.setProviderEnabled(w, r, true)
}

func (h *Handlers) DisableProvider(w http.ResponseWriter, r *http.Request) {
	h.setProviderEnabled(w, r, false)
}

func (h *Handlers) setProviderEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "providerName")
	p, err := h.Store.GetProvider(r.Context(), name)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	p.Enabled = enabled
	if err := h.Store.UpdateProvider(r.Context(), p); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("provider", name).Bool("enabled", enabled).Msg("Provider toggled")
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) SetDefaultProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "providerName")
	if _, err := h.Store.GetProvider(r.Context(), name); err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.Router.SetDefault(name)
	log.Info().Str("provider", name).Msg("Default provider changed")
	respondJSON(w, http.StatusOK, map[string]string{"default_provider": name})
}

// ── Config Reload ───────────────────────────────────────────

// ReloadConfig re-reads the registry document. In-flight generation calls
// finish against the old provider list; the current-provider pointer is
// reset to the (possibly new) default.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	reg, err := config.LoadRegistry(h.RegistryPath)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.ReplaceProviders(r.Context(), reg.Providers); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Router.Configure(reg.Selection.DefaultProvider, reg.Selection.FallbackProviders)
	h.Evaluator.Reload(reg.Conditions, reg.ClaimedEvents)

	log.Info().
		Int("providers", len(reg.Providers)).
		Int("conditions", len(reg.Conditions)).
		Msg("Registry reloaded")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers":  len(reg.Providers),
		"conditions": len(reg.Conditions),
	})
}

// ── Entry Handlers ──────────────────────────────────────────

func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.Store.ListEntries(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := h.Store.ListTraces(r.Context(), 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if traces == nil {
		traces = []models.RouteTrace{}
	}
	respondJSON(w, http.StatusOK, traces)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
