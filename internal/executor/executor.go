// Package executor wires the Daybook pipeline for one event:
//
//	classify → trigger evaluate → quota check → context lookup →
//	category handler builds prompt → failover generate →
//	validate/trim → persist entry → commit quota.
//
// Quota commit happens strictly after success, so any failure along the
// way leaves the day's quota untouched and the event retryable.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/internal/enrich"
	"github.com/daybook-io/daybook/internal/quota"
	"github.com/daybook-io/daybook/internal/router"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/trigger"
	"github.com/daybook-io/daybook/pkg/models"
)

// DefaultMaxConcurrent caps simultaneous generations. A tuning knob, not
// a correctness requirement.
const DefaultMaxConcurrent = 3

// Handler builds the prompt for one category from the event and its
// looked-up context. Returns the user prompt, system prompt, and the
// emotion label to store with the entry.
type Handler func(event *models.Event, ectx *enrich.EventContext) (prompt, system, emotion string)

// Executor routes events through admission control to generation.
type Executor struct {
	store     store.Store
	router    *router.FailoverRouter
	quota     *quota.Scheduler
	evaluator *trigger.Evaluator
	contexts  enrich.ContextProvider
	validator enrich.Validator
	archive   *store.PostgresArchive // optional

	sem chan struct{}

	mu        sync.RWMutex
	handlers  map[models.Category]Handler
	nameTable map[string]models.Category  // event name → category overrides
	preferred map[models.Category][]string // category → provider names
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrent sets the cap on simultaneous generations.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithContextProvider sets the external context lookup.
func WithContextProvider(p enrich.ContextProvider) Option {
	return func(e *Executor) { e.contexts = p }
}

// WithValidator sets the entry validator/trimmer.
func WithValidator(v enrich.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithArchive attaches the optional Postgres entry archive.
func WithArchive(a *store.PostgresArchive) Option {
	return func(e *Executor) { e.archive = a }
}

// WithPreferredProviders sets per-category provider preferences.
func WithPreferredProviders(pref map[models.Category][]string) Option {
	return func(e *Executor) {
		e.preferred = make(map[models.Category][]string, len(pref))
		for k, v := range pref {
			e.preferred[k] = append([]string(nil), v...)
		}
	}
}

// New creates an executor with the built-in category handlers.
func New(s store.Store, fr *router.FailoverRouter, qs *quota.Scheduler, ev *trigger.Evaluator, opts ...Option) *Executor {
	e := &Executor{
		store:     s,
		router:    fr,
		quota:     qs,
		evaluator: ev,
		contexts:  &enrich.StaticProvider{},
		validator: &enrich.LengthTrimmer{},
		sem:       make(chan struct{}, DefaultMaxConcurrent),
		handlers:  make(map[models.Category]Handler),
		nameTable: defaultNameTable(),
		preferred: make(map[models.Category][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerBuiltinHandlers()
	return e
}

// RegisterHandler adds or overrides the handler for a category.
func (e *Executor) RegisterHandler(cat models.Category, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[cat] = h
}

// Route runs the full admission + generation pipeline for one event.
// The result is always populated; err is non-nil only for generation or
// persistence failures (skips are normal negative outcomes).
func (e *Executor) Route(ctx context.Context, event *models.Event) (*models.RouteResult, error) {
	start := time.Now()

	category, ok := e.classify(event)
	if !ok {
		res := &models.RouteResult{Reason: models.SkipUnknownEvent}
		e.trace(ctx, event, category, res, start, nil)
		return res, nil
	}

	// Evaluation and generation see the classified category, not whatever
	// the host happened to put on the wire.
	normalized := *event
	normalized.Category = category
	event = &normalized

	remaining, satisfied := e.quota.Remaining(category)
	decision := e.evaluator.Evaluate(ctx, event, trigger.QuotaView{
		Remaining:         remaining,
		CategorySatisfied: satisfied,
	})
	if !decision.Admit {
		res := &models.RouteResult{Category: category, Reason: decision.Reason}
		e.trace(ctx, event, category, res, start, nil)
		return res, nil
	}

	// Defense in depth: the evaluator saw a snapshot; re-check against
	// live quota state before doing any work. The live state names the
	// actual reason, which can differ from the snapshot's.
	if !e.quota.CanAdmit(category, decision.Claimed) {
		reason := models.SkipQuotaExhausted
		if _, nowSatisfied := e.quota.Remaining(category); nowSatisfied {
			reason = models.SkipCategorySatisfied
		}
		res := &models.RouteResult{Category: category, Reason: reason}
		e.trace(ctx, event, category, res, start, nil)
		return res, nil
	}

	entry, err := e.generate(ctx, event, category, decision.Claimed, false)
	if err != nil {
		res := &models.RouteResult{
			Admitted: true,
			Category: category,
			Claimed:  decision.Claimed,
			Reason:   decision.Reason,
			Error:    err.Error(),
		}
		e.trace(ctx, event, category, res, start, err)
		return res, err
	}

	// Commit strictly after success. Claimed completions are counted
	// separately and never consume quota.
	if decision.Claimed {
		e.quota.CommitClaimed()
	} else {
		e.quota.Commit(category)
	}

	res := &models.RouteResult{
		Admitted: true,
		Category: category,
		Claimed:  decision.Claimed,
		Reason:   decision.Reason,
		Entry:    entry,
	}
	e.trace(ctx, event, category, res, start, nil)

	log.Info().
		Str("event", event.Name).
		Str("category", category).
		Str("provider", entry.Provider).
		Bool("claimed", decision.Claimed).
		Msg("Entry generated")
	return res, nil
}

// ForceGenerate bypasses trigger and quota checks entirely but still
// routes through the failover layer. It never commits quota.
func (e *Executor) ForceGenerate(ctx context.Context, event *models.Event) (*models.RouteResult, error) {
	start := time.Now()

	category, ok := e.classify(event)
	if !ok {
		category = event.Category
	}
	normalized := *event
	normalized.Category = category
	event = &normalized

	entry, err := e.generate(ctx, event, category, false, true)
	if err != nil {
		res := &models.RouteResult{Admitted: true, Category: category, Error: err.Error()}
		e.trace(ctx, event, category, res, start, err)
		return res, err
	}

	res := &models.RouteResult{Admitted: true, Category: category, Reason: "forced", Entry: entry}
	e.trace(ctx, event, category, res, start, nil)
	return res, nil
}

// generate runs context lookup, the category handler, the failover call,
// validation, and persistence. No quota side effects.
func (e *Executor) generate(ctx context.Context, event *models.Event, category models.Category, claimed, forced bool) (*models.Entry, error) {
	// Concurrency cap
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ectx, err := e.contexts.Lookup(ctx, event.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("context lookup: %w", err)
	}

	e.mu.RLock()
	handler := e.handlers[category]
	preferred := e.preferred[category]
	e.mu.RUnlock()
	if handler == nil {
		handler = genericHandler
	}

	prompt, system, emotion := handler(event, ectx)

	result, err := e.router.Generate(ctx, &models.GenerationRequest{
		Prompt:             prompt,
		SystemPrompt:       system,
		PreferredProviders: preferred,
	})
	if err != nil {
		return nil, err
	}

	text, err := e.validator.Validate(result.Text)
	if err != nil {
		return nil, fmt.Errorf("validate entry: %w", err)
	}

	entry := &models.Entry{
		ID:        uuid.New().String(),
		Category:  category,
		EventID:   event.ID,
		EventName: event.Name,
		Text:      text,
		Emotion:   emotion,
		Provider:  result.Provider,
		Model:     result.Model,
		Claimed:   claimed,
		Forced:    forced,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("persist entry: %w", err)
	}

	if e.archive != nil {
		if err := e.archive.ArchiveEntry(ctx, entry); err != nil {
			log.Warn().Err(err).Str("entry", entry.ID).Msg("Entry archive failed")
		}
	}
	return entry, nil
}

// classify resolves an event to its category via the name table, falling
// back to the event's own category field.
func (e *Executor) classify(event *models.Event) (models.Category, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cat, ok := e.nameTable[event.Name]; ok {
		return cat, true
	}
	if event.Category != "" {
		return event.Category, true
	}
	return "", false
}

// trace records the routing attempt; failures to record are logged only.
func (e *Executor) trace(ctx context.Context, event *models.Event, category models.Category, res *models.RouteResult, start time.Time, routeErr error) {
	t := &models.RouteTrace{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		EventName: event.Name,
		Category:  category,
		Admitted:  res.Admitted,
		Reason:    res.Reason,
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if res.Entry != nil {
		t.Provider = res.Entry.Provider
	}
	if routeErr != nil {
		t.Error = routeErr.Error()
	}
	if err := e.store.CreateTrace(ctx, t); err != nil {
		log.Warn().Err(err).Msg("Failed to record route trace")
	}
}

// defaultNameTable maps well-known event names to categories.
func defaultNameTable() map[string]models.Category {
	return map[string]models.Category{
		"sunny-afternoon": models.CategoryWeather,
		"rain-started":    models.CategoryWeather,
		"met-friend":      models.CategorySocial,
		"long-chat":       models.CategorySocial,
		"walk-finished":   models.CategoryHealth,
		"slept-well":      models.CategoryHealth,
		"birthday":        models.CategoryAnniversary,
		"first-meeting":   models.CategoryAnniversary,
		"photo-taken":     models.CategoryPhoto,
		"mood-shift":      models.CategoryMood,
	}
}
