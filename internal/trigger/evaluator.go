// Package trigger classifies events against the configured admission
// conditions: the claimed-event allowlist plus probabilistic, time-window,
// image, and expression rules. Evaluation has no side effects, so callers
// may evaluate speculatively.
package trigger

import (
	"context"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/enrich"
	"github.com/daybook-io/daybook/pkg/models"
)

// Decision is the outcome of evaluating one event.
type Decision struct {
	Admit   bool
	Claimed bool
	Reason  string // admitting rule id, "claimed", or a skip reason
}

// QuotaView is the read-only quota snapshot the evaluator checks before
// consulting rules.
type QuotaView struct {
	Remaining         int
	CategorySatisfied bool
}

// Evaluator applies trigger rules to events. Rules and the claimed-event
// allowlist are swapped atomically on config reload; evaluation holds
// only a read lock.
type Evaluator struct {
	mu       sync.RWMutex
	rules    []models.TriggerRule
	programs map[string]*vm.Program // compiled expr rules, key: rule id
	claimed  map[string]bool        // key: category + "/" + name

	detector enrich.ImageDetector
	randFn   func() float64 // uniform [0,1) draw, injectable for tests
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithRandFn injects the uniform random source used by probability rules.
func WithRandFn(fn func() float64) Option {
	return func(e *Evaluator) { e.randFn = fn }
}

// WithDetector sets the image sub-event detector.
func WithDetector(d enrich.ImageDetector) Option {
	return func(e *Evaluator) { e.detector = d }
}

// NewEvaluator creates an evaluator with the given rules and claimed
// events. Expression rules that fail to compile are deactivated with a
// warning rather than failing the whole evaluator; config.Validate has
// already caught structural problems.
func NewEvaluator(rules []models.TriggerRule, claimedEvents []models.ClaimedEvent, opts ...Option) *Evaluator {
	e := &Evaluator{
		detector: enrich.NopDetector{},
		randFn:   nil,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.randFn == nil {
		e.randFn = defaultRand
	}
	e.Reload(rules, claimedEvents)
	return e
}

// Reload swaps the rule set and claimed allowlist. In-flight evaluations
// finish against the old set.
func (e *Evaluator) Reload(rules []models.TriggerRule, claimedEvents []models.ClaimedEvent) {
	programs := make(map[string]*vm.Program)
	kept := make([]models.TriggerRule, 0, len(rules))
	for _, r := range rules {
		if r.Kind == models.RuleExpr {
			prog, err := expr.Compile(r.Expr, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				log.Warn().Str("rule", r.ID).Err(err).Msg("Expression rule failed to compile, deactivated")
				continue
			}
			programs[r.ID] = prog
		}
		kept = append(kept, r)
	}

	claimed := make(map[string]bool, len(claimedEvents))
	for _, c := range claimedEvents {
		if c.Claimed {
			claimed[claimKey(c.Category, c.Name)] = true
		}
	}

	e.mu.Lock()
	e.rules = kept
	e.programs = programs
	e.claimed = claimed
	e.mu.Unlock()

	log.Info().Int("rules", len(kept)).Int("claimed_events", len(claimed)).Msg("Trigger rules loaded")
}

// IsClaimed reports whether the (category, name) pair is on the claimed
// allowlist.
func (e *Evaluator) IsClaimed(category models.Category, name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claimed[claimKey(category, name)]
}

// Evaluate decides admission for one event given the current quota view.
// Claimed events are admitted regardless of quota. Otherwise quota gates
// first, then active rules matching the event's category are ORed: the
// first match admits, and rule order does not change the result.
func (e *Evaluator) Evaluate(ctx context.Context, event *models.Event, quota QuotaView) Decision {
	if e.IsClaimed(event.Category, event.Name) {
		return Decision{Admit: true, Claimed: true, Reason: "claimed"}
	}

	if quota.CategorySatisfied {
		return Decision{Reason: models.SkipCategorySatisfied}
	}
	if quota.Remaining <= 0 {
		return Decision{Reason: models.SkipQuotaExhausted}
	}

	e.mu.RLock()
	rules := e.rules
	programs := e.programs
	e.mu.RUnlock()

	for i := range rules {
		r := &rules[i]
		if !r.Active || !r.AppliesToCategory(event.Category) {
			continue
		}
		if e.matchRule(ctx, r, programs[r.ID], event) {
			return Decision{Admit: true, Reason: "rule:" + r.ID}
		}
	}
	return Decision{Reason: models.SkipNoRuleMatched}
}

func (e *Evaluator) matchRule(ctx context.Context, r *models.TriggerRule, prog *vm.Program, event *models.Event) bool {
	switch r.Kind {
	case models.RuleEvent:
		return e.randFn() < r.Probability

	case models.RuleTime:
		return matchTimeWindow(r.TimeStart, r.TimeEnd, event.Timestamp)

	case models.RuleImage:
		data, err := enrich.DecodeImagePayload(event.Payload)
		if err != nil {
			return false
		}
		detected, err := e.detector.Detect(ctx, data)
		if err != nil {
			log.Warn().Str("rule", r.ID).Err(err).Msg("Image detector failed")
			return false
		}
		for _, d := range detected {
			if d.Type == event.Name || d.Type == string(event.Category) {
				return true
			}
		}
		return false

	case models.RuleExpr:
		if prog == nil {
			return false
		}
		env := map[string]interface{}{
			"category": string(event.Category),
			"name":     event.Name,
			"subject":  event.SubjectID,
			"payload":  event.Payload,
			"tags":     event.Tags,
			"hour":     event.Timestamp.Hour(),
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			log.Warn().Str("rule", r.ID).Err(err).Msg("Expression rule failed at runtime")
			return false
		}
		match, _ := out.(bool)
		return match
	}
	return false
}

// matchTimeWindow reports whether ts's time-of-day falls in [start, end].
// A window whose start is after its end wraps midnight: the time matches
// when it is at or after start OR at or before end.
func matchTimeWindow(start, end string, ts time.Time) bool {
	startMin, err := config.ParseClock(start)
	if err != nil {
		return false
	}
	endMin, err := config.ParseClock(end)
	if err != nil {
		return false
	}
	now := ts.Hour()*60 + ts.Minute()

	if startMin <= endMin {
		return now >= startMin && now <= endMin
	}
	return now >= startMin || now <= endMin
}

func claimKey(category models.Category, name string) string {
	return fmt.Sprintf("%s/%s", category, name)
}

// defaultRand is replaced in tests via WithRandFn.
func defaultRand() float64 {
	return mrand.Float64()
}
