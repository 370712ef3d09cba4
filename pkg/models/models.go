// Package models defines the shared domain types for the Daybook engine:
// life events, trigger rules, daily quota state, provider profiles, and
// the request/response shapes exchanged with generation backends.
package models

import "time"

// ── Categories ───────────────────────────────────────────────

// Category is the coarse bucket used for the one-entry-per-day constraint.
// It is distinct from the specific event name: many event names map into
// the same category.
type Category = string

const (
	CategoryWeather     Category = "weather"
	CategorySocial      Category = "social"
	CategoryHealth      Category = "health"
	CategoryAnniversary Category = "anniversary"
	CategoryPhoto       Category = "photo"
	CategoryMood        Category = "mood"

	// CategoryAll is the wildcard used by trigger rules that apply to
	// every category.
	CategoryAll Category = "all"
)

// ── Events ───────────────────────────────────────────────────

// Event is one life-event notification handed to the engine by the host.
// Events are produced externally and read-only to the core.
type Event struct {
	ID        string                 `json:"id"`
	Category  Category               `json:"category"`
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	SubjectID string                 `json:"subject_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Tags      map[string]string      `json:"tags,omitempty"`
}

// ── Trigger Rules ────────────────────────────────────────────

// RuleKind identifies how a trigger rule is evaluated.
type RuleKind string

const (
	// RuleEvent admits with a probability draw on each matching event.
	RuleEvent RuleKind = "event"
	// RuleTime admits when the event's time-of-day falls inside a
	// wall-clock window. A window whose start is after its end wraps
	// midnight.
	RuleTime RuleKind = "time"
	// RuleImage admits when the event payload carries decodable image
	// data and the detector reports at least one matching sub-event.
	RuleImage RuleKind = "image"
	// RuleExpr admits when an expression over the event payload and
	// tags evaluates to true.
	RuleExpr RuleKind = "expr"
)

// TriggerRule is one configured admission condition. Rules are mutated
// only by config reload; evaluation treats them as immutable.
type TriggerRule struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        RuleKind `json:"kind" yaml:"kind"`
	AppliesTo   []string `json:"applies_to" yaml:"applies_to"` // categories, or ["all"]
	Probability float64  `json:"probability,omitempty" yaml:"probability,omitempty"`
	TimeStart   string   `json:"time_start,omitempty" yaml:"time_start,omitempty"` // "15:04"
	TimeEnd     string   `json:"time_end,omitempty" yaml:"time_end,omitempty"`
	Expr        string   `json:"expr,omitempty" yaml:"expr,omitempty"`
	Active      bool     `json:"active" yaml:"active"`
}

// AppliesToCategory reports whether the rule covers the given category.
func (r *TriggerRule) AppliesToCategory(cat Category) bool {
	for _, c := range r.AppliesTo {
		if c == cat || c == CategoryAll {
			return true
		}
	}
	return false
}

// ClaimedEvent is a (category, name) pair always admitted regardless of
// quota state. Claimed admissions neither consume quota nor mark the
// category satisfied.
type ClaimedEvent struct {
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
	Claimed  bool     `json:"claimed" yaml:"claimed"`
}

// ── Providers ────────────────────────────────────────────────

// ProviderProfile describes one configured generation backend.
type ProviderProfile struct {
	Name         string   `json:"name" yaml:"name"`
	Kind         string   `json:"kind" yaml:"kind"` // openai, azure-openai, anthropic, ollama
	Endpoint     string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKey       string   `json:"-" yaml:"api_key,omitempty"`
	Model        string   `json:"model" yaml:"model"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TimeoutMs    int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Priority     int      `json:"priority" yaml:"priority"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Default      bool     `json:"default" yaml:"default"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// CircuitState labels a provider's breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderStatus is the runtime view of one provider exposed to the host.
type ProviderStatus struct {
	Name                string       `json:"name"`
	Kind                string       `json:"kind"`
	Model               string       `json:"model"`
	Priority            int          `json:"priority"`
	Enabled             bool         `json:"enabled"`
	Default             bool         `json:"default"`
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// ProvidersStatus is the aggregate provider view.
type ProvidersStatus struct {
	Providers       []ProviderStatus `json:"providers"`
	CurrentProvider string           `json:"current_provider,omitempty"`
	TotalProviders  int              `json:"total_providers"`
}

// ── Generation ───────────────────────────────────────────────

// ChatMessage is one message in a generation request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is one text-generation call. Tuning parameters are
// opaque to the failover layer and forwarded verbatim to the backend;
// nil means "use the provider profile's value".
type GenerationRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`

	// PreferredProviders, when set, is tried in order before the
	// general failover order.
	PreferredProviders []string `json:"preferred_providers,omitempty"`
}

// TokenUsage reports backend-side token accounting.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// GenerationResult is the outcome of a successful generation call.
type GenerationResult struct {
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Text      string     `json:"text"`
	Usage     TokenUsage `json:"usage"`
	LatencyMs int64      `json:"latency_ms"`
}

// ── Entries ──────────────────────────────────────────────────

// Entry is one finished diary entry produced for an admitted event.
type Entry struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	EventID   string    `json:"event_id"`
	EventName string    `json:"event_name"`
	Text      string    `json:"text"`
	Emotion   string    `json:"emotion,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Claimed   bool      `json:"claimed"`
	Forced    bool      `json:"forced,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Routing outcome ──────────────────────────────────────────

// Skip reasons reported when an event is declined without error.
const (
	SkipQuotaExhausted    = "quota_exhausted"
	SkipCategorySatisfied = "category_satisfied"
	SkipNoRuleMatched     = "no_rule_matched"
	SkipUnknownEvent      = "unknown_event"
)

// RouteResult is the host-visible outcome of routing one event: a
// generated entry, a skip with reason, or a typed failure.
type RouteResult struct {
	Admitted bool     `json:"admitted"`
	Reason   string   `json:"reason,omitempty"` // skip reason or admitting rule
	Category Category `json:"category,omitempty"`
	Claimed  bool     `json:"claimed,omitempty"`
	Entry    *Entry   `json:"entry,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// RouteTrace records one routing attempt for observability.
type RouteTrace struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	EventName string    `json:"event_name"`
	Category  Category  `json:"category"`
	Admitted  bool      `json:"admitted"`
	Reason    string    `json:"reason,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Daily status ─────────────────────────────────────────────

// DailyStatus is the host-visible snapshot of the current day's quota.
// ClaimedCount is tracked separately from SatisfiedCount: claimed
// admissions never consume quota.
type DailyStatus struct {
	Date                string   `json:"date"` // "2006-01-02", local time
	TotalQuota          int      `json:"total_quota"`
	SatisfiedCount      int      `json:"satisfied_count"`
	Remaining           int      `json:"remaining"`
	SatisfiedCategories []string `json:"satisfied_categories"`
	PreselectedCats     []string `json:"preselected_categories,omitempty"`
	ClaimedCount        int      `json:"claimed_count"`
	IsComplete          bool     `json:"is_complete"`
}
