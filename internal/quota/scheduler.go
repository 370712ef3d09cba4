// Package quota owns the day-scoped admission quota.
//
// Each calendar day gets a fresh quota drawn uniformly from {0..maxDaily}.
// A category may satisfy the quota at most once per day; claimed events
// bypass the quota entirely and are counted separately. The whole day
// state lives behind one mutex and is replaced, never patched, at
// rollover, so no concurrent caller can observe a mixed-day state.
//
// State is in-memory and advisory: after a restart a fresh rollover with
// a new random quota is acceptable, not an error.
package quota

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/pkg/models"
)

// MaxDailyQuota is the upper bound of the uniform quota draw.
const MaxDailyQuota = 5

const dateLayout = "2006-01-02"

// dayState is one day's quota bookkeeping. Replaced wholesale at rollover.
type dayState struct {
	date           string
	totalQuota     int
	satisfiedCount int
	satisfied      map[models.Category]bool
	preselected    []string
	claimedCount   int
}

// Scheduler enforces the at-most-one-entry-per-category-per-day rule.
type Scheduler struct {
	mu  sync.Mutex
	day *dayState

	categories []models.Category
	rng        *rand.Rand
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand injects a deterministic random source for tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCategories sets the category universe used for pre-selection.
func WithCategories(categories []models.Category) Option {
	return func(s *Scheduler) { s.categories = append([]models.Category(nil), categories...) }
}

// NewScheduler creates a quota scheduler. The first admission check past
// local midnight (or the first ever) triggers a rollover.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		categories: []models.Category{
			models.CategoryWeather, models.CategorySocial, models.CategoryHealth,
			models.CategoryAnniversary, models.CategoryPhoto, models.CategoryMood,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rollover replaces the day state with a fresh one. Caller holds s.mu.
func (s *Scheduler) rollover(date string) {
	total := s.rng.Intn(MaxDailyQuota + 1)

	// Pre-select categories without replacement. Informational only:
	// admission is not restricted to the pre-selected set.
	n := total
	if n > len(s.categories) {
		n = len(s.categories)
	}
	shuffled := append([]models.Category(nil), s.categories...)
	s.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	preselected := append([]string(nil), shuffled[:n]...)
	sort.Strings(preselected)

	s.day = &dayState{
		date:        date,
		totalQuota:  total,
		satisfied:   make(map[models.Category]bool),
		preselected: preselected,
	}

	log.Info().
		Str("date", date).
		Int("quota", total).
		Strs("preselected", preselected).
		Msg("Daily quota rolled over")
}

// ensureDay rolls over if the calendar day changed. Caller holds s.mu.
func (s *Scheduler) ensureDay() {
	today := s.now().Format(dateLayout)
	if s.day == nil || s.day.date != today {
		s.rollover(today)
	}
}

// CanAdmit reports whether an event in the category may be admitted now.
// Claimed events are always admitted.
func (s *Scheduler) CanAdmit(category models.Category, claimed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDay()

	if claimed {
		return true
	}
	return s.day.satisfiedCount < s.day.totalQuota && !s.day.satisfied[category]
}

// Commit marks the category satisfied for today. Idempotent: committing an
// already-satisfied category does not increment the count again. A commit
// arriving after the quota filled up is dropped, so satisfiedCount never
// exceeds totalQuota even when admission checks and commits interleave
// across concurrent callers.
func (s *Scheduler) Commit(category models.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDay()

	if s.day.satisfied[category] {
		return
	}
	if s.day.satisfiedCount >= s.day.totalQuota {
		log.Warn().
			Str("category", category).
			Int("quota", s.day.totalQuota).
			Msg("Commit after quota filled, dropped")
		return
	}
	s.day.satisfied[category] = true
	s.day.satisfiedCount++
}

// CommitClaimed records a claimed-path completion. It never touches the
// quota or the satisfied-category set, so claimed entries are visible in
// statistics without distorting quota math.
func (s *Scheduler) CommitClaimed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDay()
	s.day.claimedCount++
}

// Remaining returns how many non-claimed admissions are left today and
// whether the category is already satisfied.
func (s *Scheduler) Remaining(category models.Category) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDay()
	return s.day.totalQuota - s.day.satisfiedCount, s.day.satisfied[category]
}

// Status returns the host-visible snapshot of today's quota.
func (s *Scheduler) Status() models.DailyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDay()

	cats := make([]string, 0, len(s.day.satisfied))
	for c := range s.day.satisfied {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	return models.DailyStatus{
		Date:                s.day.date,
		TotalQuota:          s.day.totalQuota,
		SatisfiedCount:      s.day.satisfiedCount,
		Remaining:           s.day.totalQuota - s.day.satisfiedCount,
		SatisfiedCategories: cats,
		PreselectedCats:     s.day.preselected,
		ClaimedCount:        s.day.claimedCount,
		IsComplete:          s.day.satisfiedCount >= s.day.totalQuota,
	}
}

// Start runs the rollover check loop. The check is cheap; all real work
// happens inside ensureDay under the same mutex the admission path uses,
// so a tick racing an admission can never produce a mixed-day state.
// Blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Info().Dur("interval", interval).Msg("Quota rollover loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Quota rollover loop stopped")
			return
		case <-ticker.C:
			s.mu.Lock()
			s.ensureDay()
			s.mu.Unlock()
		}
	}
}
