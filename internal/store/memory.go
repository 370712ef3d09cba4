// In-memory Store implementation.
// Supports file-based snapshot persistence so entries survive restarts.
// Durability is best-effort by design: writes are debounced and the
// snapshot is replaced atomically via rename.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Providers []models.ProviderProfile `json:"providers"`
	Entries   map[string]*models.Entry `json:"entries"`
	Traces    []*models.RouteTrace     `json:"traces"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.RWMutex
	providers []models.ProviderProfile // declaration order matters for failover ties
	entries   map[string]*models.Entry // key: id
	traces    []*models.RouteTrace     // append-only, newest last

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to a JSON snapshot in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]*models.Entry),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "daybook.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(200 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Providers: m.providers,
		Entries:   m.entries,
		Traces:    m.traces,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	m.providers = snap.Providers
	if snap.Entries != nil {
		m.entries = snap.Entries
	}
	m.traces = snap.Traces
	m.mu.Unlock()

	log.Info().
		Int("providers", len(snap.Providers)).
		Int("entries", len(snap.Entries)).
		Msg("Snapshot loaded")
}

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Provider Store ──────────────────────────────────────────

func (m *MemoryStore) ListProviders(ctx context.Context) ([]models.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ProviderProfile, len(m.providers))
	copy(out, m.providers)
	return out, nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, name string) (*models.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.providers {
		if m.providers[i].Name == name {
			p := m.providers[i]
			return &p, nil
		}
	}
	return nil, &ErrNotFound{Entity: "provider", Key: name}
}

func (m *MemoryStore) ReplaceProviders(ctx context.Context, providers []models.ProviderProfile) error {
	m.mu.Lock()
	m.providers = make([]models.ProviderProfile, len(providers))
	copy(m.providers, providers)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProvider(ctx context.Context, provider *models.ProviderProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.providers {
		if m.providers[i].Name == provider.Name {
			m.providers[i] = *provider
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "provider", Key: provider.Name}
}

// ── Entry Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateEntry(ctx context.Context, entry *models.Entry) error {
	m.mu.Lock()
	e := *entry
	m.entries[entry.ID] = &e
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entry", Key: id}
	}
	out := *e
	return &out, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, limit int) ([]models.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Trace Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateTrace(ctx context.Context, trace *models.RouteTrace) error {
	m.mu.Lock()
	t := *trace
	m.traces = append(m.traces, &t)
	// Bound the in-memory trace log
	if len(m.traces) > 10000 {
		m.traces = m.traces[len(m.traces)-10000:]
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTraces(ctx context.Context, limit int) ([]models.RouteTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.traces)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.RouteTrace, 0, limit)
	// Newest first
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *m.traces[i])
	}
	return out, nil
}
