package blacklist

import (
	"context"
	"errors"
	"sync"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// Blacklist Matcher
//
// Address lookups against the reference set of flagged addresses. The
// engine only queries the store; curation (OFAC lists, incident response,
// exchange intel feeds) happens out of band.
//
// Lookups sit on the analysis hot path, so an unavailable store must
// degrade, never block or fail the pipeline: the rule layer turns
// ErrUnavailable into a non-triggering outcome with an explicit marker.

// ErrUnavailable signals the backing store could not be reached.
var ErrUnavailable = errors.New("blacklist store unavailable")

// Store is the read-only contract every blacklist backend satisfies.
// Lookup returns (nil, nil) when the address is not listed.
type Store interface {
	Lookup(ctx context.Context, address string) (*models.BlacklistEntry, error)
	ListActive(ctx context.Context) ([]models.BlacklistEntry, error)
}

// Match is the per-transaction result: zero, one, or both endpoints listed.
type Match struct {
	Entries     []models.BlacklistEntry
	Severity    models.RiskLevel // highest severity among matches
	Unavailable bool             // at least one lookup failed
}

// Matched reports whether any endpoint hit the list.
func (m Match) Matched() bool { return len(m.Entries) > 0 }

// CheckTransaction looks up both endpoints of a transaction. When both
// match, both entries are carried and the highest severity wins. A store
// failure marks the match degraded but keeps whatever was found.
func CheckTransaction(ctx context.Context, store Store, tx models.Transaction) Match {
	var m Match
	addrs := []string{tx.FromAddress}
	if tx.ToAddress != "" && !tx.IsSelfTransfer() {
		addrs = append(addrs, tx.ToAddress)
	}
	for _, addr := range addrs {
		entry, err := store.Lookup(ctx, addr)
		if err != nil {
			m.Unavailable = true
			continue
		}
		if entry == nil || !entry.Active {
			continue
		}
		m.Entries = append(m.Entries, *entry)
		m.Severity = models.MaxRiskLevel(m.Severity, entry.Severity)
	}
	return m
}

// MemoryStore is an in-process Store, used for tests and for running the
// engine without PostgreSQL.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.BlacklistEntry
}

// NewMemoryStore seeds an in-memory store.
func NewMemoryStore(entries ...models.BlacklistEntry) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]models.BlacklistEntry)}
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

// Add inserts or replaces an entry. Addresses are normalized on the way in.
func (s *MemoryStore) Add(e models.BlacklistEntry) {
	e.Address = models.NormalizeAddress(e.Address)
	s.mu.Lock()
	s.entries[e.Address] = e
	s.mu.Unlock()
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, address string) (*models.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[models.NormalizeAddress(address)]
	if !ok || !e.Active {
		return nil, nil
	}
	out := e
	return &out, nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(_ context.Context) ([]models.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BlacklistEntry
	for _, e := range s.entries {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}
