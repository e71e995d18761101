// Package cookies implements the domain-keyed cookie store that bridges the
// rendering context's cookie jar and the direct HTTP path. It owns the
// in-memory shape and the merge/expiry logic; durability is delegated to a
// Storage collaborator.
package cookies

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// Source is anything cookies can be extracted from for a URL, including
// HTTP-only ones. The chromedp engine satisfies this.
type Source interface {
	Cookies(ctx context.Context, url string) ([]fetch.Cookie, error)
}

// Storage persists per-domain cookie collections. Crash-safety and atomicity
// are its problem, not the store's.
type Storage interface {
	Load(ctx context.Context) (map[string][]fetch.Cookie, error)
	Save(ctx context.Context, domain string, cookies []fetch.Cookie) error
	Delete(ctx context.Context, domain string) error
}

// Store holds cookie records keyed by domain. All mutation goes through
// Sync/Merge/Invalidate so there is a single writer path.
type Store struct {
	mu       sync.Mutex
	byDomain map[string][]fetch.Cookie
	storage  Storage
	now      func() time.Time
}

// NewStore creates a store backed by storage, loading any persisted records.
// A nil storage gives a purely in-memory store; useful in tests.
func NewStore(ctx context.Context, storage Storage) (*Store, error) {
	s := &Store{
		byDomain: make(map[string][]fetch.Cookie),
		storage:  storage,
		now:      time.Now,
	}
	if storage != nil {
		loaded, err := storage.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load cookie store: %w", err)
		}
		for domain, records := range loaded {
			s.byDomain[normalizeDomain(domain)] = records
		}
		logger.Debug("cookie store loaded", "domains", len(loaded))
	}
	return s, nil
}

// Sync extracts the source's cookies for originURL and merges them into the
// store under domain. A sync always replaces, never appends: at most one
// record per (domain, name) survives.
func (s *Store) Sync(ctx context.Context, domain, originURL string, source Source) error {
	records, err := source.Cookies(ctx, originURL)
	if err != nil {
		return fmt.Errorf("cookie sync for %s: %w", domain, err)
	}
	return s.Merge(ctx, domain, records)
}

// Merge applies records to the domain's collection, replacing existing
// records with the same name.
func (s *Store) Merge(ctx context.Context, domain string, records []fetch.Cookie) error {
	domain = normalizeDomain(domain)

	s.mu.Lock()
	existing := s.byDomain[domain]
	merged := make(map[string]fetch.Cookie, len(existing)+len(records))
	for _, c := range existing {
		merged[c.Name] = c
	}
	for _, c := range records {
		merged[c.Name] = c
	}

	out := make([]fetch.Cookie, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	// Stable ordering keeps persisted records and composed headers
	// deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.byDomain[domain] = out
	s.mu.Unlock()

	logger.Debug("cookies merged", "domain", domain, "incoming", len(records), "total", len(out))

	if s.storage != nil {
		if err := s.storage.Save(ctx, domain, out); err != nil {
			return fmt.Errorf("failed to persist cookies for %s: %w", domain, err)
		}
	}
	return nil
}

// Header composes a Cookie: header value from the domain's stored records,
// skipping expired ones. Returns "" when nothing usable is stored.
func (s *Store) Header(domain string) string {
	domain = normalizeDomain(domain)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pairs []string
	for _, c := range s.byDomain[domain] {
		if c.Expired(now) {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// Get returns the domain's live records, e.g. for planting into the
// rendering context before navigation.
func (s *Store) Get(domain string) []fetch.Cookie {
	domain = normalizeDomain(domain)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []fetch.Cookie
	for _, c := range s.byDomain[domain] {
		if c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Invalidate clears the domain's records, forcing the next facade call for
// that domain to treat the session as unwarmed.
func (s *Store) Invalidate(ctx context.Context, domain string) error {
	domain = normalizeDomain(domain)

	s.mu.Lock()
	delete(s.byDomain, domain)
	s.mu.Unlock()

	logger.Info("cookies invalidated", "domain", domain)

	if s.storage != nil {
		if err := s.storage.Delete(ctx, domain); err != nil {
			return fmt.Errorf("failed to delete persisted cookies for %s: %w", domain, err)
		}
	}
	return nil
}

// normalizeDomain canonicalizes a domain key: lowercase, no leading dot.
func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
}
