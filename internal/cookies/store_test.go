package cookies

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dk5761/pagegate/pkg/fetch"
)

// memStorage is an in-memory Storage that records call counts.
type memStorage struct {
	mu      sync.Mutex
	data    map[string][]fetch.Cookie
	saves   int
	deletes int
	loadErr error
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]fetch.Cookie)}
}

func (m *memStorage) Load(context.Context) (map[string][]fetch.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string][]fetch.Cookie, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

func (m *memStorage) Save(_ context.Context, domain string, records []fetch.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[domain] = records
	m.saves++
	return nil
}

func (m *memStorage) Delete(_ context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, domain)
	m.deletes++
	return nil
}

// cookieSource serves a fixed cookie slice.
type cookieSource struct {
	records []fetch.Cookie
	err     error
}

func (s cookieSource) Cookies(context.Context, string) ([]fetch.Cookie, error) {
	return s.records, s.err
}

func TestStore_Merge_ReplacesNotAppends(t *testing.T) {
	store, err := NewStore(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	first := []fetch.Cookie{{Name: "cf_clearance", Value: "old", Domain: "example.com"}}
	if err := store.Merge(context.Background(), "example.com", first); err != nil {
		t.Fatal(err)
	}

	second := []fetch.Cookie{{Name: "cf_clearance", Value: "new", Domain: "example.com"}}
	if err := store.Merge(context.Background(), "example.com", second); err != nil {
		t.Fatal(err)
	}

	records := store.Get("example.com")
	if len(records) != 1 {
		t.Fatalf("expected 1 record after re-sync, got %d", len(records))
	}
	if records[0].Value != "new" {
		t.Errorf("expected replaced value, got %q", records[0].Value)
	}
}

func TestStore_Merge_KeepsUnrelatedCookies(t *testing.T) {
	store, _ := NewStore(context.Background(), nil)

	_ = store.Merge(context.Background(), "example.com", []fetch.Cookie{
		{Name: "session_id", Value: "abc"},
		{Name: "cf_clearance", Value: "old"},
	})
	_ = store.Merge(context.Background(), "example.com", []fetch.Cookie{
		{Name: "cf_clearance", Value: "new"},
	})

	header := store.Header("example.com")
	if header != "cf_clearance=new; session_id=abc" {
		t.Errorf("unexpected header %q", header)
	}
}

func TestStore_Header_SkipsExpired(t *testing.T) {
	store, _ := NewStore(context.Background(), nil)
	store.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

	_ = store.Merge(context.Background(), "example.com", []fetch.Cookie{
		{Name: "live", Value: "1", Expires: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Name: "dead", Value: "1", Expires: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Name: "session", Value: "1"}, // zero expiry = session cookie, kept
	})

	if header := store.Header("example.com"); header != "live=1; session=1" {
		t.Errorf("unexpected header %q", header)
	}
}

func TestStore_Header_EmptyWhenNothingStored(t *testing.T) {
	store, _ := NewStore(context.Background(), nil)
	if header := store.Header("unknown.example.com"); header != "" {
		t.Errorf("expected empty header, got %q", header)
	}
}

func TestStore_Sync_PullsFromSource(t *testing.T) {
	store, _ := NewStore(context.Background(), nil)

	src := cookieSource{records: []fetch.Cookie{{Name: "cf_clearance", Value: "tok", Domain: "example.com", HTTPOnly: true}}}
	if err := store.Sync(context.Background(), "example.com", "https://example.com/", src); err != nil {
		t.Fatal(err)
	}

	if header := store.Header("example.com"); header != "cf_clearance=tok" {
		t.Errorf("unexpected header %q", header)
	}
}

func TestStore_Sync_SourceFailure(t *testing.T) {
	store, _ := NewStore(context.Background(), nil)

	src := cookieSource{err: errors.New("context detached")}
	if err := store.Sync(context.Background(), "example.com", "https://example.com/", src); err == nil {
		t.Error("expected sync error")
	}
}

func TestStore_Invalidate(t *testing.T) {
	storage := newMemStorage()
	store, _ := NewStore(context.Background(), storage)

	_ = store.Merge(context.Background(), "example.com", []fetch.Cookie{{Name: "a", Value: "1"}})
	if err := store.Invalidate(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}

	if header := store.Header("example.com"); header != "" {
		t.Errorf("expected empty header after invalidation, got %q", header)
	}
	if storage.deletes != 1 {
		t.Errorf("expected 1 persisted delete, got %d", storage.deletes)
	}
}

func TestStore_PersistsAndReloads(t *testing.T) {
	storage := newMemStorage()
	store, _ := NewStore(context.Background(), storage)
	_ = store.Merge(context.Background(), "Example.COM", []fetch.Cookie{{Name: "a", Value: "1"}})

	// A fresh store over the same storage sees the records under the
	// canonical domain key.
	reloaded, err := NewStore(context.Background(), storage)
	if err != nil {
		t.Fatal(err)
	}
	if header := reloaded.Header("example.com"); header != "a=1" {
		t.Errorf("expected reloaded header, got %q", header)
	}
}

func TestStore_DomainNormalization(t *testing.T) {
	store, _ := NewStore(context.Background(), nil)
	_ = store.Merge(context.Background(), ".Example.com", []fetch.Cookie{{Name: "a", Value: "1"}})

	if header := store.Header("example.com"); header != "a=1" {
		t.Errorf("expected normalized lookup to hit, got %q", header)
	}
}
