package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dk5761/pagegate/pkg/fetch"
)

func openTestStorage(t *testing.T) *CookieStorage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cookies"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCookieStorage_SaveAndLoad(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	records := []fetch.Cookie{
		{Name: "cf_clearance", Value: "tok", Domain: "example.com", Path: "/", HTTPOnly: true, Secure: true,
			Expires: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Name: "sid", Value: "abc", Domain: "example.com"},
	}
	if err := s.Save(ctx, "example.com", records); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "other.example", []fetch.Cookie{{Name: "a", Value: "1"}}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(loaded))
	}
	got := loaded["example.com"]
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Name != "cf_clearance" || got[0].Value != "tok" || !got[0].HTTPOnly {
		t.Errorf("record did not round-trip: %+v", got[0])
	}
	if !got[0].Expires.Equal(records[0].Expires) {
		t.Errorf("expiry did not round-trip: %v", got[0].Expires)
	}
}

func TestCookieStorage_SaveOverwrites(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	_ = s.Save(ctx, "example.com", []fetch.Cookie{{Name: "cf_clearance", Value: "old"}})
	_ = s.Save(ctx, "example.com", []fetch.Cookie{{Name: "cf_clearance", Value: "new"}})

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := loaded["example.com"]
	if len(got) != 1 || got[0].Value != "new" {
		t.Errorf("expected overwritten record, got %v", got)
	}
}

func TestCookieStorage_Delete(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	_ = s.Save(ctx, "example.com", []fetch.Cookie{{Name: "a", Value: "1"}})
	if err := s.Delete(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}

	loaded, _ := s.Load(ctx)
	if len(loaded) != 0 {
		t.Errorf("expected empty storage after delete, got %v", loaded)
	}
}

func TestCookieStorage_DeleteMissingDomain(t *testing.T) {
	s := openTestStorage(t)
	if err := s.Delete(context.Background(), "never-saved.example"); err != nil {
		t.Errorf("deleting an unknown domain should not error: %v", err)
	}
}

func TestCookieStorage_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cookies")
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Save(ctx, "example.com", []fetch.Cookie{{Name: "a", Value: "1"}})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded["example.com"]; len(got) != 1 || got[0].Value != "1" {
		t.Errorf("records did not survive reopen: %v", loaded)
	}
}
