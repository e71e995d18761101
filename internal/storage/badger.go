// Package storage provides the durable key-value collaborator for the cookie
// store, backed by Badger via badgerhold.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// cookieSet is the persisted collection of cookie records for one domain.
type cookieSet struct {
	Domain    string `badgerhold:"key"`
	Cookies   []fetch.Cookie
	UpdatedAt time.Time
}

// CookieStorage implements cookies.Storage on a Badger database.
type CookieStorage struct {
	store *badgerhold.Store
}

// Open opens (or creates) the database at path.
func Open(path string) (*CookieStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // badger's own logger is noisy; we log ourselves

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug("cookie database opened", "path", path)
	return &CookieStorage{store: store}, nil
}

// Load returns all persisted cookie collections keyed by domain.
func (s *CookieStorage) Load(ctx context.Context) (map[string][]fetch.Cookie, error) {
	var sets []cookieSet
	if err := s.store.Find(&sets, nil); err != nil {
		return nil, fmt.Errorf("failed to load cookie sets: %w", err)
	}

	out := make(map[string][]fetch.Cookie, len(sets))
	for _, set := range sets {
		out[set.Domain] = set.Cookies
	}
	return out, nil
}

// Save upserts the domain's cookie collection.
func (s *CookieStorage) Save(ctx context.Context, domain string, records []fetch.Cookie) error {
	set := cookieSet{
		Domain:    domain,
		Cookies:   records,
		UpdatedAt: time.Now(),
	}
	if err := s.store.Upsert(domain, &set); err != nil {
		return fmt.Errorf("failed to save cookie set for %s: %w", domain, err)
	}
	return nil
}

// Delete removes the domain's cookie collection. Deleting a domain that was
// never saved is not an error.
func (s *CookieStorage) Delete(ctx context.Context, domain string) error {
	err := s.store.Delete(domain, cookieSet{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete cookie set for %s: %w", domain, err)
	}
	return nil
}

// Close closes the database.
func (s *CookieStorage) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
