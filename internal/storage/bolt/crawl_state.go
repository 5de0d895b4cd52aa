// Package boltstore persists crawl state in a local bbolt file so a crawl
// can resume without refetching finished or permanently failed URLs.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/JakeFAU/ai-tool-finder/internal/crawler"
)

var (
	visitedBucket = []byte("visited")
	failedBucket  = []byte("failed")
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("crawl state store is closed")

// StateStore implements crawler.StateStore on bbolt.
type StateStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

// Open opens or creates the state file at path.
func Open(path string) (*StateStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o750); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{visitedBucket, failedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Close releases the file lock.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Load reads every recorded visit and failure.
func (s *StateStore) Load(_ context.Context) (crawler.CrawlSnapshot, error) {
	snap := crawler.CrawlSnapshot{
		Visited: make(map[string]time.Time),
		Failed:  make(map[string]crawler.FetchErrorKind),
	}
	err := s.view(func(tx *bolt.Tx) error {
		err := tx.Bucket(visitedBucket).ForEach(func(k, v []byte) error {
			var at time.Time
			if err := at.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("decode visit %s: %w", k, err)
			}
			snap.Visited[string(k)] = at
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(failedBucket).ForEach(func(k, v []byte) error {
			snap.Failed[string(k)] = crawler.FetchErrorKind(v)
			return nil
		})
	})
	if err != nil {
		return crawler.CrawlSnapshot{}, err
	}
	return snap, nil
}

// RecordVisit stores the fetch time of url and clears any failure for it.
func (s *StateStore) RecordVisit(_ context.Context, url string, at time.Time) error {
	value, err := at.UTC().MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode visit: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(failedBucket).Delete([]byte(url)); err != nil {
			return err
		}
		return tx.Bucket(visitedBucket).Put([]byte(url), value)
	})
}

// RecordFailure stores a permanent failure for url.
func (s *StateStore) RecordFailure(_ context.Context, url string, kind crawler.FetchErrorKind) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(failedBucket).Put([]byte(url), []byte(kind))
	})
}

// Reset forgets every visit and failure.
func (s *StateStore) Reset(_ context.Context) error {
	return s.update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{visitedBucket, failedBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("drop bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *StateStore) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *StateStore) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}
