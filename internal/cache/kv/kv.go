// Package kv defines the synchronous string store backing the persistent
// cache tier, plus an in-process implementation.
package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound      = errors.New("kv: key not found")
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
)

// Store is a key to string store with a fixed quota. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Memory keeps everything in a map. QuotaBytes <= 0 means unbounded.
type Memory struct {
	QuotaBytes int

	mu   sync.RWMutex
	m    map[string]string
	used int
}

var _ Store = (*Memory)(nil)

func NewMemory(quotaBytes int) *Memory {
	return &Memory{QuotaBytes: quotaBytes, m: map[string]string{}}
}

func (s *Memory) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]string{}
	}
	next := s.used + len(key) + len(value)
	if old, ok := s.m[key]; ok {
		next -= len(key) + len(old)
	}
	if s.QuotaBytes > 0 && next > s.QuotaBytes {
		return ErrQuotaExceeded
	}
	s.m[key] = value
	s.used = next
	return nil
}

func (s *Memory) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.m[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.m, key)
	}
	return nil
}

func (s *Memory) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Used reports the bytes currently counted against the quota.
func (s *Memory) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}
