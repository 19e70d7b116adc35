// Package rediskv implements kv.Store on Redis so the persistent cache tier
// can be shared between replicas.
package rediskv

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/kv"
	"github.com/mohammed-shakir/listing-overlay/internal/cache/redisstore"
)

type Store struct {
	cli       *redisstore.Client
	namespace string
	maxKeys   int
}

var _ kv.Store = (*Store)(nil)

// New scopes all keys under namespace. maxKeys <= 0 disables the quota.
func New(cli *redisstore.Client, namespace string, maxKeys int) *Store {
	return &Store{cli: cli, namespace: namespace, maxKeys: maxKeys}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	b, ok, err := s.cli.Get(ctx, s.namespace+key)
	if err != nil {
		return "", fmt.Errorf("rediskv get: %w", err)
	}
	if !ok {
		return "", kv.ErrNotFound
	}
	return string(b), nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if s.maxKeys > 0 {
		full := s.namespace + key
		if exists, err := s.cli.Exists(ctx, full); err == nil && !exists {
			ks, err := s.cli.ScanPrefix(ctx, s.namespace)
			if err != nil {
				return fmt.Errorf("rediskv quota check: %w", err)
			}
			if len(ks) >= s.maxKeys {
				return kv.ErrQuotaExceeded
			}
		}
	}
	if err := s.cli.Set(ctx, s.namespace+key, []byte(value), 0); err != nil {
		return fmt.Errorf("rediskv set: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.cli.Del(ctx, s.namespace+key); err != nil {
		return fmt.Errorf("rediskv remove: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	ks, err := s.cli.ScanPrefix(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("rediskv keys: %w", err)
	}
	out := make([]string, 0, len(ks))
	for _, k := range ks {
		out = append(out, strings.TrimPrefix(k, s.namespace))
	}
	return out, nil
}
