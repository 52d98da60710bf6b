// Package storage provides the durable local key-value slots the exam client
// keeps its answer queue and answer backups in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stemsi/exstem-sync/internal/config"
)

// ErrUnavailable is returned by backends that cannot currently persist.
var ErrUnavailable = errors.New("storage unavailable")

// Storage is a string key-value store that survives process restarts.
// Get reports ok=false for absent keys.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Open returns the backend named by cfg.Storage. The caller owns the
// returned closer.
func Open(ctx context.Context, cfg config.ClientConfig) (Storage, func() error, error) {
	switch cfg.Storage {
	case config.StorageMemory, "":
		return NewMemory(), func() error { return nil }, nil
	case config.StorageSQLite:
		s, err := NewSQLite(cfg.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StorageRedis:
		s, err := NewRedis(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StorageMongo:
		s, err := NewMongo(ctx, cfg.StorageDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return s.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// Memory is an in-process Storage. SetFailing simulates a full or
// unavailable store.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]string
	failing bool
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrUnavailable
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// SetFailing makes subsequent Set calls fail (true) or succeed (false).
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}
