package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage is the durable byte store holding one snapshot. Get returns nil
// data when nothing is stored.
type Storage interface {
	Get(ctx context.Context) ([]byte, error)
	Set(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

// MemoryStorage keeps the snapshot in process. It is safe for concurrent use.
type MemoryStorage struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Get implements Storage.
func (m *MemoryStorage) Get(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.writes++
	return nil
}

// Clear implements Storage.
func (m *MemoryStorage) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Writes returns how many times Set was called.
func (m *MemoryStorage) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FileStorage keeps the snapshot in one file, replaced atomically on
// every write.
type FileStorage struct {
	Path string
}

// NewFileStorage creates a FileStorage for path. The parent directory is
// created on first write.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{Path: path}
}

// Get implements Storage.
func (f *FileStorage) Get(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Set implements Storage. The data is written to a temporary file in the
// same directory, synced, and renamed over the target.
func (f *FileStorage) Set(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Clear implements Storage.
func (f *FileStorage) Clear(context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// RedisStorage keeps the snapshot under one Redis key.
type RedisStorage struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisStorage stores the snapshot at key. A zero ttl keeps it forever.
func NewRedisStorage(client redis.UniversalClient, key string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, key: key, ttl: ttl}
}

// Get implements Storage.
func (r *RedisStorage) Get(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return data, nil
}

// Set implements Storage.
func (r *RedisStorage) Set(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// Clear implements Storage.
func (r *RedisStorage) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key, err)
	}
	return nil
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
	_ Storage = (*SQLiteStorage)(nil)
)
