// Package memory provides the in-process storage backend used by tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"

	"github.com/kledx/shll-sub001/internal/storage"
)

// Store 是基于 map 的 KV 实现，读写均复制字节切片。
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New 创建空的内存存储。
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get 返回 key 对应值的副本。
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(value), nil
}

// Put 写入 key。
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = clone(value)
	return nil
}

// Delete 删除 key，不存在时静默返回。
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len 返回当前键数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close 实现 storage.KV。
func (s *Store) Close() error { return nil }

func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}

// Locker 为每个 key 维护一把进程内互斥锁。
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocker 创建进程内锁。
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

// Lock 阻塞直到获取 key 的锁或 ctx 结束。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
