package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryProvider 返回进程内的 Provider，重启即丢失，适合测试与临时部署。
func NewMemoryProvider() Provider {
	return &memoryProvider{stores: make(map[string]*memoryStore)}
}

type memoryProvider struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

func (p *memoryProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[name]
	if !ok {
		s = &memoryStore{name: name, entries: make(map[Key]*Snapshot)}
		p.stores[name] = s
	}
	return s, nil
}

func (p *memoryProvider) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.stores[name]
	return ok, nil
}

func (p *memoryProvider) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[name]
	if !ok {
		return false, nil
	}
	delete(p.stores, name)
	s.drop()
	return true, nil
}

func (p *memoryProvider) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.stores))
	for name := range p.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *memoryProvider) Close() error {
	return nil
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[Key]*Snapshot
	dropped bool
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.entries[key]
	if !ok || s.dropped {
		return nil, ErrNotFound
	}
	return snapshot.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	stored := snapshot.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		// 已删除的 store 句柄写入无效，和磁盘实现的“目录已移除”语义保持一致
		return ErrNotFound
	}
	s.entries[key] = stored
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *memoryStore) drop() {
	s.mu.Lock()
	s.dropped = true
	s.entries = make(map[Key]*Snapshot)
	s.mu.Unlock()
}
