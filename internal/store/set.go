package store

import (
	"context"
	"errors"
	"fmt"
)

// Set 持有某个 Registry 下全部当前 store 的句柄。
// 执行器只借用 Set 中的句柄，从不按名称重新打开 store，
// 因此激活阶段删除的旧 store 不会被迟到的请求重新创建。
type Set struct {
	registry *Registry
	handles  map[Role]Store
}

// OpenSet 为 registry 的每个角色打开 store。
func OpenSet(ctx context.Context, provider Provider, registry *Registry) (*Set, error) {
	if provider == nil || registry == nil {
		return nil, errors.New("provider and registry required")
	}
	handles := make(map[Role]Store, len(registry.names))
	for _, role := range Roles() {
		s, err := provider.Open(ctx, registry.Current(role))
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", role, err)
		}
		handles[role] = s
	}
	return &Set{registry: registry, handles: handles}, nil
}

// Registry 返回 Set 对应的 registry。
func (s *Set) Registry() *Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Get 返回角色对应的 store 句柄。
func (s *Set) Get(role Role) Store {
	if s == nil {
		return nil
	}
	return s.handles[role]
}

// Match 依次在 roles 对应的 store 中查找 key，返回命中的快照与角色。
// 非 ErrNotFound 的读错误会被收集返回，但不会中断后续 store 的查找。
func (s *Set) Match(ctx context.Context, key Key, roles ...Role) (*Snapshot, Role, error) {
	if s == nil {
		return nil, "", ErrNotFound
	}
	var errs []error
	for _, role := range roles {
		target := s.handles[role]
		if target == nil {
			continue
		}
		snapshot, err := target.Match(ctx, key)
		if err == nil {
			return snapshot, role, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", target.Name(), err))
		}
	}
	if len(errs) > 0 {
		return nil, "", errors.Join(errs...)
	}
	return nil, "", ErrNotFound
}
