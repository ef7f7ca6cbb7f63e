package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role 是 store 的逻辑用途。
type Role string

const (
	RoleShell   Role = "shell"
	RoleContent Role = "content"
	RoleAPI     Role = "api"
)

// Roles 返回全部角色，顺序固定。
func Roles() []Role {
	return []Role{RoleShell, RoleContent, RoleAPI}
}

// installedMarkerURL 标记 shell store 已完整预填充；它总是 install 最后写入的条目。
const installedMarkerURL = "urn:offline-hub:installed"

// Registry 描述某个版本下每个角色当前使用的 store 名称，创建后不可变。
type Registry struct {
	prefix  string
	version string
	names   map[Role]string
}

// NewRegistry 以 <prefix>-<role>-<version> 规则生成各角色的 store 名称。
func NewRegistry(prefix, version string) (*Registry, error) {
	prefix = strings.TrimSpace(prefix)
	version = strings.TrimSpace(version)
	if prefix == "" {
		return nil, errors.New("store prefix required")
	}
	if version == "" {
		return nil, errors.New("store version required")
	}

	names := make(map[Role]string, 3)
	for _, role := range Roles() {
		name := fmt.Sprintf("%s-%s-%s", prefix, role, version)
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		names[role] = name
	}
	return &Registry{prefix: prefix, version: version, names: names}, nil
}

// Version 返回 registry 对应的缓存版本。
func (r *Registry) Version() string {
	return r.version
}

// Current 返回角色当前的 store 名称。
func (r *Registry) Current(role Role) string {
	return r.names[role]
}

// Names 返回全部当前 store 名称（已排序）。
func (r *Registry) Names() []string {
	result := make([]string, 0, len(r.names))
	for _, name := range r.names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// IsCurrent 判断 name 是否属于当前 registry。
func (r *Registry) IsCurrent(name string) bool {
	for _, current := range r.names {
		if current == name {
			return true
		}
	}
	return false
}

// Stale 从已存在的 store 名称中筛出不属于当前 registry 的部分。
func (r *Registry) Stale(existing []string) []string {
	var stale []string
	for _, name := range existing {
		if !r.IsCurrent(name) {
			stale = append(stale, name)
		}
	}
	return stale
}

// Purge 删除 provider 中所有非当前 store，返回被删除的名称。
// 单个删除失败不会中断其余删除，错误最终合并返回。
func (r *Registry) Purge(ctx context.Context, provider Provider) ([]string, error) {
	existing, err := provider.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range r.Stale(existing) {
		ok, err := provider.Delete(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}

// InstalledMarker 返回 shell store 的安装完成标记 key。
func (r *Registry) InstalledMarker() Key {
	return Key{Method: "GET", URL: installedMarkerURL + ":" + r.version}
}

// IsMarker 判断 key 是否为内部标记，诊断输出时会被过滤。
func IsMarker(key Key) bool {
	return strings.HasPrefix(key.URL, installedMarkerURL)
}
