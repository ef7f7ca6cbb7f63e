package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// 支持的 store 后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

// OpenProvider 根据配置的后端名称构建 Provider，basePath 为 StoragePath。
func OpenProvider(backend, basePath string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewFileProvider(basePath)
	case BackendSQLite:
		if err := ensureDir(basePath); err != nil {
			return nil, err
		}
		return NewSQLiteProvider(filepath.Join(basePath, SQLiteFileName))
	case BackendMemory:
		return NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
