package store

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Store 是一个具名的持久化 key → response 映射。Put 对调用方而言是原子的：
// 读者要么看到旧值，要么看到完整的新值，同 key 并发写入以最后一次为准。
type Store interface {
	// Name 返回 store 名称，与 Registry 中的名称一一对应。
	Name() string

	// Match 查找 key 对应的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入（覆盖）key 对应的快照。
	Put(ctx context.Context, key Key, snapshot *Snapshot) error

	// Delete 删除单个条目，条目不存在不视为错误。
	Delete(ctx context.Context, key Key) error

	// Keys 列出当前 store 中的全部 key，主要供诊断接口使用。
	Keys(ctx context.Context) ([]Key, error)
}

// Provider 对应 open/list/delete 具名 store 的外部能力，要求跨进程重启持久。
type Provider interface {
	// Open 打开（必要时创建）名为 name 的 store。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断 store 是否已存在，不会创建。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个 store，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回当前存在的全部 store 名称（已排序）。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Snapshot 是写入时刻捕获的响应副本（状态码、头部、正文）。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝快照，调用方拿到的副本可以随意修改而不影响 store 内容。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if s.Body != nil {
		cloned.Body = append([]byte(nil), s.Body...)
	}
	return cloned
}

// Size 返回正文字节数。
func (s *Snapshot) Size() int64 {
	if s == nil {
		return 0
	}
	return int64(len(s.Body))
}

var (
	// ErrNotFound 表示 store 中不存在该条目。
	ErrNotFound = errors.New("store entry not found")
	// ErrInvalidName 表示 store 名称不合法（为空或包含路径分隔符）。
	ErrInvalidName = errors.New("invalid store name")
)
