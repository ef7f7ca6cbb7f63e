package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// Source 标识最终响应的来源。
type Source string

const (
	SourceNetwork Source = "network"
	SourceStore   Source = "store"
	SourceShell   Source = "shell"
	SourceOffline Source = "offline"
)

// Result 是执行器的输出：总是携带一个完整的响应快照。
type Result struct {
	Snapshot *store.Snapshot
	Source   Source
	Strategy strategy.Strategy
	// Stored 表示本次响应是否写入了 store。
	Stored bool
	// Err 记录导致降级的网络错误，仅用于日志。
	Err error
}

// CacheHit 表示响应来自本地 store。
func (r Result) CacheHit() bool {
	return r.Source == SourceStore || r.Source == SourceShell
}

// NetworkError 是非 API 路径的通用网络错误响应：408 + 纯文本。
func NetworkError(text string) *store.Snapshot {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &store.Snapshot{
		Status:   http.StatusRequestTimeout,
		Header:   header,
		Body:     []byte(text),
		StoredAt: time.Now().UTC(),
	}
}

type offlinePayload struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// OfflineAPIError 是 API 路径的离线响应：503 + {"error":true,"message":...}。
func OfflineAPIError(message string) *store.Snapshot {
	body, _ := json.Marshal(offlinePayload{Error: true, Message: message})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &store.Snapshot{
		Status:   http.StatusServiceUnavailable,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}
