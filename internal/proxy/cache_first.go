package proxy

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// CacheFirst 优先返回 store 中的副本；未命中时回源并写入 store。
// 命中时完全不访问网络，静态资源可以容忍陈旧。
type CacheFirst struct {
	executorBase
	group singleflight.Group
}

// NewCacheFirst 构建 cache-first 执行器。
func NewCacheFirst(network *Network, opts Options, logger *logrus.Logger) *CacheFirst {
	return &CacheFirst{executorBase: newExecutorBase(network, opts, logger)}
}

// Execute implements Executor，写入 content store。
func (e *CacheFirst) Execute(ctx context.Context, req *Request, stores *store.Set) Result {
	return e.Serve(ctx, req, stores, store.RoleContent)
}

type cacheFirstFetch struct {
	snapshot *store.Snapshot
	stored   bool
}

// Serve 在 role 对应的 store（其次 shell store）中查找；未命中则回源，任何状态码的响应都写入 role store。
func (e *CacheFirst) Serve(ctx context.Context, req *Request, stores *store.Set, role store.Role) (result Result) {
	ctx, span := startSpan(ctx, "proxy.cache_first", req)
	defer func() { endSpan(span, result) }()

	result.Strategy = strategy.CacheFirst
	if snapshot, _ := e.lookup(ctx, req, stores, role, store.RoleShell); snapshot != nil {
		result.Snapshot = snapshot
		result.Source = SourceStore
		return result
	}

	if !req.IsGet() {
		snapshot, err := e.network.Fetch(ctx, req)
		if err != nil {
			result.Snapshot = NetworkError(e.opts.NetworkErrorText)
			result.Source = SourceOffline
			result.Err = err
			return result
		}
		result.Snapshot = snapshot
		result.Source = SourceNetwork
		return result
	}

	// 同一 key 的并发未命中只回源一次、写入一次。
	// 共享的 fetch 不跟随单个调用方取消，避免先到者断开导致其余等待者一起失败。
	flightKey := req.Key().String()
	if target := stores.Get(role); target != nil {
		flightKey = target.Name() + "|" + flightKey
	}
	shared := context.WithoutCancel(ctx)
	value, err, _ := e.group.Do(flightKey, func() (interface{}, error) {
		snapshot, err := e.network.Fetch(shared, req)
		if err != nil {
			return nil, err
		}
		stored := e.put(shared, req, stores.Get(role), snapshot)
		return cacheFirstFetch{snapshot: snapshot, stored: stored}, nil
	})
	if err != nil {
		result.Snapshot = NetworkError(e.opts.NetworkErrorText)
		result.Source = SourceOffline
		result.Err = err
		return result
	}

	fetched := value.(cacheFirstFetch)
	result.Snapshot = fetched.snapshot.Clone()
	result.Source = SourceNetwork
	result.Stored = fetched.stored
	return result
}
