package proxy

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// API 直接回源，不与计时器竞速：静默回退到旧数据对非幂等调用并不安全。
// 只有网络失败才会读取 API store，上游的非 200 响应原样透传。
type API struct {
	executorBase
}

// NewAPI 构建 API 执行器。
func NewAPI(network *Network, opts Options, logger *logrus.Logger) *API {
	return &API{executorBase: newExecutorBase(network, opts, logger)}
}

// Execute implements Executor.
func (e *API) Execute(ctx context.Context, req *Request, stores *store.Set) Result {
	return e.Serve(ctx, req, stores)
}

// Serve 回源；200 的 GET 响应写入 API store；网络失败时 GET 读 API store，否则返回 503 离线响应。
func (e *API) Serve(ctx context.Context, req *Request, stores *store.Set) (result Result) {
	ctx, span := startSpan(ctx, "proxy.api", req)
	defer func() { endSpan(span, result) }()

	result.Strategy = strategy.API
	snapshot, err := e.network.Fetch(ctx, req)
	if err == nil {
		result.Snapshot = snapshot
		result.Source = SourceNetwork
		if snapshot.Status == http.StatusOK {
			result.Stored = e.put(ctx, req, stores.Get(store.RoleAPI), snapshot)
		}
		return result
	}

	result.Err = err
	if cached, _ := e.lookup(ctx, req, stores, store.RoleAPI); cached != nil {
		result.Snapshot = cached
		result.Source = SourceStore
		return result
	}

	result.Snapshot = OfflineAPIError(e.opts.OfflineMessage)
	result.Source = SourceOffline
	return result
}
