package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// NetworkFirst 让一次回源与计时器竞速：网络在超时前返回 200 时使用新鲜响应，
// 否则依次降级到 store、一次额外回源、文档的 shell 入口，最后是 408。
type NetworkFirst struct {
	executorBase
}

// NewNetworkFirst 构建 network-first 执行器。
func NewNetworkFirst(network *Network, opts Options, logger *logrus.Logger) *NetworkFirst {
	return &NetworkFirst{executorBase: newExecutorBase(network, opts, logger)}
}

// Execute implements Executor，使用配置的 NetworkTimeout 并写入 content store。
func (e *NetworkFirst) Execute(ctx context.Context, req *Request, stores *store.Set) Result {
	return e.Serve(ctx, req, stores, store.RoleContent, e.opts.NetworkTimeout)
}

type fetchOutcome struct {
	snapshot *store.Snapshot
	err      error
}

// Serve 执行一次竞速。输掉的一方通过共享的取消 context 停止，
// 结果落入带缓冲的 channel 后被丢弃；只有当前 goroutine 会写 store。
func (e *NetworkFirst) Serve(ctx context.Context, req *Request, stores *store.Set, role store.Role, timeout time.Duration) (result Result) {
	ctx, span := startSpan(ctx, "proxy.network_first", req)
	defer func() { endSpan(span, result) }()

	if timeout <= 0 {
		timeout = e.opts.NetworkTimeout
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := make(chan fetchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- fetchOutcome{err: fmt.Errorf("fetch panic: %v", r)}
			}
		}()
		snapshot, err := e.network.Fetch(raceCtx, req)
		outcome <- fetchOutcome{snapshot: snapshot, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var answered *store.Snapshot
	select {
	case out := <-outcome:
		if out.err == nil && out.snapshot != nil && out.snapshot.Status == http.StatusOK {
			result.Strategy = strategy.NetworkFirst
			result.Snapshot = out.snapshot
			result.Source = SourceNetwork
			result.Stored = e.put(ctx, req, stores.Get(role), out.snapshot)
			return result
		}
		if out.err != nil {
			result.Err = out.err
		} else {
			answered = out.snapshot
		}
	case <-timer.C:
		cancel()
		result.Err = fmt.Errorf("network timeout after %s", timeout)
	case <-ctx.Done():
		cancel()
		result.Err = ctx.Err()
	}

	return e.fallback(ctx, req, stores, role, answered, result.Err)
}

// fallback 是竞速失败后的降级链。answered 为上游在竞速内给出的非 200 响应，
// 它本身就是“一次额外回源”的结果，不再重复请求。
func (e *NetworkFirst) fallback(ctx context.Context, req *Request, stores *store.Set, role store.Role, answered *store.Snapshot, cause error) Result {
	result := Result{Strategy: strategy.NetworkFirst, Err: cause}

	if snapshot, _ := e.lookup(ctx, req, stores, role, store.RoleShell); snapshot != nil {
		result.Snapshot = snapshot
		result.Source = SourceStore
		return result
	}

	if answered != nil {
		result.Snapshot = answered
		result.Source = SourceNetwork
		return result
	}

	if ctx.Err() == nil {
		retryCtx, cancel := context.WithTimeout(ctx, e.opts.FallbackTimeout)
		snapshot, err := e.retry(retryCtx, req)
		cancel()
		if err == nil {
			result.Snapshot = snapshot
			result.Source = SourceNetwork
			return result
		}
		result.Err = err
	}

	if req.IsDocument() {
		if snapshot := e.shell(ctx, stores); snapshot != nil {
			result.Snapshot = snapshot
			result.Source = SourceShell
			return result
		}
	}

	result.Snapshot = NetworkError(e.opts.NetworkErrorText)
	result.Source = SourceOffline
	return result
}

func (e *NetworkFirst) retry(ctx context.Context, req *Request) (snapshot *store.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snapshot, err = nil, fmt.Errorf("fetch panic: %v", r)
		}
	}()
	return e.network.Fetch(ctx, req)
}
