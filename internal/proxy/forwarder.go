package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// Forwarder 根据策略选择执行器，并保证任何内部故障都被转换为合法的合成响应。
type Forwarder struct {
	mu        sync.RWMutex
	executors map[strategy.Strategy]Executor
	network   *Network
	opts      Options
	logger    *logrus.Logger
}

// NewForwarder 创建 Forwarder。network 用于尚无激活 store 时的直通请求。
func NewForwarder(network *Network, opts Options, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{
		executors: make(map[strategy.Strategy]Executor),
		network:   network,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// NewDefaultForwarder 注册三种内置执行器。
func NewDefaultForwarder(network *Network, opts Options, logger *logrus.Logger) *Forwarder {
	f := NewForwarder(network, opts, logger)
	f.MustRegister(StrategyRegistration{Strategy: strategy.API, Executor: NewAPI(network, opts, logger)})
	f.MustRegister(StrategyRegistration{Strategy: strategy.NetworkFirst, Executor: NewNetworkFirst(network, opts, logger)})
	f.MustRegister(StrategyRegistration{Strategy: strategy.CacheFirst, Executor: NewCacheFirst(network, opts, logger)})
	return f
}

// Dispatch 调用策略对应的执行器；缺失或 panic 时返回合成响应。
func (f *Forwarder) Dispatch(ctx context.Context, s strategy.Strategy, req *Request, stores *store.Set) (result Result) {
	executor := f.lookup(s)
	if executor == nil {
		f.logStrategyError(req, s, "strategy_handler_missing", nil)
		return f.synthetic(s, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			f.logStrategyError(req, s, "strategy_handler_panic", err)
			result = f.synthetic(s, err)
		}
	}()

	result = executor.Execute(ctx, req, stores)
	if result.Snapshot == nil {
		result = f.synthetic(s, result.Err)
	}
	return result
}

// PassThrough 在没有激活 store 时直接回源，网络失败同样返回合成响应。
func (f *Forwarder) PassThrough(ctx context.Context, s strategy.Strategy, req *Request) Result {
	snapshot, err := f.network.Fetch(ctx, req)
	if err != nil {
		return f.synthetic(s, err)
	}
	return Result{Snapshot: snapshot, Source: SourceNetwork, Strategy: s}
}

// Strategies 返回已注册的策略，供诊断输出。
func (f *Forwarder) Strategies() []strategy.Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	result := make([]strategy.Strategy, 0, len(f.executors))
	for s := range f.executors {
		result = append(result, s)
	}
	return result
}

func (f *Forwarder) lookup(s strategy.Strategy) Executor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.executors[normalizeStrategy(s)]
}

func (f *Forwarder) synthetic(s strategy.Strategy, err error) Result {
	if s == strategy.API {
		return Result{Snapshot: OfflineAPIError(f.opts.OfflineMessage), Source: SourceOffline, Strategy: s, Err: err}
	}
	return Result{Snapshot: NetworkError(f.opts.NetworkErrorText), Source: SourceOffline, Strategy: s, Err: err}
}

func (f *Forwarder) logStrategyError(req *Request, s strategy.Strategy, code string, err error) {
	fields := routeFields(routeOf(req), string(s), "", false)
	fields["action"] = "proxy"
	fields["error"] = code
	if req != nil && req.RequestID != "" {
		fields["request_id"] = req.RequestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("strategy handler unavailable")
}

func routeOf(req *Request) *server.SiteRoute {
	if req == nil {
		return nil
	}
	return req.Route
}

func routeFields(route *server.SiteRoute, s, source string, cacheHit bool) logrus.Fields {
	if route == nil {
		return logging.RequestFields("", "", "", "", s, source, cacheHit)
	}
	return logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.Type,
		route.Config.AuthMode(),
		s,
		source,
		cacheHit,
	)
}
