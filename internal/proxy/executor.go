package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/telemetry"
)

// Executor 以某种策略满足单个请求。实现必须总是返回完整的响应，不得 panic 到调用方之外。
type Executor interface {
	Execute(ctx context.Context, req *Request, stores *store.Set) Result
}

// Options 汇总执行器共享的策略参数。
type Options struct {
	NetworkTimeout   time.Duration
	FallbackTimeout  time.Duration
	MaxEntrySize     int64
	NetworkErrorText string
	OfflineMessage   string
	// ShellKey 是文档兜底使用的 shell 入口。
	ShellKey store.Key
}

func (o Options) withDefaults() Options {
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = 3 * time.Second
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = time.Second
	}
	if o.NetworkErrorText == "" {
		o.NetworkErrorText = "Network error happened"
	}
	if o.OfflineMessage == "" {
		o.OfflineMessage = "You are offline. Please check your connection and try again."
	}
	return o
}

// executorBase 提供 store 读写与日志的公共逻辑。
type executorBase struct {
	network *Network
	opts    Options
	logger  *logrus.Logger
}

func newExecutorBase(network *Network, opts Options, logger *logrus.Logger) executorBase {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return executorBase{network: network, opts: opts.withDefaults(), logger: logger}
}

// lookup 在 roles 中查找条目；读错误按未命中处理并记录告警。
func (b *executorBase) lookup(ctx context.Context, req *Request, stores *store.Set, roles ...store.Role) (*store.Snapshot, store.Role) {
	if !req.IsGet() || stores == nil {
		return nil, ""
	}
	snapshot, role, err := stores.Match(ctx, req.Key(), roles...)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "store_match",
				"key":        req.Key().String(),
				"request_id": req.RequestID,
			}).Warn("store_match_failed")
		}
		return nil, ""
	}
	return snapshot, role
}

// put 把快照副本写入 target，只接受 GET 且不超过 MaxEntrySize 的响应。
func (b *executorBase) put(ctx context.Context, req *Request, target store.Store, snapshot *store.Snapshot) bool {
	if !req.IsGet() || target == nil || snapshot == nil {
		return false
	}
	key := req.Key()
	fields := logging.StoreFields(target.Name(), key.String(), snapshot.Size())
	fields["request_id"] = req.RequestID
	fields["action"] = "store_put"
	if !storableStatus(snapshot.Status) {
		b.logger.WithFields(fields).Info("store_put_skipped_status")
		return false
	}
	if b.opts.MaxEntrySize > 0 && snapshot.Size() > b.opts.MaxEntrySize {
		b.logger.WithFields(fields).Info("store_put_skipped_oversize")
		return false
	}
	if err := target.Put(ctx, key, snapshot.Clone()); err != nil {
		b.logger.WithError(err).WithFields(fields).Warn("store_put_failed")
		return false
	}
	b.logger.WithFields(fields).Debug("store_put")
	return true
}

// storableStatus 排除只对单个请求方成立的部分响应与协商响应。
func storableStatus(status int) bool {
	return status != http.StatusPartialContent && status != http.StatusNotModified
}

// shell 返回 shell store 中缓存的入口页面。
func (b *executorBase) shell(ctx context.Context, stores *store.Set) *store.Snapshot {
	shellStore := stores.Get(store.RoleShell)
	if shellStore == nil || b.opts.ShellKey.URL == "" {
		return nil
	}
	snapshot, err := shellStore.Match(ctx, b.opts.ShellKey)
	if err != nil {
		return nil
	}
	return snapshot
}

func startSpan(ctx context.Context, name string, req *Request) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, name)
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("offline_hub.destination", string(req.Descriptor.Destination)),
	)
	return ctx, span
}

func endSpan(span trace.Span, result Result) {
	span.SetAttributes(
		attribute.String("offline_hub.source", string(result.Source)),
		attribute.Bool("offline_hub.stored", result.Stored),
	)
	if result.Snapshot != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", result.Snapshot.Status))
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	span.End()
}
