package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/telemetry"
)

// ErrInstallFailed 表示 shell 预填充未能完整完成，实例被标记为 redundant。
var ErrInstallFailed = errors.New("install failed")

// manifestConcurrency 限制安装阶段并发拉取 shell 清单的请求数。
const manifestConcurrency = 4

// Options 是单个实例所需的依赖。
type Options struct {
	Provider store.Provider
	Registry *store.Registry
	// Scope 是 app 站点的 Upstream，清单与模块 key 相对它解析。
	Scope    *url.URL
	Manifest []string
	Network  *proxy.Network
	// Routes 为空时安装请求不附加站点代理与凭证。
	Routes *server.SiteRegistry
	// Claim 在激活阶段被调用，接管后续请求。
	Claim func(*Controller)
}

// Controller 驱动一个实例走完 installing → installed → activating → active。
type Controller struct {
	id         string
	opts       Options
	logger     *logrus.Logger
	dispatcher *Dispatcher
	createdAt  time.Time

	mu     sync.RWMutex
	state  State
	stores *store.Set

	skipOnce sync.Once
	skip     chan struct{}
}

// NewController 创建实例并注册内置的 install/activate/message 处理器。
func NewController(opts Options, logger *logrus.Logger) (*Controller, error) {
	if opts.Provider == nil {
		return nil, errors.New("store provider required")
	}
	if opts.Registry == nil {
		return nil, errors.New("store registry required")
	}
	if opts.Scope == nil {
		return nil, errors.New("scope url required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Controller{
		id:         uuid.NewString(),
		opts:       opts,
		logger:     logger,
		dispatcher: NewDispatcher(),
		createdAt:  time.Now().UTC(),
		state:      StateInstalling,
		skip:       make(chan struct{}),
	}
	for _, reg := range []struct {
		event Event
		name  string
		fn    HandlerFunc
	}{
		{EventInstall, "precache-shell", c.precacheShell},
		{EventActivate, "open-current-stores", c.openCurrent},
		{EventActivate, "purge-stale-stores", c.purgeStale},
		{EventActivate, "claim-clients", c.claimClients},
		{EventMessage, "message-channel", c.handleMessage},
	} {
		if err := c.dispatcher.On(reg.event, reg.name, reg.fn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ID 返回实例标识。
func (c *Controller) ID() string { return c.id }

// Version 返回实例对应的缓存版本。
func (c *Controller) Version() string { return c.opts.Registry.Version() }

// Registry 返回实例的 store registry。
func (c *Controller) Registry() *store.Registry { return c.opts.Registry }

// State 返回当前阶段。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stores 返回激活后持有的 store 句柄，激活前为 nil。
func (c *Controller) Stores() *store.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stores
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkTransition(c.state, to); err != nil {
		return err
	}
	from := c.state
	c.state = to
	c.logger.WithFields(c.fields("lifecycle_state")).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Info("lifecycle_transition")
	return nil
}

// Retire 把实例标记为 redundant。
func (c *Controller) Retire() {
	_ = c.transition(StateRedundant)
}

// SkipWaiting 解除安装完成后对旧实例排空的等待，可重复调用。
func (c *Controller) SkipWaiting() {
	c.skipOnce.Do(func() { close(c.skip) })
}

// Waiting 在收到 skipWaiting 后关闭。
func (c *Controller) Waiting() <-chan struct{} {
	return c.skip
}

// Install 运行 install 事件；任一处理器失败都会让实例进入 redundant。
func (c *Controller) Install(ctx context.Context) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lifecycle.install")
	span.SetAttributes(attribute.String("offline_hub.cache_version", c.Version()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if state := c.State(); state != StateInstalling {
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, state)
	}
	if err := c.dispatcher.Dispatch(ctx, EventInstall, nil); err != nil {
		c.Retire()
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	return c.transition(StateInstalled)
}

// Activate 运行 activate 事件：打开当前 store，删除非当前 store，然后接管请求。
// 当前 store 打不开时不做清理，旧实例的 store 保持可用；清理失败不会阻止接管，错误仍然返回给调用方。
func (c *Controller) Activate(ctx context.Context) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lifecycle.activate")
	span.SetAttributes(attribute.String("offline_hub.cache_version", c.Version()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.transition(StateActivating); err != nil {
		return err
	}
	dispatchErr := c.dispatcher.Dispatch(ctx, EventActivate, nil)
	if c.Stores() == nil {
		c.Retire()
		return fmt.Errorf("activate %s: %w", c.Version(), dispatchErr)
	}
	if err := c.transition(StateActive); err != nil {
		return errors.Join(dispatchErr, err)
	}
	return dispatchErr
}

// Post 投递一条消息；reply 可为空。失败时会向 reply 发送 success=false 的确认。
func (c *Controller) Post(ctx context.Context, raw []byte, reply ReplyPort) error {
	env := &envelope{raw: raw, reply: newOnceReply(reply)}
	err := c.dispatcher.Dispatch(ctx, EventMessage, env)
	if err != nil {
		env.reply.send(Ack{Success: false, Message: err.Error()})
	}
	return err
}

func (c *Controller) precacheShell(ctx context.Context, _ any) error {
	shellName := c.opts.Registry.Current(store.RoleShell)
	marker := c.opts.Registry.InstalledMarker()

	exists, err := c.opts.Provider.Has(ctx, shellName)
	if err != nil {
		return fmt.Errorf("lookup shell store: %w", err)
	}
	if exists {
		shell, err := c.opts.Provider.Open(ctx, shellName)
		if err != nil {
			return fmt.Errorf("open shell store: %w", err)
		}
		if _, err := shell.Match(ctx, marker); err == nil {
			c.logger.WithFields(c.fields("install")).WithField("store", shellName).Info("shell_install_resumed")
			return nil
		}
		// 没有完成标记说明上次安装中断，整体重建
		if _, err := c.opts.Provider.Delete(ctx, shellName); err != nil {
			return fmt.Errorf("reset partial shell store: %w", err)
		}
	}

	keys, snapshots, err := c.fetchManifest(ctx)
	if err != nil {
		return err
	}

	shell, err := c.opts.Provider.Open(ctx, shellName)
	if err != nil {
		return fmt.Errorf("open shell store: %w", err)
	}
	for i, key := range keys {
		if err := shell.Put(ctx, key, snapshots[i]); err != nil {
			c.discardShell(shellName)
			return fmt.Errorf("store shell entry %s: %w", key, err)
		}
		c.logger.WithFields(c.fields("install")).
			WithFields(logging.StoreFields(shellName, key.String(), snapshots[i].Size())).
			Debug("shell_entry_stored")
	}

	if err := shell.Put(ctx, marker, &store.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(c.Version()),
	}); err != nil {
		c.discardShell(shellName)
		return fmt.Errorf("store install marker: %w", err)
	}

	c.logger.WithFields(c.fields("install")).
		WithField("store", shellName).
		WithField("entries", len(keys)).
		Info("shell_installed")
	return nil
}

// fetchManifest 并发拉取全部清单条目，任一条目失败或非 2xx 都使整体失败。
func (c *Controller) fetchManifest(ctx context.Context) ([]store.Key, []*store.Snapshot, error) {
	keys := make([]store.Key, 0, len(c.opts.Manifest))
	seen := make(map[store.Key]struct{}, len(c.opts.Manifest))
	for _, ref := range c.opts.Manifest {
		key, err := store.ResolveKey(c.opts.Scope, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve manifest entry %q: %w", ref, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	snapshots := make([]*store.Snapshot, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			target, err := url.Parse(key.URL)
			if err != nil {
				return fmt.Errorf("parse manifest url %s: %w", key.URL, err)
			}
			req := proxy.NewRequest(http.MethodGet, target)
			if route, ok := c.opts.Routes.RouteForURL(target); ok {
				req.Route = route
			}
			snapshot, err := c.opts.Network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key.URL, err)
			}
			if snapshot.Status < 200 || snapshot.Status > 299 {
				return fmt.Errorf("fetch %s: unexpected status %d", key.URL, snapshot.Status)
			}
			snapshots[i] = snapshot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return keys, snapshots, nil
}

func (c *Controller) discardShell(name string) {
	// 使用独立 context，确保请求取消时依然能清理
	if _, err := c.opts.Provider.Delete(context.Background(), name); err != nil {
		c.logger.WithFields(c.fields("install")).WithError(err).WithField("store", name).Warn("shell_discard_failed")
	}
}

func (c *Controller) openCurrent(ctx context.Context, _ any) error {
	set, err := store.OpenSet(ctx, c.opts.Provider, c.opts.Registry)
	if err != nil {
		c.logger.WithFields(c.fields("activate")).WithError(err).Error("current_stores_open_failed")
		return err
	}
	c.mu.Lock()
	c.stores = set
	c.mu.Unlock()
	return nil
}

func (c *Controller) purgeStale(ctx context.Context, _ any) error {
	if c.Stores() == nil {
		c.logger.WithFields(c.fields("activate")).Warn("stale_store_purge_skipped")
		return nil
	}
	deleted, err := c.opts.Registry.Purge(ctx, c.opts.Provider)
	entry := c.logger.WithFields(c.fields("activate")).WithField("deleted", deleted)
	if err != nil {
		entry.WithError(err).Warn("stale_store_purge_failed")
		return err
	}
	entry.Info("stale_stores_purged")
	return nil
}

func (c *Controller) claimClients(_ context.Context, _ any) error {
	if c.Stores() == nil {
		return nil
	}
	if c.opts.Claim != nil {
		c.opts.Claim(c)
	}
	c.logger.WithFields(c.fields("activate")).Info("clients_claimed")
	return nil
}

func (c *Controller) handleMessage(ctx context.Context, payload any) error {
	env, ok := payload.(*envelope)
	if !ok || env == nil {
		return fmt.Errorf("%w: unexpected payload %T", ErrInvalidMessage, payload)
	}
	msg, err := ParseMessage(env.raw)
	if err != nil {
		return err
	}

	switch msg.Action {
	case ActionSkipWaiting:
		c.SkipWaiting()
		env.reply.send(Ack{Success: true, Message: "skip waiting requested"})
		return nil
	case ActionCacheModule:
		return c.cacheModule(ctx, msg, env.reply)
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, msg.Action)
}

func (c *Controller) cacheModule(ctx context.Context, msg Message, reply *onceReply) error {
	key, err := ModuleKey(c.opts.Scope, msg.ModuleID)
	if err != nil {
		return err
	}
	content, err := c.contentStore(ctx)
	if err != nil {
		return err
	}
	snapshot := &store.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   msg.Module,
	}
	if err := content.Put(ctx, key, snapshot); err != nil {
		return fmt.Errorf("cache module %s: %w", msg.ModuleID, err)
	}

	c.logger.WithFields(c.fields("message")).
		WithFields(logging.StoreFields(content.Name(), key.String(), snapshot.Size())).
		Info("module_cached")
	reply.send(Ack{Success: true, Message: "Module cached successfully"})
	return nil
}

// contentStore 在激活前也允许写入模块：直接打开当前版本的 content store。
func (c *Controller) contentStore(ctx context.Context) (store.Store, error) {
	if set := c.Stores(); set != nil {
		if content := set.Get(store.RoleContent); content != nil {
			return content, nil
		}
	}
	return c.opts.Provider.Open(ctx, c.opts.Registry.Current(store.RoleContent))
}

func (c *Controller) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"instance_id":   c.id,
		"cache_version": c.Version(),
	}
}
