package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
)

// ErrNoInstance 表示当前没有可以接收消息的实例。
var ErrNoInstance = errors.New("no lifecycle instance")

const drainPollInterval = 25 * time.Millisecond

// HostOptions 描述 Host 创建实例时共享的依赖。
type HostOptions struct {
	Provider     store.Provider
	Prefix       string
	Scope        *url.URL
	Manifest     []string
	Network      *proxy.Network
	Routes       *server.SiteRegistry
	DrainTimeout time.Duration
	Logger       *logrus.Logger
}

// instance 记录一个已激活实例及其在途请求数。
type instance struct {
	ctrl     *Controller
	inflight atomic.Int64
}

// Host 持有当前激活的实例与正在等待的新实例。升级串行执行，
// 因此一次激活完全结束前不会开始下一次安装。
type Host struct {
	opts   HostOptions
	logger *logrus.Logger

	upgradeMu sync.Mutex

	mu      sync.RWMutex
	active  *instance
	waiting *Controller
}

// NewHost 校验依赖并返回尚未启动的 Host。
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Provider == nil {
		return nil, errors.New("store provider required")
	}
	if opts.Scope == nil {
		return nil, errors.New("scope url required")
	}
	if opts.Prefix == "" {
		return nil, errors.New("store prefix required")
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Host{opts: opts, logger: logger}, nil
}

// Start 安装并激活首个实例，没有旧实例需要等待。
func (h *Host) Start(ctx context.Context, version string) error {
	return h.Upgrade(ctx, version)
}

// Upgrade 安装 version 对应的新实例，等待旧实例排空（或 skipWaiting / DrainTimeout），然后激活。
// 版本与当前激活实例相同时直接返回。
func (h *Host) Upgrade(ctx context.Context, version string) error {
	h.upgradeMu.Lock()
	defer h.upgradeMu.Unlock()

	if current := h.Active(); current != nil && current.Version() == version {
		return nil
	}

	registry, err := store.NewRegistry(h.opts.Prefix, version)
	if err != nil {
		return err
	}
	ctrl, err := NewController(Options{
		Provider: h.opts.Provider,
		Registry: registry,
		Scope:    h.opts.Scope,
		Manifest: h.opts.Manifest,
		Network:  h.opts.Network,
		Routes:   h.opts.Routes,
		Claim:    h.claim,
	}, h.logger)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.waiting = ctrl
	h.mu.Unlock()

	if err := ctrl.Install(ctx); err != nil {
		h.clearWaiting(ctrl)
		h.logger.WithFields(ctrl.fields("upgrade")).WithError(err).Error("lifecycle_install_failed")
		return err
	}

	reason := h.waitForDrain(ctx, ctrl)
	h.logger.WithFields(ctrl.fields("upgrade")).WithField("reason", reason).Info("lifecycle_wait_finished")

	if err := ctrl.Activate(ctx); err != nil {
		h.clearWaiting(ctrl)
		if ctrl.State() == StateActive {
			h.logger.WithFields(ctrl.fields("upgrade")).WithError(err).Warn("lifecycle_activate_degraded")
		} else {
			h.logger.WithFields(ctrl.fields("upgrade")).WithError(err).Error("lifecycle_activate_failed")
		}
		return err
	}
	return nil
}

// waitForDrain 返回结束等待的原因。
func (h *Host) waitForDrain(ctx context.Context, next *Controller) string {
	h.mu.RLock()
	old := h.active
	h.mu.RUnlock()
	if old == nil {
		return "no_active_instance"
	}

	timer := time.NewTimer(h.opts.DrainTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if old.inflight.Load() == 0 {
			return "drained"
		}
		select {
		case <-next.Waiting():
			return "skip_waiting"
		case <-timer.C:
			return "drain_timeout"
		case <-ctx.Done():
			return "canceled"
		case <-ticker.C:
		}
	}
}

// claim 由新实例的激活处理器调用：切换激活指针，旧实例进入 redundant。
func (h *Host) claim(ctrl *Controller) {
	h.mu.Lock()
	old := h.active
	h.active = &instance{ctrl: ctrl}
	if h.waiting == ctrl {
		h.waiting = nil
	}
	h.mu.Unlock()

	if old != nil && old.ctrl != ctrl {
		old.ctrl.Retire()
	}
}

func (h *Host) clearWaiting(ctrl *Controller) {
	h.mu.Lock()
	if h.waiting == ctrl {
		h.waiting = nil
	}
	h.mu.Unlock()
}

// Acquire implements proxy.StoreSource：返回激活实例的 store 集合，
// release 必须在请求结束时调用一次。
func (h *Host) Acquire() (*store.Set, func()) {
	h.mu.RLock()
	inst := h.active
	h.mu.RUnlock()
	if inst == nil {
		return nil, func() {}
	}
	inst.inflight.Add(1)
	var once sync.Once
	return inst.ctrl.Stores(), func() {
		once.Do(func() { inst.inflight.Add(-1) })
	}
}

// Active 返回当前激活的实例，尚未激活时为 nil。
func (h *Host) Active() *Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return nil
	}
	return h.active.ctrl
}

// Waiting 返回已创建但尚未激活的实例。
func (h *Host) Waiting() *Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Provider 返回底层 store provider，供诊断接口枚举磁盘上的 store。
func (h *Host) Provider() store.Provider {
	return h.opts.Provider
}

// Post 把消息投递给合适的实例：skipWaiting 优先发给等待中的实例，其余消息发给激活实例。
func (h *Host) Post(ctx context.Context, raw []byte, reply ReplyPort) error {
	h.mu.RLock()
	var target *Controller
	if h.active != nil {
		target = h.active.ctrl
	}
	if h.waiting != nil && (target == nil || PeekAction(raw) == ActionSkipWaiting) {
		target = h.waiting
	}
	h.mu.RUnlock()

	if target == nil {
		err := ErrNoInstance
		newOnceReply(reply).send(Ack{Success: false, Message: err.Error()})
		return err
	}
	return target.Post(ctx, raw, reply)
}

// InstanceStatus 是单个实例的诊断信息。
type InstanceStatus struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	State     State     `json:"state"`
	InFlight  int64     `json:"in_flight"`
	CreatedAt time.Time `json:"created_at"`
}

// Status 汇总激活与等待中的实例。
type Status struct {
	Active  *InstanceStatus `json:"active,omitempty"`
	Waiting *InstanceStatus `json:"waiting,omitempty"`
}

// Status 返回 Host 当前的诊断快照。
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var status Status
	if h.active != nil {
		status.Active = describe(h.active.ctrl)
		status.Active.InFlight = h.active.inflight.Load()
	}
	if h.waiting != nil {
		status.Waiting = describe(h.waiting)
	}
	return status
}

func describe(ctrl *Controller) *InstanceStatus {
	return &InstanceStatus{
		ID:        ctrl.ID(),
		Version:   ctrl.Version(),
		State:     ctrl.State(),
		CreatedAt: ctrl.createdAt,
	}
}

// String 便于日志输出。
func (s Status) String() string {
	active, waiting := "-", "-"
	if s.Active != nil {
		active = fmt.Sprintf("%s(%s)", s.Active.Version, s.Active.State)
	}
	if s.Waiting != nil {
		waiting = fmt.Sprintf("%s(%s)", s.Waiting.Version, s.Waiting.State)
	}
	return "active=" + active + " waiting=" + waiting
}
