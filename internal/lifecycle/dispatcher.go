package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Event 是 Dispatcher 支持的事件类型。
type Event string

const (
	EventInstall  Event = "install"
	EventActivate Event = "activate"
	EventMessage  Event = "message"
)

// HandlerFunc 处理一次事件；返回即代表该处理器已完成。
type HandlerFunc func(ctx context.Context, payload any) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// ErrHandlerExists 表示同一事件下已注册同名处理器。
var ErrHandlerExists = errors.New("lifecycle handler already registered")

// Dispatcher 按注册顺序依次执行某个事件的全部处理器。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Event][]namedHandler
}

// NewDispatcher 返回空的 Dispatcher。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Event][]namedHandler)}
}

// On 注册处理器，名称在同一事件内必须唯一。
func (d *Dispatcher) On(event Event, name string, fn HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name required")
	}
	if fn == nil {
		return errors.New("handler func required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.handlers[event] {
		if existing.name == name {
			return fmt.Errorf("%w: %s/%s", ErrHandlerExists, event, name)
		}
	}
	d.handlers[event] = append(d.handlers[event], namedHandler{name: name, fn: fn})
	return nil
}

// Handlers 返回事件下的处理器名称，供诊断输出。
func (d *Dispatcher) Handlers(event Event) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers[event]))
	for _, h := range d.handlers[event] {
		names = append(names, h.name)
	}
	return names
}

// Dispatch 依次运行全部处理器并在它们都完成后返回；
// 单个处理器失败不会跳过后续处理器，错误最终合并返回。
func (d *Dispatcher) Dispatch(ctx context.Context, event Event, payload any) error {
	d.mu.RLock()
	handlers := append([]namedHandler(nil), d.handlers[event]...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := runHandler(ctx, h, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", event, h.name, err))
		}
	}
	return errors.Join(errs...)
}

func runHandler(ctx context.Context, h namedHandler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx, payload)
}
