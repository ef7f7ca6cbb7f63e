package lifecycle

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/any-hub/offline-hub/internal/store"
)

const (
	ActionSkipWaiting = "skipWaiting"
	ActionCacheModule = "cacheModule"
)

var (
	// ErrInvalidMessage 表示消息不是合法 JSON 或缺少必需字段。
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownAction 表示 action 不在支持的范围内。
	ErrUnknownAction = errors.New("unknown message action")
)

// Message 是消息通道上的一条入站消息。Module 保留原始 JSON，写入 store 时不做重新编码。
type Message struct {
	Action   string
	ModuleID string
	Module   []byte
}

// ParseMessage 解析 {action, module:{id, ...}}。
func ParseMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, fmt.Errorf("%w: malformed json", ErrInvalidMessage)
	}
	parsed := gjson.ParseBytes(raw)
	msg := Message{Action: strings.TrimSpace(parsed.Get("action").String())}

	switch msg.Action {
	case ActionSkipWaiting:
		return msg, nil
	case ActionCacheModule:
		module := parsed.Get("module")
		if !module.IsObject() {
			return msg, fmt.Errorf("%w: module object required", ErrInvalidMessage)
		}
		id := module.Get("id")
		if !id.Exists() || strings.TrimSpace(id.String()) == "" {
			return msg, fmt.Errorf("%w: module id required", ErrInvalidMessage)
		}
		msg.ModuleID = strings.TrimSpace(id.String())
		msg.Module = []byte(module.Raw)
		return msg, nil
	case "":
		return msg, fmt.Errorf("%w: action required", ErrInvalidMessage)
	default:
		return msg, fmt.Errorf("%w: %s", ErrUnknownAction, msg.Action)
	}
}

// PeekAction 只读取 action 字段，Host 用它决定消息投递给哪个实例。
func PeekAction(raw []byte) string {
	return strings.TrimSpace(gjson.GetBytes(raw, "action").String())
}

// ModuleKey 返回模块条目在 content store 中的 key：GET <scope>/modules/{id}。
func ModuleKey(scope *url.URL, id string) (store.Key, error) {
	return store.ResolveKey(scope, "/modules/"+url.PathEscape(id))
}

// Ack 是回复端口收到的确认消息。
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ReplyPort 接收一条确认消息。
type ReplyPort interface {
	Reply(Ack)
}

// ReplyFunc 让普通函数满足 ReplyPort。
type ReplyFunc func(Ack)

// Reply implements ReplyPort.
func (f ReplyFunc) Reply(ack Ack) {
	f(ack)
}

// onceReply 保证每条消息至多回复一次。
type onceReply struct {
	once sync.Once
	port ReplyPort
}

func newOnceReply(port ReplyPort) *onceReply {
	return &onceReply{port: port}
}

func (r *onceReply) send(ack Ack) {
	if r == nil || r.port == nil {
		return
	}
	r.once.Do(func() { r.port.Reply(ack) })
}

// envelope 是 message 事件的载荷。
type envelope struct {
	raw   []byte
	reply *onceReply
}
