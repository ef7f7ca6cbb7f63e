package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// Request 是被拦截请求的出站形态。正文在构造时完整读入，
// 因此每次 fetch 都可以基于同一份数据重新构造 *http.Request。
type Request struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Body       []byte
	Descriptor strategy.Descriptor
	// Route 为空表示请求不属于任何站点（例如安装阶段的外部资源）。
	Route     *server.SiteRoute
	RequestID string
}

// NewRequest 构造一个无正文的 GET/HEAD 类请求。
func NewRequest(method string, target *url.URL) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    target,
		Header: http.Header{},
		Descriptor: strategy.Descriptor{
			Method: method,
			URL:    target,
		},
	}
}

// Key 返回请求在 store 中的规范化标识。
func (r *Request) Key() store.Key {
	return store.NewKey(r.Method, r.URL)
}

// IsGet 表示请求能否读写 store；只有 GET 响应可以安全重放。
func (r *Request) IsGet() bool {
	return r.Method == http.MethodGet
}

// IsDocument 表示请求目标是顶层文档。
func (r *Request) IsDocument() bool {
	return r.Descriptor.Destination == strategy.DestinationDocument
}

// NewHTTPRequest 为一次 fetch 克隆出新的 *http.Request。
func (r *Request) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	var (
		req *http.Request
		err error
	)
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.Method, r.URL.String(), http.NoBody)
	}
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(req.Header, r.Header)
	req.Host = r.URL.Host
	return req, nil
}
