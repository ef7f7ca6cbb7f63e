package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
)

// Fetcher 执行一次上游 round trip，*http.Client 满足该接口。
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher，便于测试注入。
type FetcherFunc func(*http.Request) (*http.Response, error)

// Do implements Fetcher.
func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// ErrNoFetcher 表示没有可用的网络层。
var ErrNoFetcher = errors.New("no fetcher configured")

// Network 把 Request 变成完整读入内存的响应快照。
// 网络失败（连接错误、超时、取消）以 error 返回；上游返回的任何状态码都不是错误。
type Network struct {
	fetcher Fetcher
	clients sync.Map // *server.SiteRoute -> *http.Client
}

// NewNetwork 基于共享 fetcher 构建网络层。
func NewNetwork(fetcher Fetcher) *Network {
	return &Network{fetcher: fetcher}
}

// Fetch 发起请求并读取完整正文。
func (n *Network) Fetch(ctx context.Context, req *Request) (*store.Snapshot, error) {
	if n == nil || n.fetcher == nil {
		return nil, ErrNoFetcher
	}
	httpReq, err := req.NewHTTPRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	server.ApplyUpstreamIdentity(httpReq, req.Route)

	resp, err := n.fetcherFor(req.Route).Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &store.Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (n *Network) fetcherFor(route *server.SiteRoute) Fetcher {
	client, ok := n.fetcher.(*http.Client)
	if !ok || route == nil || route.ProxyURL == nil {
		return n.fetcher
	}
	if cached, ok := n.clients.Load(route); ok {
		return cached.(*http.Client)
	}
	actual, _ := n.clients.LoadOrStore(route, server.ClientForRoute(client, route))
	return actual.(*http.Client)
}
