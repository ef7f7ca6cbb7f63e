package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

var errOffline = errors.New("network disabled")

// upstreamStub 记录每个路径被请求的次数，可以切换为离线。
type upstreamStub struct {
	server  *httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	methods []string
	routes  map[string]stubResponse
	// last 记录最近一次请求，供断言转发的头部与查询串。
	last *http.Request
}

type stubResponse struct {
	status      int
	contentType string
	body        string
	delay       time.Duration
	// conditional 为 true 时按 If-None-Match/Range 返回 304 或 206。
	conditional bool
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{
		hits:   make(map[string]int),
		routes: make(map[string]stubResponse),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		stub.methods = append(stub.methods, r.Method)
		stub.last = r.Clone(context.Background())
		resp, ok := stub.routes[r.URL.Path]
		stub.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		if resp.contentType != "" {
			w.Header().Set("Content-Type", resp.contentType)
		}
		if resp.conditional {
			w.Header().Set("ETag", `"v1"`)
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if r.Header.Get("Range") != "" {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-1/%d", len(resp.body)))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = io.WriteString(w, resp.body[:2])
				return
			}
		}
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *upstreamStub) handle(path string, status int, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = stubResponse{status: status, contentType: contentType, body: body}
}

// handleSlow 注册一个延迟 delay 才响应的路径。
func (s *upstreamStub) handleSlow(path string, delay time.Duration, status int, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = stubResponse{status: status, contentType: contentType, body: body, delay: delay}
}

// handleConditional 注册一个支持 ETag 协商与 Range 的路径。
func (s *upstreamStub) handleConditional(path, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = stubResponse{status: http.StatusOK, contentType: contentType, body: body, conditional: true}
}

func (s *upstreamStub) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *upstreamStub) lastRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *upstreamStub) url(t *testing.T, path string) *url.URL {
	t.Helper()
	u, err := url.Parse(s.server.URL + path)
	require.NoError(t, err)
	return u
}

// switchFetcher 包装真实 client，offline 时所有请求立即失败。
type switchFetcher struct {
	next    Fetcher
	offline atomic.Bool
	calls   atomic.Int32
}

func (f *switchFetcher) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.offline.Load() {
		return nil, errOffline
	}
	return f.next.Do(req)
}

// hangingFetcher 模拟永不返回的网络，直到请求被取消。
func hangingFetcher() Fetcher {
	return FetcherFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
}

func newTestSet(t *testing.T) *store.Set {
	t.Helper()
	registry, err := store.NewRegistry("offline-hub", "v1")
	require.NoError(t, err)
	set, err := store.OpenSet(context.Background(), store.NewMemoryProvider(), registry)
	require.NoError(t, err)
	return set
}

func testLogger() (*logrus.Logger, *bytes.Buffer) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	return logger, buf
}

func testOptions() Options {
	return Options{
		NetworkTimeout:   100 * time.Millisecond,
		FallbackTimeout:  50 * time.Millisecond,
		MaxEntrySize:     1 << 20,
		NetworkErrorText: "Network error happened",
		OfflineMessage:   "offline",
	}
}

func getRequest(target *url.URL, dest strategy.Destination) *Request {
	req := NewRequest(http.MethodGet, target)
	req.Descriptor.Destination = dest
	return req
}

func putSnapshot(t *testing.T, target store.Store, key store.Key, body string) {
	t.Helper()
	require.NoError(t, target.Put(context.Background(), key, &store.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
