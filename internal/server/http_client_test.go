package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestClientForRouteClonesTransportForProxy(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	base := NewUpstreamClient(nil)

	academy, _ := registry.Lookup("academy.local")
	if ClientForRoute(base, academy) != base {
		t.Fatalf("未配置 Proxy 时应复用共享 client")
	}

	llm, _ := registry.Lookup("llm.local")
	client := ClientForRoute(base, llm)
	if client == base {
		t.Fatalf("配置 Proxy 时应返回独立 client")
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok || transport.Proxy == nil {
		t.Fatalf("克隆的 transport 应设置 Proxy")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://openrouter.ai/api", nil)
	proxyURL, err := transport.Proxy(req)
	if err != nil || proxyURL == nil || proxyURL.Host != "127.0.0.1:3128" {
		t.Fatalf("Proxy 地址错误: %v %v", proxyURL, err)
	}
	if base.Timeout != client.Timeout {
		t.Fatalf("克隆 client 应保留 Timeout")
	}
}

func TestApplyUpstreamIdentity(t *testing.T) {
	route := &SiteRoute{Config: config.SiteConfig{Username: "u", Password: "p"}}
	req, _ := http.NewRequest(http.MethodGet, "https://academy.example.com/", nil)
	ApplyUpstreamIdentity(req, route)

	if req.Header.Get("User-Agent") == "" {
		t.Fatalf("应设置 User-Agent")
	}
	user, pass, ok := req.BasicAuth()
	if !ok || user != "u" || pass != "p" {
		t.Fatalf("应写入 Basic 凭证")
	}
}
