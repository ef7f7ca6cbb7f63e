package server

import (
	"net/url"
	"testing"

	"github.com/any-hub/offline-hub/internal/config"
)

func TestSiteRegistryLookupNormalizesHost(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}

	for _, host := range []string{"academy.local", "ACADEMY.local:5000", "academy.local."} {
		route, ok := registry.Lookup(host)
		if !ok || route.Config.Name != "academy" {
			t.Fatalf("host %s 应映射到 academy", host)
		}
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("空 host 不应命中")
	}
}

func TestSiteRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Sites[1].Domain = "Academy.local"
	if _, err := NewSiteRegistry(cfg); err == nil {
		t.Fatalf("重复 domain 应报错")
	}
}

func TestSiteRegistryScopeAndRoutes(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}

	scope, ok := registry.Scope()
	if !ok || scope.Config.Name != "academy" {
		t.Fatalf("scope 应为 academy")
	}

	list := registry.List()
	if len(list) != 3 || list[2].Config.Name != "llm" {
		t.Fatalf("List 应保持配置顺序: %+v", list)
	}
	if !list[2].IsAPI() || list[0].IsAPI() {
		t.Fatalf("IsAPI 判断错误")
	}
	if list[2].ProxyURL == nil || list[2].ProxyURL.Host != "127.0.0.1:3128" {
		t.Fatalf("Proxy 应被预先解析")
	}

	target, _ := url.Parse("https://cdn.jsdelivr.net/npm/a.css")
	route, ok := registry.RouteForURL(target)
	if !ok || route.Config.Name != "jsdelivr" {
		t.Fatalf("RouteForURL 应按上游主机匹配")
	}
}

func TestSiteRegistryScopeMissing(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Sites = cfg.Sites[1:]
	cfg.Sites[0].Type = config.SiteTypeCDN
	registry, err := NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	if _, ok := registry.Scope(); ok {
		t.Fatalf("没有 app 站点时 Scope 应返回 false")
	}
}
