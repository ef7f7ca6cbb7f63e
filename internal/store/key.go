package store

import (
	"errors"
	"net/url"
	"strings"
)

// Key 唯一标识一个缓存条目：方法 + 规范化后的绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化请求标识：方法大写，scheme/host 小写，去掉默认端口与 fragment，空路径补 "/"。
func NewKey(method string, target *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	if target == nil {
		return Key{Method: method}
	}

	u := *target
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = canonicalHost(u.Scheme, u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return Key{Method: method, URL: u.String()}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// ResolveKey 将清单条目解析为 GET key：绝对地址原样使用，相对地址相对 scope 解析。
func ResolveKey(scope *url.URL, ref string) (Key, error) {
	ref = strings.TrimSpace(ref)
	parsed, err := url.Parse(ref)
	if err != nil {
		return Key{}, err
	}
	if parsed.IsAbs() {
		return NewKey("GET", parsed), nil
	}
	if scope == nil {
		return Key{}, errors.New("relative entry requires a scope")
	}
	base := *scope
	refPath, refRaw := parsed.Path, parsed.EscapedPath()
	if !strings.HasPrefix(refPath, "/") {
		refPath, refRaw = "/"+refPath, "/"+refRaw
	}
	// RawPath 保留 %2F 等转义，避免模块 id 中的斜杠被当作路径分隔符
	base.RawPath = strings.TrimSuffix(scope.EscapedPath(), "/") + refRaw
	base.Path = strings.TrimSuffix(base.Path, "/") + refPath
	base.RawQuery = parsed.RawQuery
	return NewKey("GET", &base), nil
}
