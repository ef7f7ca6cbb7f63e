// Package strategy 决定一个被拦截的请求由哪种执行器满足。
// 分类是纯函数：同样的 Descriptor 总是得到同样的 Strategy，没有副作用。
package strategy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy 是满足单个请求所选用的算法。
type Strategy string

const (
	API          Strategy = "api"
	NetworkFirst Strategy = "network-first"
	CacheFirst   Strategy = "cache-first"
)

// Destination 对应 Fetch 规范中的 request destination（Sec-Fetch-Dest）。
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationAudio    Destination = "audio"
	DestinationVideo    Destination = "video"
	DestinationManifest Destination = "manifest"
	DestinationWorker   Destination = "worker"
	DestinationEmpty    Destination = "empty"
)

// DefaultCacheFirst 是默认走 cache-first 的 destination 集合；
// font/audio 等未列出的类型落入默认分支（network-first），需要时由配置显式加入。
var DefaultCacheFirst = []Destination{DestinationStyle, DestinationScript, DestinationImage}

// Descriptor 是从请求派生出的只读分类依据。
type Descriptor struct {
	Method         string
	URL            *url.URL
	Destination    Destination
	CrossOriginAPI bool
}

// Host 返回目标主机名（小写、不含端口）。
func (d Descriptor) Host() string {
	if d.URL == nil {
		return ""
	}
	return strings.ToLower(d.URL.Hostname())
}

// Classifier 持有 API 主机集合与 cache-first destination 集合。
type Classifier struct {
	apiHosts   map[string]struct{}
	cacheFirst map[Destination]struct{}
}

// NewClassifier 构造分类器；cacheFirst 为空时使用 DefaultCacheFirst。
func NewClassifier(apiHosts []string, cacheFirst []Destination) *Classifier {
	c := &Classifier{
		apiHosts:   make(map[string]struct{}, len(apiHosts)),
		cacheFirst: make(map[Destination]struct{}),
	}
	for _, host := range apiHosts {
		if normalized := normalizeHost(host); normalized != "" {
			c.apiHosts[normalized] = struct{}{}
		}
	}
	if len(cacheFirst) == 0 {
		cacheFirst = DefaultCacheFirst
	}
	for _, dest := range cacheFirst {
		c.cacheFirst[Destination(strings.ToLower(string(dest)))] = struct{}{}
	}
	return c
}

// Classify 按优先级应用规则：API 主机 → 文档 → 静态资源 → 默认 network-first。
func (c *Classifier) Classify(d Descriptor) Strategy {
	if d.CrossOriginAPI || c.IsAPIHost(d.Host()) {
		return API
	}
	if d.Destination == DestinationDocument {
		return NetworkFirst
	}
	if _, ok := c.cacheFirst[d.Destination]; ok {
		return CacheFirst
	}
	return NetworkFirst
}

// IsAPIHost 判断主机是否为指定的外部 API 主机。
func (c *Classifier) IsAPIHost(host string) bool {
	if c == nil {
		return false
	}
	_, ok := c.apiHosts[normalizeHost(host)]
	return ok
}

// APIHosts 返回已登记的 API 主机，供诊断输出。
func (c *Classifier) APIHosts() []string {
	hosts := make([]string, 0, len(c.apiHosts))
	for host := range c.apiHosts {
		hosts = append(hosts, host)
	}
	return hosts
}

var extensionDestinations = map[string]Destination{
	".css":         DestinationStyle,
	".js":          DestinationScript,
	".mjs":         DestinationScript,
	".png":         DestinationImage,
	".jpg":         DestinationImage,
	".jpeg":        DestinationImage,
	".gif":         DestinationImage,
	".svg":         DestinationImage,
	".webp":        DestinationImage,
	".avif":        DestinationImage,
	".ico":         DestinationImage,
	".woff":        DestinationFont,
	".woff2":       DestinationFont,
	".ttf":         DestinationFont,
	".otf":         DestinationFont,
	".mp3":         DestinationAudio,
	".ogg":         DestinationAudio,
	".wav":         DestinationAudio,
	".mp4":         DestinationVideo,
	".webm":        DestinationVideo,
	".webmanifest": DestinationManifest,
	".html":        DestinationDocument,
	".htm":         DestinationDocument,
}

// DestinationOf 从请求头与路径推断 destination：
// Sec-Fetch-Dest 优先；navigate 模式视为文档；否则按扩展名；Accept text/html 视为文档。
func DestinationOf(header http.Header, requestPath string) Destination {
	if dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))); dest != "" {
		return Destination(dest)
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return DestinationDocument
	}
	if dest, ok := extensionDestinations[strings.ToLower(path.Ext(requestPath))]; ok {
		return dest
	}
	if strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return DestinationDocument
	}
	return DestinationEmpty
}

// ParseDestinations 将配置中的字符串列表转换为 Destination。
func ParseDestinations(values []string) []Destination {
	result := make([]Destination, 0, len(values))
	for _, v := range values {
		if trimmed := strings.ToLower(strings.TrimSpace(v)); trimmed != "" {
			result = append(result, Destination(trimmed))
		}
	}
	return result
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.Contains(h, "]") && strings.Count(host, ":") == 1 {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
