package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

// StoreSource 提供当前激活的 store 集合；release 在请求结束时调用，用于旧实例排空。
// 尚无激活实例时返回 nil，请求将直通网络。
type StoreSource interface {
	Acquire() (*store.Set, func())
}

// Handler 负责把 Fiber 请求转成 Request，分类后交给 Forwarder，并把结果写回客户端。
type Handler struct {
	classifier *strategy.Classifier
	forwarder  *Forwarder
	source     StoreSource
	logger     *logrus.Logger
}

// NewHandler constructs a proxy handler with shared classifier/forwarder/store source.
func NewHandler(classifier *strategy.Classifier, forwarder *Forwarder, source StoreSource, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		classifier: classifier,
		forwarder:  forwarder,
		source:     source,
		logger:     logger,
	}
}

// Handle 实现 server.ProxyHandler：任何内部故障都以合成响应结束，不向 Fiber 返回错误。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildRequest(c, route, requestID)
	chosen := h.classifier.Classify(req.Descriptor)

	stores, release := h.acquire()
	defer release()

	var result Result
	if stores == nil {
		result = h.forwarder.PassThrough(ctx, chosen, req)
	} else {
		result = h.forwarder.Dispatch(ctx, chosen, req, stores)
	}

	h.logResult(route, req, result, started)
	return writeResult(c, result, requestID)
}

// Routing 汇总分类器登记的 API 主机与已注册的策略，供 /-/lifecycle 诊断输出。
type Routing struct {
	APIHosts   []string `json:"api_hosts"`
	Strategies []string `json:"strategies"`
}

// Routing 返回排序后的路由摘要。
func (h *Handler) Routing() Routing {
	routing := Routing{APIHosts: []string{}, Strategies: []string{}}
	if h == nil {
		return routing
	}
	if h.classifier != nil {
		routing.APIHosts = h.classifier.APIHosts()
	}
	if h.forwarder != nil {
		for _, s := range h.forwarder.Strategies() {
			routing.Strategies = append(routing.Strategies, string(s))
		}
	}
	sort.Strings(routing.APIHosts)
	sort.Strings(routing.Strategies)
	return routing
}

func (h *Handler) acquire() (*store.Set, func()) {
	if h.source == nil {
		return nil, func() {}
	}
	stores, release := h.source.Acquire()
	if release == nil {
		release = func() {}
	}
	return stores, release
}

func buildRequest(c fiber.Ctx, route *server.SiteRoute, requestID string) *Request {
	target := upstreamURL(route, c)
	method := c.Method()

	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	header.Del("Accept-Encoding")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())
	header.Set("X-Forwarded-Port", routePort(route))
	if method == http.MethodGet {
		dropClientValidators(header)
	}

	return &Request{
		Method: method,
		URL:    target,
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
		Descriptor: strategy.Descriptor{
			Method:         method,
			URL:            target,
			Destination:    strategy.DestinationOf(header, target.Path),
			CrossOriginAPI: route.IsAPI(),
		},
		Route:     route,
		RequestID: requestID,
	}
}

// clientValidators 是只对发起方自身缓存有意义的请求头。
// GET 的响应会以 "GET <url>" 写入共享 store，带着它们回源会把 304/206 存下来。
var clientValidators = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

func dropClientValidators(header http.Header) {
	for _, name := range clientValidators {
		header.Del(name)
	}
}

// upstreamURL 把请求路径拼接到站点 Upstream 的路径之后，保留原始查询串。
func upstreamURL(route *server.SiteRoute, c fiber.Ctx) *url.URL {
	target := url.URL{}
	if route != nil && route.UpstreamURL != nil {
		target = *route.UpstreamURL
	}
	reqPath := string(c.Request().URI().Path())
	if reqPath == "" {
		reqPath = "/"
	}
	target.Path = strings.TrimSuffix(target.Path, "/") + reqPath
	target.RawPath = ""
	target.RawQuery = string(c.Request().URI().QueryString())
	target.Fragment = ""
	return &target
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func writeResult(c fiber.Ctx, result Result, requestID string) error {
	snapshot := result.Snapshot
	for key, values := range snapshot.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Offline-Hub-Strategy", string(result.Strategy))
	c.Set("X-Offline-Hub-Source", string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(snapshot.Status)
	return c.Send(snapshot.Body)
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}

func (h *Handler) logResult(route *server.SiteRoute, req *Request, result Result, started time.Time) {
	fields := routeFields(route, string(result.Strategy), string(result.Source), result.CacheHit())
	fields["action"] = "proxy"
	fields["upstream"] = req.URL.String()
	fields["method"] = req.Method
	fields["destination"] = string(req.Descriptor.Destination)
	fields["stored"] = result.Stored
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Snapshot != nil {
		fields["status"] = result.Snapshot.Status
	}
	if req.RequestID != "" {
		fields["request_id"] = req.RequestID
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
		h.logger.WithFields(fields).Warn("proxy_degraded")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
