package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
)

type routesFixture struct {
	app      *fiber.App
	host     *lifecycle.Host
	provider store.Provider
	scope    *url.URL
}

func newRoutesFixture(t *testing.T) *routesFixture {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	}))
	t.Cleanup(upstream.Close)

	scope, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{
			{Name: "academy", Domain: "academy.local", Upstream: upstream.URL, Type: config.SiteTypeApp},
		},
	}
	sites, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("site registry: %v", err)
	}

	provider := store.NewMemoryProvider()
	host, err := lifecycle.NewHost(lifecycle.HostOptions{
		Provider:     provider,
		Prefix:       "offline-hub",
		Scope:        scope,
		Manifest:     []string{"/", "/index.html"},
		Network:      proxy.NewNetwork(upstream.Client()),
		Routes:       sites,
		DrainTimeout: 200 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	if err := host.Start(context.Background(), "v1"); err != nil {
		t.Fatalf("start host: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: sites,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.SiteRoute) error {
			return c.SendStatus(fiber.StatusNoContent)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	handler := proxy.NewHandler(
		strategy.NewClassifier([]string{"OpenRouter.ai"}, strategy.DefaultCacheFirst),
		proxy.NewDefaultForwarder(proxy.NewNetwork(upstream.Client()), proxy.Options{}, logger),
		host,
		logger,
	)
	RegisterLifecycleRoutes(app, host, sites, handler, logger)

	return &routesFixture{app: app, host: host, provider: provider, scope: scope}
}

func (f *routesFixture) call(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://localhost"+path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, data
}

func TestMessagesRouteCachesModule(t *testing.T) {
	f := newRoutesFixture(t)

	resp, body := f.call(t, http.MethodPost, "/-/messages", `{"action":"cacheModule","module":{"id":"m42","title":"Agents"}}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	var ack lifecycle.Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("expected success ack, got %+v", ack)
	}

	key, err := lifecycle.ModuleKey(f.scope, "m42")
	if err != nil {
		t.Fatalf("module key: %v", err)
	}
	stores, release := f.host.Acquire()
	defer release()
	snapshot, _, err := stores.Match(context.Background(), key, store.RoleContent)
	if err != nil {
		t.Fatalf("expected module entry, got %v", err)
	}
	if !bytes.Contains(snapshot.Body, []byte(`"Agents"`)) {
		t.Fatalf("unexpected module body %s", snapshot.Body)
	}
}

func TestMessagesRouteRejectsInvalidMessage(t *testing.T) {
	f := newRoutesFixture(t)

	resp, body := f.call(t, http.MethodPost, "/-/messages", `{"action":"explode"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"success":false`)) {
		t.Fatalf("expected failure ack, got %s", body)
	}
}

func TestStoresRouteListsCurrentStores(t *testing.T) {
	f := newRoutesFixture(t)
	if _, err := f.provider.Open(context.Background(), "offline-hub-content-v0"); err != nil {
		t.Fatalf("open stale store: %v", err)
	}

	resp, body := f.call(t, http.MethodGet, "/-/stores", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload storesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode stores: %v", err)
	}
	if payload.Version != "v1" {
		t.Fatalf("expected version v1, got %s", payload.Version)
	}
	if payload.Current["shell"] != "offline-hub-shell-v1" {
		t.Fatalf("unexpected current shell %s", payload.Current["shell"])
	}
	found := map[string]storePayload{}
	for _, s := range payload.Stores {
		found[s.Name] = s
	}
	if shell := found["offline-hub-shell-v1"]; !shell.Current || shell.Entries != 2 {
		t.Fatalf("expected current shell with 2 entries, got %+v", shell)
	}
	if stale := found["offline-hub-content-v0"]; stale.Current {
		t.Fatalf("stale store must not be reported as current")
	}
}

func TestLifecycleRouteReportsActiveInstance(t *testing.T) {
	f := newRoutesFixture(t)

	resp, body := f.call(t, http.MethodGet, "/-/lifecycle", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"state":"active"`)) {
		t.Fatalf("expected active state, got %s", body)
	}
	if !bytes.Contains(body, []byte(`"academy"`)) {
		t.Fatalf("expected site listing, got %s", body)
	}
	var payload struct {
		Routing proxy.Routing `json:"routing"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode lifecycle payload: %v", err)
	}
	if len(payload.Routing.APIHosts) != 1 || payload.Routing.APIHosts[0] != "openrouter.ai" {
		t.Fatalf("unexpected api hosts: %v", payload.Routing.APIHosts)
	}
	want := []string{"api", "cache-first", "network-first"}
	if strings.Join(payload.Routing.Strategies, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected strategies: %v", payload.Routing.Strategies)
	}
}

func TestUpgradeRouteRunsInBackground(t *testing.T) {
	f := newRoutesFixture(t)

	resp, _ := f.call(t, http.MethodPost, "/-/lifecycle/upgrade", `{}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 without version, got %d", resp.StatusCode)
	}

	resp, _ = f.call(t, http.MethodPost, "/-/lifecycle/upgrade", `{"version":"v2"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if active := f.host.Active(); active != nil && active.Version() == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("upgrade to v2 did not complete")
}

func TestEncodeSitesSortsByName(t *testing.T) {
	encoded := encodeSites([]server.SiteRoute{
		{Config: config.SiteConfig{Name: "jsdelivr", Type: config.SiteTypeCDN}},
		{Config: config.SiteConfig{Name: "academy", Type: config.SiteTypeApp, Username: "u", Password: "p"}},
	})
	if len(encoded) != 2 || encoded[0].Name != "academy" {
		t.Fatalf("expected academy first, got %+v", encoded)
	}
	if encoded[0].AuthMode != "credentialed" {
		t.Fatalf("expected credentialed auth mode, got %s", encoded[0].AuthMode)
	}
	if encodeSites(nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
}
