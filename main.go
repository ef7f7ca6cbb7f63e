package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/store"
	"github.com/any-hub/offline-hub/internal/strategy"
	"github.com/any-hub/offline-hub/internal/telemetry"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["credentials"] = config.CredentialModes(cfg.Sites)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["cache_version"] = cfg.Global.CacheVersion
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Global.TraceEndpoint)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 tracing 失败: %v\n", err)
		return 1
	}
	defer func() { _ = shutdownTracing(ctx) }()

	// CLI 启动遵循“配置 → store provider → 站点注册表 → 生命周期实例 → Fiber server”顺序，
	// 所有请求共享同一个 Host，升级时通过它切换激活的 store 集合。
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.close()

	if cfg.Global.WatchConfig {
		if err := watchCacheVersion(opts.configPath, rt.host, logger); err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["api_hosts"] = cfg.APIHostSet()
	fields["lifecycle"] = rt.host.Status().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(rt.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// appRuntime 聚合一次启动构建出的全部长生命周期组件。
type appRuntime struct {
	app      *fiber.App
	host     *lifecycle.Host
	provider store.Provider
}

func (r *appRuntime) close() {
	if r.provider != nil {
		_ = r.provider.Close()
	}
}

// buildRuntime 组装 store、生命周期 Host、策略执行器与 Fiber 应用。
// 首个实例安装失败不会阻止启动：没有激活实例时请求直通网络。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	provider, err := store.OpenProvider(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("打开 store 失败: %w", err)
	}
	rt := &appRuntime{provider: provider}

	sites, err := server.NewSiteRegistry(cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}
	scope, ok := sites.Scope()
	if !ok {
		rt.close()
		return nil, errors.New("缺少 app 类型站点")
	}

	network := proxy.NewNetwork(server.NewUpstreamClient(cfg))
	host, err := lifecycle.NewHost(lifecycle.HostOptions{
		Provider:     provider,
		Prefix:       cfg.Global.StorePrefix,
		Scope:        scope.UpstreamURL,
		Manifest:     cfg.Global.ShellManifest,
		Network:      network,
		Routes:       sites,
		DrainTimeout: cfg.Global.DrainTimeout.DurationValue(),
		Logger:       logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.host = host
	if err := host.Start(ctx, cfg.Global.CacheVersion); err != nil {
		logger.WithFields(logging.BaseFields("lifecycle_start", "")).WithError(err).Error("首个实例激活失败，请求将直通网络")
	}

	shellKey, err := store.ResolveKey(scope.UpstreamURL, cfg.Global.ShellEntry)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("解析 ShellEntry 失败: %w", err)
	}
	opts := proxy.Options{
		NetworkTimeout:   cfg.Global.NetworkTimeout.DurationValue(),
		FallbackTimeout:  cfg.Global.FallbackTimeout.DurationValue(),
		MaxEntrySize:     cfg.Global.MaxEntrySize,
		NetworkErrorText: cfg.Global.NetworkErrorText,
		OfflineMessage:   cfg.Global.OfflineMessage,
		ShellKey:         shellKey,
	}
	classifier := strategy.NewClassifier(cfg.APIHostSet(), strategy.ParseDestinations(cfg.Global.CacheFirstDestinations))
	handler := proxy.NewHandler(classifier, proxy.NewDefaultForwarder(network, opts, logger), host, logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   sites,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	routes.RegisterLifecycleRoutes(app, host, sites, handler, logger)
	rt.app = app
	return rt, nil
}

// watchCacheVersion 在配置文件中的 CacheVersion 变化时触发一次后台升级。
func watchCacheVersion(path string, host *lifecycle.Host, logger *logrus.Logger) error {
	return config.Watch(path, func(next *config.Config) {
		target := next.Global.CacheVersion
		if active := host.Active(); active != nil && active.Version() == target {
			return
		}
		fields := logging.BaseFields("config_reload", path)
		fields["cache_version"] = target
		logger.WithFields(fields).Info("检测到缓存版本变化，开始升级")
		go func() {
			if err := host.Upgrade(context.Background(), target); err != nil {
				logger.WithFields(fields).WithError(err).Error("升级失败")
			}
		}()
	}, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).WithError(err).Warn("配置重载失败")
	})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
