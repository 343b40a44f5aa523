package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/package-cache/package-cache/internal/cache"
	"github.com/package-cache/package-cache/internal/config"
	"github.com/package-cache/package-cache/internal/logging"
	"github.com/package-cache/package-cache/internal/metrics"
	"github.com/package-cache/package-cache/internal/proxy"
	"github.com/package-cache/package-cache/internal/server"
	"github.com/package-cache/package-cache/internal/server/routes"
	"github.com/package-cache/package-cache/internal/upstream"
	"github.com/package-cache/package-cache/internal/version"
)

// configEnv 指定配置文件路径的环境变量，--config 优先。
const configEnv = "PACKAGE_CACHE_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	flags       *pflag.FlagSet
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

	cfg, err := config.Load(opts.configPath, opts.flags)
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
		fields["sources"] = len(cfg.Sources)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 回源协调器 → 磁盘缓存 → Fiber server，
	// 所有请求共享同一个 Store 与 singleflight 表。
	app, janitor, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	if err := janitor.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "启动临时文件清理失败: %v\n", err)
		return 1
	}
	defer janitor.Stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = cfg.Sources
	fields["storage_path"] = cfg.Global.StoragePath
	fields["listen"] = cfg.Global.ListenAddr()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")
	if len(cfg.Sources) == 0 {
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).
			Warn("未配置上游，缓存未命中的请求将全部失败")
	}

	if err := startHTTPServer(ctx, app, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildApp 组装回源、缓存与 HTTP 层，返回可直接 Listen（或在测试中 app.Test）的实例。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, *cache.Janitor, error) {
	recorder := metrics.New(nil)
	fetcher := upstream.NewFetcher(upstream.NewClient(cfg), logger)
	coordinator := upstream.NewCoordinator(cfg.Sources, fetcher, logger, recorder)

	store, err := cache.NewStore(cfg.Global.StoragePath, coordinator)
	if err != nil {
		return nil, nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxy.NewHandler(store, logger, recorder),
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		StoragePath: store.Root(),
		Fetches:     coordinator,
		Metrics:     recorder.Handler(),
	})

	janitor := cache.NewJanitor(
		store.Root(),
		cfg.Global.TempFileMaxAge.DurationValue(),
		cfg.Global.JanitorSchedule,
		logger,
	)
	return app, janitor, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("package-cache", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（可被 "+configEnv+" 指定，缺省时仅使用环境变量与标志）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	config.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		flags:       fs,
	}, nil
}

func startHTTPServer(ctx context.Context, app *fiber.App, cfg *config.Config, logger *logrus.Logger) error {
	addr := cfg.Global.ListenAddr()
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
	}).Info("Fiber 服务启动")

	return app.Listen(addr, fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
}
