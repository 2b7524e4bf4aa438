package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/apod"
	"github.com/astro-cache/astro-cache/internal/asset"
	"github.com/astro-cache/astro-cache/internal/cache"
	"github.com/astro-cache/astro-cache/internal/config"
	"github.com/astro-cache/astro-cache/internal/epic"
	"github.com/astro-cache/astro-cache/internal/logging"
	"github.com/astro-cache/astro-cache/internal/server"
	"github.com/astro-cache/astro-cache/internal/upstream"
	"github.com/astro-cache/astro-cache/internal/version"
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

const shutdownTimeout = 10 * time.Second

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
		fields["storage_path"] = cfg.Global.StoragePath
		fields["upstream"] = cfg.Upstream.UpstreamBase
		fields["api_key"] = cfg.Upstream.MaskedAPIKey()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["api_prefix"] = cfg.Global.APIPrefix
	fields["storage_path"] = cfg.Global.StoragePath
	fields["api_key"] = cfg.Upstream.MaskedAPIKey()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildApp 按“缓存目录 → 上游客户端 → 下载协调器 → 业务服务 → Fiber”的顺序组装依赖，
// EPIC 与 APOD 各自使用 StoragePath 下的独立子目录。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, error) {
	epicStore, err := cache.NewStore(filepath.Join(cfg.Global.StoragePath, "epic"), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化 EPIC 缓存目录失败: %w", err)
	}
	apodStore, err := cache.NewStore(filepath.Join(cfg.Global.StoragePath, "apod"), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化 APOD 缓存目录失败: %w", err)
	}

	client, err := upstream.NewClient(cfg.Upstream, upstream.NewHTTPClient(cfg.Upstream), epicStore, logger)
	if err != nil {
		return nil, err
	}

	watcher := cache.NewWatcher(cfg.Asset.StabilityInterval.DurationValue(), cfg.Asset.StabilityTimeout.DurationValue(), logger)
	coordinator, err := asset.NewCoordinator(epicStore, client, watcher, logger,
		asset.WithRecoveryDelay(cfg.Asset.RecoveryDelay.DurationValue()))
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Epic:      epic.NewService(epicStore, client, coordinator, logger),
		Apod:      apod.NewService(apodStore, client, logger),
		APIPrefix: cfg.Global.APIPrefix,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("astro-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASTRO_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ASTRO_CACHE_CONFIG")
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

// serve 监听端口直到收到 SIGINT/SIGTERM，随后在超时内优雅关闭。
func serve(app *fiber.App, port int, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Error("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
