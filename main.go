package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/datahub/internal/config"
	"github.com/any-hub/datahub/internal/dispatch"
	_ "github.com/any-hub/datahub/internal/handlers/dmrpp"
	_ "github.com/any-hub/datahub/internal/handlers/jsondoc"
	_ "github.com/any-hub/datahub/internal/handlers/raw"
	"github.com/any-hub/datahub/internal/logging"
	"github.com/any-hub/datahub/internal/server"
	"github.com/any-hub/datahub/internal/version"
)

const (
	commandHelp  = "help"
	commandServe = "serve"
	commandFetch = "fetch"
	commandPurge = "purge"

	configEnv = "DATAHUB_CONFIG"
)

// cliOptions 汇总 CLI 解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	command     string
	urls        []string
	uid         string
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

// parseCLIFlags 用 cobra 解析子命令与标志，并结合环境变量计算最终的配置路径。
// 这里只记录解析结果，真正的执行交给 run。
func parseCLIFlags(args []string) (cliOptions, error) {
	opts := cliOptions{command: commandHelp}
	var configFlag string

	root := &cobra.Command{
		Use:           "datahub",
		Short:         "Cache-backed remote data server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.command = commandServe
			return nil
		},
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Resolve URLs through the cache and print the local paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, urls []string) error {
			opts.command = commandFetch
			opts.urls = urls
			return nil
		},
	}
	fetchCmd.Flags().StringVar(&opts.uid, "uid", "", "调用方身份标签")

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Run one purge pass over the cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.command = commandPurge
			return nil
		},
	}
	root.AddCommand(fetchCmd, purgeCmd)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}
	if opts.command == commandHelp {
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
		fields["cache_dir"] = cfg.Cache.Dir
		fields["max_cache_size"] = cfg.Cache.MaxSize.String()
		fields["allowed_hosts"] = len(cfg.AllowedHosts)
		fields["type_rules"] = len(cfg.TypeMatch)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := buildServices(cfg, logger, opts.command == commandServe)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer svc.store.UnlockAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.command {
	case commandFetch:
		err = runFetch(ctx, svc, opts)
	case commandPurge:
		err = runPurge(ctx, svc)
	default:
		err = runServe(ctx, cfg, svc, logger, opts.configPath)
	}
	if err != nil {
		fmt.Fprintf(stdErr, "%s 失败: %v\n", opts.command, err)
		return 1
	}
	return 0
}

// runServe 启动 HTTP 服务与可选的定时清理，收到信号后优雅退出。
func runServe(ctx context.Context, cfg *config.Config, svc *services, logger *logrus.Logger, configPath string) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Resolver:   svc.resolver,
		Handlers:   dispatch.Default(),
		Metrics:    svc.metrics,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = port
	fields["cache_dir"] = cfg.Cache.Dir
	fields["max_cache_size"] = cfg.Cache.MaxSize.String()
	fields["handlers"] = dispatch.Default().Names()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	scheduler, err := startPurgeSchedule(ctx, cfg.Cache.PurgeSchedule, svc, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer func() { <-scheduler.Stop().Done() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"action": "listen", "port": port}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port))
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	return g.Wait()
}

// startPurgeSchedule 按 cron 表达式定期执行清理；表达式为空时不启动。
func startPurgeSchedule(ctx context.Context, schedule string, svc *services, logger *logrus.Logger) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		result, err := svc.store.UpdateAndPurge(ctx, "")
		if err != nil {
			logger.WithError(err).WithField("action", "scheduled_purge").Warn("定时清理失败")
			return
		}
		svc.metrics.Purged(result)
		svc.metrics.CacheSize(result.After)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

// runFetch 并发解析所有 URL，逐行输出本地路径、类型与是否命中缓存。
func runFetch(ctx context.Context, svc *services, opts cliOptions) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range opts.urls {
		g.Go(func() error {
			res, err := svc.resolver.New(u, opts.uid)
			if err != nil {
				return err
			}
			defer res.Close()
			if err := res.Retrieve(gctx); err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			path, err := res.CacheFilePath()
			if err != nil {
				return err
			}
			tag, _ := res.ContentType()
			size := "-"
			if info, err := os.Stat(path); err == nil {
				size = humanize.IBytes(uint64(info.Size()))
			}

			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(stdOut, "%s\t%s\t%s\t%s\tcache_hit=%t\n", u, path, tag, size, res.FromCache())
			return nil
		})
	}
	return g.Wait()
}

// runPurge 立即执行一次清理并以 JSON 输出结果。
func runPurge(ctx context.Context, svc *services) error {
	result, err := svc.store.UpdateAndPurge(ctx, "")
	if err != nil {
		return err
	}
	payload := struct {
		Result any    `json:"result"`
		Freed  string `json:"freed"`
		After  string `json:"after"`
	}{
		Result: result,
		Freed:  humanize.IBytes(uint64(result.Freed)),
		After:  humanize.IBytes(uint64(result.After)),
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// printVersion 输出构建时注入的版本与提交号。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
