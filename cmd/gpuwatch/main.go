// gpuwatch - GPU 进程监控工具
// 这是主程序入口文件
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/clock"
	"github.com/shepherd-project/gpuwatch/internal/config"
	"github.com/shepherd-project/gpuwatch/internal/export"
	"github.com/shepherd-project/gpuwatch/internal/fdinfo"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/gpu/xe"
	"github.com/shepherd-project/gpuwatch/internal/history"
	"github.com/shepherd-project/gpuwatch/internal/logger"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/netutil"
	"github.com/shepherd-project/gpuwatch/internal/server"
	"github.com/shepherd-project/gpuwatch/internal/shutdown"
	"github.com/shepherd-project/gpuwatch/internal/terminal"
	"github.com/shepherd-project/gpuwatch/internal/tui"
	"github.com/shepherd-project/gpuwatch/internal/version"
)

const noGPUMessage = "No GPU to monitor."

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the process exit, so the startup paths can be tested.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args)
	if err != nil {
		fmt.Fprintf(stderr, "gpuwatch: %v\n\n%s", err, opts.usage())
		return 1
	}
	if opts.help {
		fmt.Fprint(stdout, opts.usage())
		return 0
	}
	if opts.version {
		fmt.Fprintln(stdout, version.Get().Banner())
		return 0
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "gpuwatch: 无法加载 .env: %v\n", err)
	}
	configMgr := config.NewManager()
	if opts.configFile != "" {
		configMgr = config.NewManagerWithPath(opts.configFile)
	}
	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Fprintf(stderr, "gpuwatch: %v\n", err)
		return 1
	}
	cfg.ApplyEnv()
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "gpuwatch: invalid option: %v\n", err)
		return 1
	}

	// snapshot 模式的 stdout 只输出 JSON
	logCfg := cfg.Log
	if opts.snapshot && logCfg.Output != "file" {
		logCfg.Output = "stderr"
	}
	if err := logger.InitLogger(&logCfg, opts.mode()); err != nil {
		fmt.Fprintf(stderr, "gpuwatch: 无法初始化日志系统: %v\n", err)
		return 1
	}
	log := logger.GetLogger()
	defer log.Close()

	log.Infof("gpuwatch %s 正在启动 (%s 模式)", version.Get(), opts.mode())
	log.Infof("配置文件: %s", configMgr.GetConfigPath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := gpu.NewRegistry(&gpu.Config{DiscoveryTimeout: 10 * time.Second, Logger: log},
		xe.New(xe.Config{Logger: log}),
		gpu.NewNvidiaBackend(log, gpu.ExecRunner),
	)
	devices, err := registry.DiscoverAll(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "gpuwatch: %v\n", err)
		return 1
	}
	defer registry.CloseAll(devices)

	monitored := 0
	for _, dev := range devices {
		dev.Monitored = cfg.Monitored(dev.PDev)
		if dev.Monitored {
			monitored++
		}
	}
	if monitored == 0 {
		fmt.Fprintln(stdout, noGPUMessage)
		return 0
	}

	sampler := monitor.NewSampler(monitor.SamplerConfig{
		Devices: devices,
		Source:  fdinfo.NewSweeper(),
		Logger:  log,
	})

	if opts.snapshot {
		if err := export.Run(ctx, sampler, clock.Real(), stdout); err != nil {
			fmt.Fprintf(stderr, "gpuwatch: %v\n", err)
			return 1
		}
		return 0
	}

	if err := runLoop(ctx, cfg, configMgr, opts, sampler, devices); err != nil {
		fmt.Fprintf(stderr, "gpuwatch: %v\n", err)
		return 1
	}
	return 0
}

// runLoop runs the dashboard or the headless sampler until quit.
func runLoop(ctx context.Context, cfg *config.Config, configMgr *config.Manager, opts *options,
	sampler *monitor.Sampler, devices []*gpu.Device) error {
	log := logger.GetLogger()
	store := history.NewStore(cfg.HistorySize)
	consumers := []monitor.Consumer{store}

	// 创建优雅关闭管理器
	shutdownMgr := shutdown.NewManager(5 * time.Second)
	defer shutdownMgr.Shutdown()

	if cfg.Server.Listen != "" {
		srv := server.NewServer(&server.Config{
			Listen:      cfg.Server.Listen,
			ReadTimeout: 10 * time.Second,
			History:     store,
		})
		if err := srv.Start(); err != nil {
			return err
		}
		shutdownMgr.Register("http-server", srv.Stop, shutdown.PriorityHigh)
		consumers = append(consumers, srv)
		log.Infof("HTTP API: http://%s/api/v1/snapshot", netutil.DisplayAddr(srv.Addr()))
	} else if opts.headless {
		log.Warnf("headless mode without --listen only logs")
	}

	watcher := shutdown.Watch()
	defer watcher.Stop()

	loopCfg := monitor.LoopConfig{
		Sampler:   sampler,
		Interval:  time.Duration(cfg.UpdateIntervalMs) * time.Millisecond,
		Signals:   watcher,
		Consumers: consumers,
		Logger:    log,
	}

	if !opts.headless {
		term, err := terminal.Open(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
		shutdownMgr.Register("terminal", func(context.Context) error {
			return term.Restore()
		}, shutdown.PriorityCritical)

		dashOpts := dashboardOptions(cfg)
		dashOpts.Devices = deviceChoices(devices)
		dashboard := tui.New(tui.Config{
			Screen:  term,
			Options: dashOpts,
			History: store,
			Save: func(o tui.Options) error {
				return configMgr.Update(func(saved *config.Config) {
					storeDashboardOptions(saved, o)
				})
			},
			Notice: startupNotice(cfg, devices),
		})
		loopCfg.Input = term
		loopCfg.Renderer = dashboard
		loopCfg.Teardown = func() { term.Restore() }
	}

	if err := monitor.NewLoop(loopCfg).Run(ctx); err != nil {
		return err
	}
	log.Infof("gpuwatch 已退出")
	return nil
}

// startupNotice names the devices whose DRM node could not be opened; they
// show no memory figures.
func startupNotice(cfg *config.Config, devices []*gpu.Device) string {
	if !cfg.ShowStartupMessages {
		return ""
	}
	var missing []string
	for _, dev := range devices {
		if dev.Monitored && dev.Static.Driver == "xe" && !dev.Static.HasMemoryQuery {
			missing = append(missing, dev.PDev)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	msg := fmt.Sprintf("Cannot query memory of %s: no access to the DRM device node", strings.Join(missing, ", "))
	logger.Infof("%s", msg)
	return msg
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
