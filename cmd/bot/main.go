package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradebot/golive/internal/archive"
	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/internal/broker"
	"github.com/tradebot/golive/internal/controlplane"
	"github.com/tradebot/golive/internal/gates"
	"github.com/tradebot/golive/internal/monitor"
	"github.com/tradebot/golive/internal/oms"
	"github.com/tradebot/golive/internal/paper"
	"github.com/tradebot/golive/internal/transition"
	"github.com/tradebot/golive/pkg/config"
	"github.com/tradebot/golive/pkg/logger"
	"github.com/tradebot/golive/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// .env 仅用于本地开发注入凭证，不存在时忽略
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("trading bot starting")

	if err := run(cfg); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd := shutdown.NewManager()

	// 持久化层
	audit, err := auditlog.Open(cfg.Storage.AuditDir)
	if err != nil {
		return err
	}
	sd.OnShutdown(func(context.Context) { _ = audit.Close() })

	arch, err := archive.Open(cfg.Storage.ArchivePath)
	if err != nil {
		return err
	}
	sd.OnShutdown(func(context.Context) { _ = arch.Close() })

	// 模拟交易引擎与行情
	prices := paper.NewStaticPrices()
	engine := paper.NewEngine(cfg.Paper, audit)
	bridge := paper.NewBridge(engine, prices)

	// broker 注册表：配置启用的 venue + paper 引擎
	brokers := map[string]broker.Adapter{"paper": bridge}
	for venue, bc := range cfg.Brokers {
		if !bc.Enabled {
			continue
		}
		adapter, err := broker.New(venue, broker.VenueConfig{
			Simulated: bc.Simulated,
			APIKey:    bc.APIKey,
			SecretKey: bc.SecretKey,
			BaseURL:   bc.BaseURL,
			Paper:     bc.Paper,
			Testnet:   bc.Testnet,
		})
		if err != nil {
			return err
		}
		if err := adapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", venue, err)
		}
		sd.OnShutdown(func(context.Context) { _ = adapter.Disconnect() })
		brokers[venue] = adapter
	}

	// 监控与资金转换
	perf := monitor.New(cfg.Monitor, audit)
	live := monitor.NewLiveMonitor(perf)
	trans := transition.NewManager(cfg.Transition, audit)
	gateSys := gates.New(cfg.Gates, perf, live, audit)

	// OMS：transport 重试耗尽计为系统故障并告警
	manager := oms.NewManager(cfg.OMS, brokers, audit, arch,
		oms.WithFailureHandler(trans.RecordSystemFailure),
		oms.WithAlertFunc(func(level, msg string) {
			perf.Raise(level, "oms", msg)
		}),
	)
	manager.SetPaperMode(trans.InPaper())

	// 状态 API
	api := controlplane.NewServer(engine, manager, perf, live, trans, gateSys)
	api.Start(cfg.Server.Listen)
	sd.OnShutdown(func(ctx context.Context) { _ = api.Shutdown(ctx) })

	go controlLoop(ctx, cfg, engine, bridge, prices, manager, perf, live, trans, gateSys, brokers)

	// 信号处理
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("received %s, shutting down", s)

	cancel()
	shutdownCtx, c := context.WithTimeout(context.Background(), 15*time.Second)
	defer c()
	sd.Shutdown(shutdownCtx)
	return nil
}

// controlLoop 主循环：驱动模拟执行、轮询在途订单、定期盯市，
// 每日收盘记收益并校验门槛，周期性健康检查与触发器评估。
func controlLoop(ctx context.Context, cfg *config.Config, engine *paper.Engine,
	bridge *paper.Bridge, prices paper.PriceProvider, manager *oms.Manager,
	perf *monitor.Monitor, live *monitor.LiveMonitor, trans *transition.Manager,
	gateSys *gates.System, brokers map[string]broker.Adapter) {

	tick := time.NewTicker(time.Second)
	statusTick := time.NewTicker(cfg.OMS.StatusInterval)
	markTick := time.NewTicker(time.Minute)
	healthTick := time.NewTicker(5 * time.Minute)
	closeTick := time.NewTicker(24 * time.Hour)
	defer tick.Stop()
	defer statusTick.Stop()
	defer markTick.Stop()
	defer healthTick.Stop()
	defer closeTick.Stop()

	var lastDailyReturn float64

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick.C:
			bridge.Tick()

		case <-statusTick.C:
			manager.RefreshStatuses(ctx)

		case <-markTick.C:
			p, _ := prices.Snapshot()
			engine.MarkToMarket(p)

		case <-healthTick.C:
			start := time.Now()
			infos := manager.AllAccountInfo(ctx)
			latency := time.Since(start)

			connections := make(map[string]bool, len(brokers))
			for venue := range brokers {
				_, ok := infos[venue]
				connections[venue] = ok
			}
			live.RunHealthCheck(connections, time.Minute, latency)

			// 触发器评估：只产生建议，降档由人工确认
			if action := trans.CheckRollbackTriggers(lastDailyReturn, perf.CurrentDrawdown()); action != "" {
				logger.Warnf("[main] transition trigger pending operator action: %s", action)
			}

		case <-closeTick.C:
			lastDailyReturn = closeTradingDay(engine, prices, perf, live, trans, gateSys)
		}
	}
}

// closeTradingDay 日终结算：盯市结转、记录当日收益、落快照并校验门槛。
// 返回当日收益率，供下一轮触发器评估使用。
func closeTradingDay(engine *paper.Engine, prices paper.PriceProvider,
	perf *monitor.Monitor, live *monitor.LiveMonitor,
	trans *transition.Manager, gateSys *gates.System) float64 {

	p, _ := prices.Snapshot()
	dayTrades := engine.DayTrades()
	nav := engine.CloseDay(p)
	ret := perf.RecordDay(time.Now(), nav)

	sum := engine.Summary()
	live.TakeSnapshot(nav, ret, len(sum.Positions), dayTrades)
	live.LogDailyReport()

	report := gateSys.Validate()
	logger.Infof("[main] %s | gates passed=%v (%.0f%%)",
		trans.Summary(), report.Passed, report.PassRate*100)

	if action := trans.CheckRollbackTriggers(ret, perf.CurrentDrawdown()); action != "" {
		logger.Warnf("[main] transition trigger pending operator action: %s", action)
	}
	return ret
}
