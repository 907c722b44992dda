package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gridtrader/internal/config"
	"gridtrader/internal/feed"
	"gridtrader/internal/gateway"
	"gridtrader/internal/logger"
	"gridtrader/internal/metrics"
	"gridtrader/internal/models"
	"gridtrader/internal/reporter"
	"gridtrader/internal/store"
	badgerstore "gridtrader/internal/store/badger"
	"gridtrader/internal/store/sqlite"
	"gridtrader/internal/supervisor"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	paper := flag.Bool("paper", false, "run against the in-process simulated exchange")
	flag.Parse()

	// 先用默认配置初始化日志, 保证加载 .env 和配置文件时就能输出
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, *paper); err != nil {
		logger.S().Fatalf("引擎退出: %v", err)
	}
}

func run(cfg *models.Config, paper bool) error {
	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	defer st.Close()

	m := metrics.NewNoop()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.S().Infof("指标服务监听 %s", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.S().Errorf("指标服务异常退出: %v", err)
			}
		}()
	}

	var gw gateway.Gateway
	var feeds []*feed.PriceFeed
	if paper {
		logger.S().Info("--- 启动模拟盘模式 ---")
		sim := gateway.NewSimGateway(0.001)
		seedSim(sim, cfg.Pairs)
		feeds = startFeeds(cfg, sim)
		if err := waitForPrices(feeds); err != nil {
			stopFeeds(feeds)
			return err
		}
		gw = sim
	} else {
		logger.S().Info("--- 启动实盘模式 ---")
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		apiBase := cfg.LiveAPIURL
		if cfg.IsTestnet {
			apiBase = cfg.TestnetAPIURL
			logger.S().Info("正在使用币安测试网...")
		} else {
			logger.S().Info("正在使用币安生产网...")
		}
		gw = gateway.NewBinanceGateway(apiKey, secretKey, apiBase)
	}

	opts := supervisor.Options{
		PollInterval:         time.Duration(cfg.PollIntervalSec) * time.Second,
		CycleTimeout:         time.Duration(cfg.CycleTimeoutSec) * time.Second,
		PartialFillThreshold: cfg.PartialFillThreshold,
		Retry: gateway.RetryPolicy{
			Attempts:     cfg.RetryAttempts,
			InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		},
		Metrics: m,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fleet := supervisor.NewFleet(gw, st, opts, cfg.MaxActivePairs)
	launched := 0
	for _, pair := range cfg.Pairs {
		if _, err := fleet.Launch(ctx, pair); err != nil {
			logger.S().Errorf("启动交易对 %s 失败: %v", pair.Symbol, err)
			continue
		}
		logger.S().Infof("交易对 %s 已接管", pair.Symbol)
		launched++
	}
	if launched == 0 {
		stopFeeds(feeds)
		return fmt.Errorf("没有任何交易对启动成功")
	}

	var rep *reporter.Reporter
	if cfg.ReportIntervalSec > 0 {
		rep = reporter.New(fleet, st, time.Duration(cfg.ReportIntervalSec)*time.Second)
		rep.Start()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.S().Infof("收到信号 %s, 开始有序停止...", sig)

	if rep != nil {
		rep.Stop()
		rep.Report()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	fleet.StopAll(shutdownCtx)
	stopFeeds(feeds)

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.S().Info("引擎已停止, 所有挂单已撤销。")
	return nil
}

func openStore(cfg models.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "badger":
		return badgerstore.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", cfg.Backend)
	}
}

// seedSim 为模拟盘注入交易规则和初始资金。
// 资金额度可用 PAPER_QUOTE_BALANCE / PAPER_BASE_BALANCE 覆盖。
func seedSim(sim *gateway.SimGateway, pairs []models.PairConfig) {
	quoteSeed := envFloat("PAPER_QUOTE_BALANCE", 10000)
	baseSeed := envFloat("PAPER_BASE_BALANCE", 1)

	seeded := make(map[string]bool)
	for _, pair := range pairs {
		sim.AddSymbol(pair.Symbol, pair.BaseAsset, pair.QuoteAsset, models.SymbolRules{
			TickSize:    "0.01",
			StepSize:    "0.00001",
			MinQty:      0.00001,
			MinNotional: 5,
		})
		if !seeded[pair.QuoteAsset] {
			sim.Deposit(pair.QuoteAsset, quoteSeed)
			seeded[pair.QuoteAsset] = true
		}
		if !seeded[pair.BaseAsset] {
			sim.Deposit(pair.BaseAsset, baseSeed)
			seeded[pair.BaseAsset] = true
		}
	}
}

func startFeeds(cfg *models.Config, sink feed.Sink) []*feed.PriceFeed {
	wsBase := cfg.LiveWSURL
	if cfg.IsTestnet {
		wsBase = cfg.TestnetWSURL
	}
	pingInterval := time.Duration(cfg.WebSocketPingIntervalSec) * time.Second
	pongWait := time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second

	feeds := make([]*feed.PriceFeed, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		f := feed.New(wsBase, pair.Symbol, sink, pingInterval, pongWait)
		f.Start()
		feeds = append(feeds, f)
	}
	return feeds
}

func stopFeeds(feeds []*feed.PriceFeed) {
	for _, f := range feeds {
		f.Stop()
	}
}

// waitForPrices 等待每个行情流推送首个价格, 模拟盘在拿到价格前无法定价网格
func waitForPrices(feeds []*feed.PriceFeed) error {
	deadline := time.Now().Add(30 * time.Second)
	for _, f := range feeds {
		for {
			if price, _ := f.LastPrice(); price > 0 {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("等待行情超时, 无法初始化模拟盘价格")
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.S().Warnf("环境变量 %s=%q 不是合法数字, 使用默认值 %v", key, raw, fallback)
		return fallback
	}
	return v
}
