package models

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`   // 是否使用测试网
	LiveAPIURL    string `json:"live_api_url"` // REST API 基础地址
	LiveWSURL     string `json:"live_ws_url"`  // WebSocket 基础地址
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	Store   StoreConfig   `json:"store"`   // 持久化配置
	Log     LogConfig     `json:"log"`     // 日志配置
	Metrics MetricsConfig `json:"metrics"` // 指标配置

	MaxActivePairs           int     `json:"max_active_pairs"`            // 同时运行的交易对上限
	PollIntervalSec          int     `json:"poll_interval_sec"`           // 成交轮询间隔(秒)
	CycleTimeoutSec          int     `json:"cycle_timeout_sec"`           // 单次轮询的超时时间(秒)
	PartialFillThreshold     float64 `json:"partial_fill_threshold"`      // 部分成交镜像阈值, 占订单数量比例
	RetryAttempts            int     `json:"retry_attempts"`              // 网关瞬时错误的重试次数
	RetryInitialDelayMs      int     `json:"retry_initial_delay_ms"`      // 重试前的初始延迟毫秒数
	WebSocketPingIntervalSec int     `json:"websocket_ping_interval_sec"` // WebSocket Ping 间隔(秒)
	WebSocketPongTimeoutSec  int     `json:"websocket_pong_timeout_sec"`  // WebSocket Pong 超时(秒)
	ReportIntervalSec        int     `json:"report_interval_sec"`         // 状态报表输出间隔(秒), 0 表示关闭

	Pairs []PairConfig `json:"pairs"` // 各交易对的网格参数
}

// PairConfig 定义了单个交易对的网格参数
type PairConfig struct {
	Symbol          string   `json:"symbol"`                 // 交易对, e.g., "BTCUSDT"
	BaseAsset       string   `json:"base_asset"`             // 基础资产, e.g., "BTC"
	QuoteAsset      string   `json:"quote_asset"`            // 计价资产, e.g., "USDT"
	Spread          float64  `json:"spread"`                 // 网格间距比例
	LevelCount      int      `json:"level_count"`            // 每侧档位数量
	CapitalPerLevel float64  `json:"capital_per_level"`      // 每档投入的计价货币金额
	LogMultiplier   float64  `json:"log_multiplier"`         // 间距放大系数, 缺省为 1
	Mode            GridMode `json:"mode"`                   // 初始挂单方向, 缺省为 two_sided
	CenterPrice     float64  `json:"center_price,omitempty"` // 为 0 时启动取最新价
	MinQuoteReserve float64  `json:"min_quote_reserve"`      // 计价资产保留余额, 低于则不再挂买单
	MinBaseReserve  float64  `json:"min_base_reserve"`       // 基础资产保留余额, 低于则不再挂卖单
}

// StoreConfig 选择并配置持久化后端
type StoreConfig struct {
	Backend string `json:"backend"` // "sqlite" 或 "badger"
	Path    string `json:"path"`    // sqlite 文件或 badger 目录
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// MetricsConfig 配置 Prometheus 指标的 HTTP 暴露端口
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"` // e.g., ":9100"
}
