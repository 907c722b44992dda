package models

import (
	"strconv"
	"time"
)

// Grid 代表一个交易对上的完整网格实例
type Grid struct {
	ID              string     `json:"id"`                // UUID
	Symbol          string     `json:"symbol"`            // 交易对, e.g., "BTCUSDT"
	Status          GridStatus `json:"status"`            // 生命周期状态
	CenterPrice     float64    `json:"center_price"`      // 网格中心价
	Spread          float64    `json:"spread"`            // 基础网格间距比例, e.g., 0.02
	LevelCount      int        `json:"level_count"`       // 每侧档位数量
	CapitalPerLevel float64    `json:"capital_per_level"` // 每档投入的计价货币金额
	LogMultiplier   float64    `json:"log_multiplier"`    // 间距放大系数, 1 表示等比网格
	Mode            GridMode   `json:"mode"`              // 初始挂单方向
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Level 代表网格中的一个价格档位。
// Side 是该档位的本位方向；弹跳期间 OrderID 可能指向反方向的镜像订单。
type Level struct {
	GridID   string  `json:"grid_id"`
	Index    int     `json:"index"` // 0 起，距中心价最近的档位为 0
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`    // 理论挂单价格
	Quantity float64 `json:"quantity"` // 理论挂单数量（已按步长取整）
	OrderID  string  `json:"order_id,omitempty"`
}

// Key 返回档位在网格内的唯一键
func (l *Level) Key() string {
	return string(l.Side) + ":" + strconv.Itoa(l.Index)
}

// Order 是交易所订单的本地记录
type Order struct {
	ID            string      `json:"id"`              // 交易所订单ID
	ClientOrderID string      `json:"client_order_id"` // 本地生成的幂等ID
	GridID        string      `json:"grid_id"`
	LevelIndex    int         `json:"level_index"`
	LevelSide     Side        `json:"level_side"` // 所属档位的本位方向
	Side          Side        `json:"side"`       // 订单实际方向
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	FilledQty     float64     `json:"filled_qty"` // 累计成交数量
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	LastSyncedAt  time.Time   `json:"last_synced_at"`
}

// Trade 是一条成交记录，按 (OrderID, CumFilled) 去重，只增不改
type Trade struct {
	ID         int64     `json:"id"`
	GridID     string    `json:"grid_id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	LevelIndex int       `json:"level_index"` // 成交所属档位
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`   // 本次新增成交数量
	CumFilled  float64   `json:"cum_filled"` // 该订单的累计成交数量
	Fee        float64   `json:"fee"`        // 计价货币手续费
	Realized   float64   `json:"realized"`   // 平仓腿的已实现差额，开仓腿为 0
	CreatedAt  time.Time `json:"created_at"`
}

// SymbolRules 是交易所对某个交易对的下单约束
type SymbolRules struct {
	Symbol      string  `json:"symbol"`
	TickSize    string  `json:"tick_size"` // 价格步长, e.g., "0.01"
	StepSize    string  `json:"step_size"` // 数量步长, e.g., "0.001"
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
}
