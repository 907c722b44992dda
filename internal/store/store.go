package store

import (
	"errors"

	"gridtrader/internal/models"
)

// 持久层统一返回的语义错误
var (
	// ErrDuplicateTrade 表示同一笔成交已被记录, 调用方应直接跳过
	ErrDuplicateTrade = errors.New("trade already recorded")
	// ErrStatusRegression 表示订单状态试图逆向回退
	ErrStatusRegression = errors.New("order status regression")
	// ErrBadTransition 表示网格状态机不允许该转换
	ErrBadTransition = errors.New("illegal grid status transition")
	// ErrGridExists 表示该交易对已有未停止的网格
	ErrGridExists = errors.New("active grid already exists for symbol")
)

// Store 是引擎的持久化边界。
// 单行查询在记录不存在时返回 (nil, nil)。
type Store interface {
	// SaveGrid 插入新网格。同一交易对已存在未停止的网格时返回 ErrGridExists。
	SaveGrid(grid *models.Grid) error
	// GetGrid 按 ID 查询网格
	GetGrid(id string) (*models.Grid, error)
	// ActiveGridBySymbol 返回交易对上未停止的网格
	ActiveGridBySymbol(symbol string) (*models.Grid, error)
	// ListGrids 返回全部网格
	ListGrids() ([]models.Grid, error)
	// UpdateGridStatus 按状态机推进网格状态, 非法转换返回 ErrBadTransition
	UpdateGridStatus(id string, to models.GridStatus) error

	// SaveLevels 写入网格的全部档位定义
	SaveLevels(gridID string, levels []models.Level) error
	// Levels 返回网格的全部档位
	Levels(gridID string) ([]models.Level, error)

	// SaveOrderAndLevel 在一个事务里落库订单并把它绑定到所属档位
	SaveOrderAndLevel(order *models.Order) error
	// SaveOrder 更新订单, 状态只允许单向推进, 回退返回 ErrStatusRegression
	SaveOrder(order *models.Order) error
	// GetOrder 按交易所订单 ID 查询
	GetOrder(id string) (*models.Order, error)
	// OpenOrders 返回网格下所有未终结的订单
	OpenOrders(gridID string) ([]models.Order, error)
	// ClearLevelOrder 解除档位与订单的绑定, 释放该档位
	ClearLevelOrder(gridID string, side models.Side, index int) error

	// RecordFill 在一个事务里记录成交并推进订单。
	// 按 (order_id, cum_filled) 去重, 重复返回 ErrDuplicateTrade 且不产生任何写入。
	RecordFill(trade *models.Trade, order *models.Order) error
	// Trades 返回网格的成交流水, 按时间顺序
	Trades(gridID string) ([]models.Trade, error)
	// ProfitSummary 汇总网格的成交统计
	ProfitSummary(gridID string) (*ProfitSummary, error)

	Close() error
}

// ProfitSummary 是单个网格的成交汇总
type ProfitSummary struct {
	GridID     string
	Symbol     string
	TradeCount int
	BuyVolume  float64 // 买入的计价货币总额
	SellVolume float64 // 卖出的计价货币总额
	TotalFees  float64
	Realized   float64 // 已实现差额合计
}
