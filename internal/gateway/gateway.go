package gateway

import (
	"context"
	"time"

	"gridtrader/internal/models"
)

// Gateway 定义了引擎访问交易所所需的全部方法。
// 真实交易和模拟盘之间可以无缝切换。
type Gateway interface {
	// PlaceOrder 提交一张限价单，返回交易所回执
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error)
	// CancelOrder 撤销订单，订单已不存在时返回 ErrOrderNotFound
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// GetOrderStatus 查询订单的当前状态和累计成交量
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)
	// GetBalance 返回某资产的可用余额
	GetBalance(ctx context.Context, asset string) (float64, error)
	// GetPrice 返回交易对的最新成交价
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetSymbolRules 返回交易对的下单约束
	GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error)
	// GetOrderFills 返回订单的逐笔成交明细，用于手续费核算
	GetOrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error)
}

// PlaceOrderRequest 描述一张待提交的限价单
type PlaceOrderRequest struct {
	Symbol        string
	Side          models.Side
	Price         float64
	Quantity      float64
	ClientOrderID string // 幂等键，重复提交同一ID不会产生两张订单
}

// OrderAck 是下单成功后的交易所回执
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        models.OrderStatus
	TransactTime  time.Time
}

// OrderStatus 是订单状态查询的结果
type OrderStatus struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Price         float64
	Quantity      float64
	ExecutedQty   float64 // 累计成交数量
	Status        models.OrderStatus
	UpdateTime    time.Time
}

// Fill 是一笔逐笔成交明细
type Fill struct {
	Price    float64
	Quantity float64
	Fee      float64
	FeeAsset string
	Time     time.Time
}
