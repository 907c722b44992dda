package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridtrader/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

// BinanceGateway 基于币安现货 REST API 实现 Gateway 接口
type BinanceGateway struct {
	client *binance.Client

	rulesMu sync.RWMutex
	rules   map[string]*models.SymbolRules // 交易规则本地缓存
}

// NewBinanceGateway 创建一个连接币安的网关。
// baseURL 非空时覆盖默认 API 地址，用于测试网或代理。
func NewBinanceGateway(apiKey, secretKey, baseURL string) *BinanceGateway {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceGateway{
		client: client,
		rules:  make(map[string]*models.SymbolRules),
	}
}

// PlaceOrder 提交一张 GTC 限价单
func (g *BinanceGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	res, err := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Price(formatFloat(req.Price)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	return &OrderAck{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        mapOrderStatus(res.Status),
		TransactTime:  time.UnixMilli(res.TransactTime),
	}, nil
}

// CancelOrder 撤销订单
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	_, err = g.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

// GetOrderStatus 查询订单的当前状态
func (g *BinanceGateway) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	res, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	price, _ := strconv.ParseFloat(res.Price, 64)
	origQty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	return &OrderStatus{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          models.Side(res.Side),
		Price:         price,
		Quantity:      origQty,
		ExecutedQty:   execQty,
		Status:        mapOrderStatus(res.Status),
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

// GetBalance 返回某资产的可用余额
func (g *BinanceGateway) GetBalance(ctx context.Context, asset string) (float64, error) {
	res, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, classifyError(err)
	}
	for _, b := range res.Balances {
		if b.Asset == asset {
			free, err := strconv.ParseFloat(b.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("parse balance for %s: %w", asset, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

// GetPrice 返回交易对的最新成交价
func (g *BinanceGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classifyError(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price for %s: %w", symbol, err)
	}
	return price, nil
}

// GetSymbolRules 返回交易对的下单约束，结果按交易对缓存
func (g *BinanceGateway) GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	g.rulesMu.RLock()
	if r, ok := g.rules[symbol]; ok {
		g.rulesMu.RUnlock()
		return r, nil
	}
	g.rulesMu.RUnlock()

	info, err := g.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := &models.SymbolRules{Symbol: symbol}
		if f := s.PriceFilter(); f != nil {
			rules.TickSize = trimStep(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			rules.StepSize = trimStep(f.StepSize)
			rules.MinQty, _ = strconv.ParseFloat(f.MinQuantity, 64)
		}
		if f := s.NotionalFilter(); f != nil {
			rules.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
		g.rulesMu.Lock()
		g.rules[symbol] = rules
		g.rulesMu.Unlock()
		return rules, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// GetOrderFills 返回订单的逐笔成交明细
func (g *BinanceGateway) GetOrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	trades, err := g.client.NewListTradesService().
		Symbol(symbol).
		OrderId(id).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	fills := make([]Fill, 0, len(trades))
	for _, t := range trades {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		fee, _ := strconv.ParseFloat(t.Commission, 64)
		fills = append(fills, Fill{
			Price:    price,
			Quantity: qty,
			Fee:      fee,
			FeeAsset: t.CommissionAsset,
			Time:     time.UnixMilli(t.Time),
		})
	}
	return fills, nil
}

func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed order id %q: %w", orderID, err)
	}
	return id, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// trimStep 去掉步长尾部多余的零, "0.00100000" -> "0.001"
func trimStep(step string) string {
	if !strings.Contains(step, ".") {
		return step
	}
	step = strings.TrimRight(step, "0")
	step = strings.TrimSuffix(step, ".")
	return step
}

// mapOrderStatus 把币安的订单状态映射到本地状态
func mapOrderStatus(s binance.OrderStatusType) models.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return models.OrderOpen
	case binance.OrderStatusTypePartiallyFilled:
		return models.OrderPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.OrderCanceled
	case binance.OrderStatusTypeRejected:
		return models.OrderRejected
	default:
		return models.OrderOpen
	}
}

// classifyError 把币安 API 错误归类为瞬时错误或确定性拒绝
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// 非 API 错误按网络故障处理
		return Transient(err)
	}
	switch apiErr.Code {
	case -1003, -1015: // TOO_MANY_REQUESTS / TOO_MANY_ORDERS
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	case -1001, -1006, -1007, -1021: // 内部错误 / 超时 / 时间戳漂移
		return Transient(err)
	case -1013, -1111, -2010:
		if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrInvalidOrder, apiErr.Message)
	case -2011, -2013: // CANCEL_REJECTED / NO_SUCH_ORDER
		return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
	default:
		return err
	}
}
