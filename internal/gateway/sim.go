package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gridtrader/internal/models"
)

// SimGateway 实现了 Gateway 接口，在内存中模拟交易所的撮合行为。
// 用于模拟盘运行和测试：SetPrice 驱动价格变动并触发限价单成交。
type SimGateway struct {
	mu sync.Mutex

	balances   map[string]float64   // 资产 -> 可用余额
	orders     map[string]*simOrder // 订单ID -> 订单
	byClientID map[string]string    // 幂等键 -> 订单ID
	lastPrice  map[string]float64
	rules      map[string]*models.SymbolRules
	assets     map[string][2]string // symbol -> [base, quote]
	nextID     int64

	FeeRate float64 // 成交手续费率, 以计价货币收取

	// 故障注入, 供测试使用
	PlaceErr  error
	CancelErr error
	StatusErr error

	// CancelHook 在撤单提交前调用, 供测试在撤单竞态窗口内注入成交
	CancelHook func(orderID string)
}

type simOrder struct {
	id            string
	clientOrderID string
	symbol        string
	side          models.Side
	price         float64
	quantity      float64
	executedQty   float64
	status        models.OrderStatus
	fills         []Fill
	updated       time.Time
}

// NewSimGateway 创建一个空的模拟交易所
func NewSimGateway(feeRate float64) *SimGateway {
	return &SimGateway{
		balances:   make(map[string]float64),
		orders:     make(map[string]*simOrder),
		byClientID: make(map[string]string),
		lastPrice:  make(map[string]float64),
		rules:      make(map[string]*models.SymbolRules),
		assets:     make(map[string][2]string),
		nextID:     1,
		FeeRate:    feeRate,
	}
}

// AddSymbol 注册一个交易对及其交易规则
func (g *SimGateway) AddSymbol(symbol, base, quote string, rules models.SymbolRules) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules.Symbol = symbol
	g.rules[symbol] = &rules
	g.assets[symbol] = [2]string{base, quote}
}

// Deposit 为某资产入金
func (g *SimGateway) Deposit(asset string, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[asset] += amount
}

// SetPrice 更新最新价并撮合所有可成交的挂单
func (g *SimGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPrice[symbol] = price

	// 按下单顺序撮合, 保证测试的确定性
	ids := make([]string, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := g.orders[id]
		if o.symbol != symbol || o.status.Terminal() {
			continue
		}
		shouldFill := (o.side == models.Buy && price <= o.price) ||
			(o.side == models.Sell && price >= o.price)
		if shouldFill {
			g.fillLocked(o, o.quantity-o.executedQty)
		}
	}
}

// FillPartial 将订单成交指定数量, 供部分成交场景的测试使用
func (g *SimGateway) FillPartial(orderID string, qty float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("order %s already terminal", orderID)
	}
	if remaining := o.quantity - o.executedQty; qty > remaining {
		qty = remaining
	}
	g.fillLocked(o, qty)
	return nil
}

// fillLocked 以挂单价成交 qty 并更新余额, 必须在持有锁时调用
func (g *SimGateway) fillLocked(o *simOrder, qty float64) {
	if qty <= 0 {
		return
	}
	base, quote := g.assetsFor(o.symbol)
	fee := o.price * qty * g.FeeRate
	if o.side == models.Buy {
		g.balances[quote] -= o.price * qty
		g.balances[base] += qty
	} else {
		g.balances[base] -= qty
		g.balances[quote] += o.price * qty
	}
	g.balances[quote] -= fee

	o.executedQty += qty
	o.fills = append(o.fills, Fill{
		Price:    o.price,
		Quantity: qty,
		Fee:      fee,
		FeeAsset: quote,
		Time:     time.Now(),
	})
	if o.executedQty >= o.quantity-1e-12 {
		o.status = models.OrderFilled
	} else {
		o.status = models.OrderPartiallyFilled
	}
	o.updated = time.Now()
}

// PlaceOrder 接受一张限价单。余额不足时返回 ErrInsufficientBalance。
func (g *SimGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PlaceErr != nil {
		return nil, g.PlaceErr
	}
	if req.Price <= 0 || req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive price or quantity", ErrInvalidOrder)
	}

	// 幂等: 同一 clientOrderID 返回原回执而不是开新单
	if id, ok := g.byClientID[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		o := g.orders[id]
		return &OrderAck{OrderID: o.id, ClientOrderID: o.clientOrderID, Status: o.status, TransactTime: o.updated}, nil
	}

	base, quote := g.assetsFor(req.Symbol)
	if req.Side == models.Buy {
		if g.balances[quote] < req.Price*req.Quantity {
			return nil, fmt.Errorf("%w: need %v %s", ErrInsufficientBalance, req.Price*req.Quantity, quote)
		}
	} else {
		if g.balances[base] < req.Quantity {
			return nil, fmt.Errorf("%w: need %v %s", ErrInsufficientBalance, req.Quantity, base)
		}
	}

	o := &simOrder{
		id:            strconv.FormatInt(g.nextID, 10),
		clientOrderID: req.ClientOrderID,
		symbol:        req.Symbol,
		side:          req.Side,
		price:         req.Price,
		quantity:      req.Quantity,
		status:        models.OrderOpen,
		updated:       time.Now(),
	}
	g.nextID++
	g.orders[o.id] = o
	if req.ClientOrderID != "" {
		g.byClientID[req.ClientOrderID] = o.id
	}

	// 立即与最新价撮合一次
	if last, ok := g.lastPrice[req.Symbol]; ok {
		if (o.side == models.Buy && last <= o.price) || (o.side == models.Sell && last >= o.price) {
			g.fillLocked(o, o.quantity)
		}
	}
	return &OrderAck{OrderID: o.id, ClientOrderID: o.clientOrderID, Status: o.status, TransactTime: o.updated}, nil
}

// CancelOrder 撤销一张未终结的挂单
func (g *SimGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if h := g.CancelHook; h != nil {
		h(orderID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return g.CancelErr
	}
	o, ok := g.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.Terminal() {
		return ErrOrderNotFound
	}
	o.status = models.OrderCanceled
	o.updated = time.Now()
	return nil
}

// GetOrderStatus 返回订单快照
func (g *SimGateway) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.StatusErr != nil {
		return nil, g.StatusErr
	}
	o, ok := g.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &OrderStatus{
		OrderID:       o.id,
		ClientOrderID: o.clientOrderID,
		Symbol:        o.symbol,
		Side:          o.side,
		Price:         o.price,
		Quantity:      o.quantity,
		ExecutedQty:   o.executedQty,
		Status:        o.status,
		UpdateTime:    o.updated,
	}, nil
}

// GetBalance 返回资产的可用余额
func (g *SimGateway) GetBalance(ctx context.Context, asset string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[asset], nil
}

// GetPrice 返回最新价
func (g *SimGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.lastPrice[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// GetSymbolRules 返回注册的交易规则
func (g *SimGateway) GetSymbolRules(ctx context.Context, symbol string) (*models.SymbolRules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rules[symbol]; ok {
		return r, nil
	}
	// 未注册的交易对不做约束
	return &models.SymbolRules{Symbol: symbol}, nil
}

// GetOrderFills 返回订单的成交明细
func (g *SimGateway) GetOrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	fills := make([]Fill, len(o.fills))
	copy(fills, o.fills)
	return fills, nil
}

// OpenOrderCount 返回某交易对上未终结的订单数, 供测试断言
func (g *SimGateway) OpenOrderCount(symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, o := range g.orders {
		if o.symbol == symbol && !o.status.Terminal() {
			n++
		}
	}
	return n
}

func (g *SimGateway) assetsFor(symbol string) (string, string) {
	if pair, ok := g.assets[symbol]; ok {
		return pair[0], pair[1]
	}
	return symbol, "USDT"
}
