package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrader/internal/gateway"
	"gridtrader/internal/logger"
	"gridtrader/internal/metrics"
	"gridtrader/internal/models"
	"gridtrader/internal/store"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// ErrLevelBusy 表示档位上已有未终结的订单, 不允许重复挂单
var ErrLevelBusy = errors.New("level already has an open order")

// PlacementError 表示一次被交易所确定性拒绝的挂单
type PlacementError struct {
	Symbol   string
	Side     models.Side
	Price    float64
	Quantity float64
	Err      error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement failed: %s %s %v@%v: %v", e.Symbol, e.Side, e.Quantity, e.Price, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}

// Manager 管理订单在网关和持久层之间的生命周期,
// 保证每个档位同一时刻至多一张未终结订单。
type Manager struct {
	gw      gateway.Gateway
	st      store.Store
	retry   gateway.RetryPolicy
	metrics *metrics.Metrics
}

// NewManager 创建订单生命周期管理器
func NewManager(gw gateway.Gateway, st store.Store, retry gateway.RetryPolicy, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Manager{gw: gw, st: st, retry: retry, metrics: m}
}

// NewClientOrderID 生成带网格前缀的幂等下单ID。
// uuid 经 base62 编码后足够短, 满足交易所对 clientOrderId 的长度限制。
func NewClientOrderID(gridID string) string {
	prefix := gridID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	id := uuid.New()
	return "gt" + prefix + base62.EncodeToString(id[:])
}

// PlaceLevel 在档位上挂一张限价单并落库。
// side/price/qty 由调用方给出: 初始挂单用档位本位参数, 弹跳时用镜像参数。
// 档位仍指向一张已终结订单时允许挂单, 落库成功后引用原子地换到新订单;
// 指向未终结订单时返回 ErrLevelBusy。
func (m *Manager) PlaceLevel(ctx context.Context, grid *models.Grid, level *models.Level, side models.Side, price, qty float64) (*models.Order, error) {
	if level.OrderID != "" {
		bound, err := m.st.GetOrder(level.OrderID)
		if err != nil {
			return nil, fmt.Errorf("load order %s: %w", level.OrderID, err)
		}
		if bound != nil && !bound.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s level %s", ErrLevelBusy, grid.Symbol, level.Key())
		}
	}

	req := gateway.PlaceOrderRequest{
		Symbol:        grid.Symbol,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		ClientOrderID: NewClientOrderID(grid.ID),
	}

	var ack *gateway.OrderAck
	err := m.retry.Do(ctx, fmt.Sprintf("place %s %s", grid.Symbol, side), func() error {
		var err error
		ack, err = m.gw.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		m.metrics.OrdersFailed.Inc()
		if gateway.IsRejection(err) {
			return nil, &PlacementError{Symbol: grid.Symbol, Side: side, Price: price, Quantity: qty, Err: err}
		}
		return nil, err
	}

	now := time.Now()
	order := &models.Order{
		ID:            ack.OrderID,
		ClientOrderID: ack.ClientOrderID,
		GridID:        grid.ID,
		LevelIndex:    level.Index,
		LevelSide:     level.Side,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		Status:        ack.Status,
		CreatedAt:     now,
		LastSyncedAt:  now,
	}
	if err := m.st.SaveOrderAndLevel(order); err != nil {
		// 订单已在交易所挂出但本地没有记录, 必须撤掉避免孤儿订单
		logger.S().Errorf("failed to persist order %s, cancelling at exchange: %v", order.ID, err)
		if cerr := m.gw.CancelOrder(ctx, grid.Symbol, order.ID); cerr != nil && !errors.Is(cerr, gateway.ErrOrderNotFound) {
			logger.S().Errorf("failed to cancel orphaned order %s: %v", order.ID, cerr)
		}
		return nil, fmt.Errorf("persist order %s: %w", order.ID, err)
	}
	level.OrderID = order.ID
	m.metrics.OrdersPlaced.Inc()
	logger.S().Infof("placed %s %s %v@%v on level %s, order %s",
		grid.Symbol, side, qty, price, level.Key(), order.ID)
	return order, nil
}

// CancelLevel 撤销档位上的挂单并释放档位, 重复调用是安全的。
// 订单在交易所侧已不存在时按已终结处理。
func (m *Manager) CancelLevel(ctx context.Context, grid *models.Grid, level *models.Level) error {
	if level.OrderID == "" {
		return nil
	}
	orderID := level.OrderID

	err := m.retry.Do(ctx, fmt.Sprintf("cancel %s order %s", grid.Symbol, orderID), func() error {
		return m.gw.CancelOrder(ctx, grid.Symbol, orderID)
	})
	if err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	if err := m.syncFinalStatus(ctx, grid, orderID); err != nil {
		return err
	}
	if err := m.st.ClearLevelOrder(grid.ID, level.Side, level.Index); err != nil {
		return fmt.Errorf("free level %s: %w", level.Key(), err)
	}
	level.OrderID = ""
	m.metrics.OrdersCancelled.Inc()
	logger.S().Infof("cancelled %s order %s on level %s", grid.Symbol, orderID, level.Key())
	return nil
}

// CancelRemainder 只在交易所侧撤掉订单, 不动本地记录和档位引用。
// 调用方随后重查终态, 把撤单竞态窗口里的新增成交走正常的成交记录流程。
func (m *Manager) CancelRemainder(ctx context.Context, grid *models.Grid, orderID string) error {
	err := m.retry.Do(ctx, fmt.Sprintf("cancel %s order %s", grid.Symbol, orderID), func() error {
		return m.gw.CancelOrder(ctx, grid.Symbol, orderID)
	})
	if err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	m.metrics.OrdersCancelled.Inc()
	return nil
}

// syncFinalStatus 撤单后把订单的最终状态同步到本地
func (m *Manager) syncFinalStatus(ctx context.Context, grid *models.Grid, orderID string) error {
	local, err := m.st.GetOrder(orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if local == nil || local.Status.Terminal() {
		return nil
	}

	status, err := m.gw.GetOrderStatus(ctx, grid.Symbol, orderID)
	if err != nil {
		if errors.Is(err, gateway.ErrOrderNotFound) {
			local.Status = models.OrderCanceled
		} else {
			return fmt.Errorf("query order %s after cancel: %w", orderID, err)
		}
	} else {
		local.Status = status.Status
		local.FilledQty = status.ExecutedQty
		if !local.Status.Terminal() {
			// 撤单已被交易所接受, 查询结果滞后时按已撤处理
			local.Status = models.OrderCanceled
		}
	}
	local.LastSyncedAt = time.Now()
	if err := m.st.SaveOrder(local); err != nil && !errors.Is(err, store.ErrStatusRegression) {
		return fmt.Errorf("persist cancelled order %s: %w", orderID, err)
	}
	return nil
}

// ResolveConflict 处理对账冲突: 交易所侧的订单状态与本地记录无法调和时,
// 本地按已撤销关闭订单并释放档位, 留待下一轮重新挂单。
func (m *Manager) ResolveConflict(grid *models.Grid, level *models.Level, order *models.Order, reason string) error {
	logger.S().Warnf("reconciliation conflict on %s order %s (%s), closing locally and freeing level %s",
		grid.Symbol, order.ID, reason, level.Key())
	m.metrics.Conflicts.Inc()

	order.Status = models.OrderCanceled
	order.LastSyncedAt = time.Now()
	if err := m.st.SaveOrder(order); err != nil && !errors.Is(err, store.ErrStatusRegression) {
		return fmt.Errorf("close conflicted order %s: %w", order.ID, err)
	}
	if err := m.st.ClearLevelOrder(grid.ID, level.Side, level.Index); err != nil {
		return fmt.Errorf("free level %s: %w", level.Key(), err)
	}
	level.OrderID = ""
	return nil
}

// CancelAll 撤销网格下所有未终结的订单, 用于停止流程和失败回滚。
// 逐单尽力而为, 汇总第一个错误。
func (m *Manager) CancelAll(ctx context.Context, grid *models.Grid) error {
	levels, err := m.st.Levels(grid.ID)
	if err != nil {
		return fmt.Errorf("load levels for %s: %w", grid.ID, err)
	}
	var firstErr error
	for i := range levels {
		if levels[i].OrderID == "" {
			continue
		}
		if err := m.CancelLevel(ctx, grid, &levels[i]); err != nil {
			logger.S().Errorf("cancel level %s of %s: %v", levels[i].Key(), grid.Symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
