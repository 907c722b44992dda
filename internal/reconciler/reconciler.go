package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrader/internal/gateway"
	"gridtrader/internal/grid"
	"gridtrader/internal/lifecycle"
	"gridtrader/internal/logger"
	"gridtrader/internal/metrics"
	"gridtrader/internal/models"
	"gridtrader/internal/store"
)

// PlacementGuard 在镜像挂单前做风控检查, 返回非 nil 错误时跳过挂单
type PlacementGuard interface {
	AllowPlacement(ctx context.Context, side models.Side, price, quantity float64) error
}

// Config 是对账器的运行参数
type Config struct {
	// PartialFillThreshold 在 (0, 1] 内: 部分成交达到该比例时撤掉剩余并镜像已成交部分。
	// 为 1 时只有完全成交才触发镜像。
	PartialFillThreshold float64
	QuoteAsset           string
	Rules                models.SymbolRules
	Guard                PlacementGuard // 可为 nil
}

// Reconciler 轮询未终结订单, 幂等地记录成交并在成交后挂出镜像订单。
// 一个实例服务一个交易对。
type Reconciler struct {
	gw      gateway.Gateway
	st      store.Store
	lm      *lifecycle.Manager
	retry   gateway.RetryPolicy
	metrics *metrics.Metrics
	cfg     Config
}

// New 创建对账器
func New(gw gateway.Gateway, st store.Store, lm *lifecycle.Manager, retry gateway.RetryPolicy, m *metrics.Metrics, cfg Config) *Reconciler {
	if m == nil {
		m = metrics.NewNoop()
	}
	if cfg.PartialFillThreshold <= 0 || cfg.PartialFillThreshold > 1 {
		cfg.PartialFillThreshold = 1
	}
	return &Reconciler{gw: gw, st: st, lm: lm, retry: retry, metrics: m, cfg: cfg}
}

// Run 执行一轮对账。网关故障只影响单个订单并留到下一轮,
// 持久层故障立即返回错误, 由上层暂停网格。
func (r *Reconciler) Run(ctx context.Context, g *models.Grid) error {
	r.metrics.CyclesRun.Inc()

	levels, err := r.st.Levels(g.ID)
	if err != nil {
		return fmt.Errorf("load levels for %s: %w", g.Symbol, err)
	}
	byKey := make(map[string]*models.Level, len(levels))
	for i := range levels {
		byKey[levels[i].Key()] = &levels[i]
	}

	open, err := r.st.OpenOrders(g.ID)
	if err != nil {
		return fmt.Errorf("load open orders for %s: %w", g.Symbol, err)
	}
	for i := range open {
		ord := &open[i]
		level := byKey[(&models.Level{Side: ord.LevelSide, Index: ord.LevelIndex}).Key()]
		if level == nil {
			logger.S().Errorf("order %s references missing level %s:%d of grid %s",
				ord.ID, ord.LevelSide, ord.LevelIndex, g.ID)
			continue
		}
		if err := r.reconcileOrder(ctx, g, level, ord); err != nil {
			if isPersistence(err) {
				return err
			}
			logger.S().Warnf("reconcile %s order %s: %v", g.Symbol, ord.ID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// 订单对齐后把失去流动性的档位补回来
	for i := range levels {
		if err := r.restoreLevel(ctx, g, &levels[i]); err != nil {
			if isPersistence(err) {
				return err
			}
			logger.S().Warnf("restore %s level %s: %v", g.Symbol, levels[i].Key(), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// reconcileOrder 把单个订单与交易所对齐
func (r *Reconciler) reconcileOrder(ctx context.Context, g *models.Grid, level *models.Level, ord *models.Order) error {
	var status *gateway.OrderStatus
	err := r.retry.Do(ctx, fmt.Sprintf("status of %s order %s", g.Symbol, ord.ID), func() error {
		var err error
		status, err = r.gw.GetOrderStatus(ctx, g.Symbol, ord.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, gateway.ErrOrderNotFound) {
			// 交易所不认识这张订单, 本地关闭并释放档位
			return r.lm.ResolveConflict(g, level, ord, "order unknown at exchange")
		}
		return err
	}
	if status.ExecutedQty+1e-12 < ord.FilledQty {
		// 累计成交量倒退, 说明双方记录已无法调和
		return r.lm.ResolveConflict(g, level, ord,
			fmt.Sprintf("executed qty moved backwards: %v -> %v", ord.FilledQty, status.ExecutedQty))
	}

	// 先把新增成交落库
	if status.ExecutedQty > ord.FilledQty+1e-12 {
		if err := r.recordFill(ctx, g, level, ord, status); err != nil {
			return err
		}
	}

	switch {
	case status.Status == models.OrderFilled:
		return r.mirror(ctx, g, level, ord, ord.FilledQty)
	case status.Status == models.OrderPartiallyFilled &&
		r.cfg.PartialFillThreshold < 1 &&
		status.ExecutedQty >= ord.Quantity*r.cfg.PartialFillThreshold:
		// 达到阈值: 撤掉剩余部分。撤单生效前的竞态窗口里可能又有成交,
		// 重查终态并把新增部分照常落库, 再镜像最终累计成交量
		if err := r.lm.CancelRemainder(ctx, g, ord.ID); err != nil {
			return err
		}
		final, err := r.finalStatus(ctx, g, ord)
		if err != nil {
			return err
		}
		if final.ExecutedQty > ord.FilledQty+1e-12 {
			if err := r.recordFill(ctx, g, level, ord, final); err != nil {
				return err
			}
		}
		if !ord.Status.Terminal() {
			ord.Status = final.Status
			ord.LastSyncedAt = time.Now()
			if err := r.st.SaveOrder(ord); err != nil && !errors.Is(err, store.ErrStatusRegression) {
				return err
			}
		}
		return r.mirror(ctx, g, level, ord, ord.FilledQty)
	case status.Status.Terminal():
		// 在交易所侧被撤销或拒绝, 同步状态并释放档位
		ord.Status = status.Status
		ord.LastSyncedAt = time.Now()
		if err := r.st.SaveOrder(ord); err != nil && !errors.Is(err, store.ErrStatusRegression) {
			return err
		}
		if err := r.st.ClearLevelOrder(g.ID, level.Side, level.Index); err != nil {
			return err
		}
		level.OrderID = ""
		return nil
	default:
		// 仍在挂单中, 只刷新同步时间
		ord.Status = status.Status
		ord.LastSyncedAt = time.Now()
		if err := r.st.SaveOrder(ord); err != nil && !errors.Is(err, store.ErrStatusRegression) {
			return err
		}
		return nil
	}
}

// recordFill 把新增成交量作为一条成交记录落库, 按 (orderID, cumFilled) 去重
func (r *Reconciler) recordFill(ctx context.Context, g *models.Grid, level *models.Level, ord *models.Order, status *gateway.OrderStatus) error {
	delta := status.ExecutedQty - ord.FilledQty
	fee := r.feeFor(ctx, g, ord, delta, status.ExecutedQty)

	trade := &models.Trade{
		GridID:     g.ID,
		OrderID:    ord.ID,
		Symbol:     g.Symbol,
		LevelIndex: ord.LevelIndex,
		Side:       ord.Side,
		Price:      ord.Price,
		Quantity:   delta,
		CumFilled:  status.ExecutedQty,
		Fee:        fee,
		Realized:   realizedDelta(level, ord, delta, fee),
		CreatedAt:  time.Now(),
	}

	ord.FilledQty = status.ExecutedQty
	ord.Status = status.Status
	ord.LastSyncedAt = time.Now()

	err := r.st.RecordFill(trade, ord)
	if errors.Is(err, store.ErrDuplicateTrade) {
		logger.S().Debugf("fill of order %s at cum %v already recorded", ord.ID, trade.CumFilled)
		return nil
	}
	if err != nil {
		return err
	}
	r.metrics.FillsRecorded.Inc()
	logger.S().Infof("recorded fill %s %s %v@%v (cum %v/%v), realized %.8f",
		g.Symbol, ord.Side, delta, ord.Price, status.ExecutedQty, ord.Quantity, trade.Realized)
	return nil
}

// feeFor 估算本次新增成交的手续费 (计价货币部分)。
// 明细查询失败时按 0 记, 不阻塞对账。
func (r *Reconciler) feeFor(ctx context.Context, g *models.Grid, ord *models.Order, delta, executed float64) float64 {
	fills, err := r.gw.GetOrderFills(ctx, g.Symbol, ord.ID)
	if err != nil {
		logger.S().Debugf("fills of order %s unavailable, recording zero fee: %v", ord.ID, err)
		return 0
	}
	var total float64
	for _, f := range fills {
		if f.FeeAsset == r.cfg.QuoteAsset {
			total += f.Fee
		}
	}
	if executed <= 0 {
		return 0
	}
	// 按新增成交量占比分摊
	return total * delta / executed
}

// realizedDelta 计算平仓腿的已实现差额。
// 订单方向与档位本位方向相反时是平仓腿, 同向是开仓腿, 差额为 0。
func realizedDelta(level *models.Level, ord *models.Order, qty, fee float64) float64 {
	switch {
	case ord.Side == models.Sell && level.Side == models.Buy:
		return (ord.Price-level.Price)*qty - fee
	case ord.Side == models.Buy && level.Side == models.Sell:
		return (level.Price-ord.Price)*qty - fee
	default:
		return 0
	}
}

// finalStatus 撤单后重查订单终态。交易所已不认识订单时按本地累计量合成终态,
// 查询结果滞后于撤单时按已撤处理。
func (r *Reconciler) finalStatus(ctx context.Context, g *models.Grid, ord *models.Order) (*gateway.OrderStatus, error) {
	var status *gateway.OrderStatus
	err := r.retry.Do(ctx, fmt.Sprintf("final status of %s order %s", g.Symbol, ord.ID), func() error {
		var err error
		status, err = r.gw.GetOrderStatus(ctx, g.Symbol, ord.ID)
		return err
	})
	if errors.Is(err, gateway.ErrOrderNotFound) {
		return &gateway.OrderStatus{
			OrderID:     ord.ID,
			Status:      models.OrderCanceled,
			ExecutedQty: ord.FilledQty,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if !status.Status.Terminal() {
		status.Status = models.OrderCanceled
	}
	return status, nil
}

// mirror 在成交后的档位上挂出反向订单。
// 挂单成功前档位继续指向已终结的原订单, 挂单失败时引用保持不变,
// 下一轮对账据此重试, 成交不会因为一次网络故障丢失镜像。
func (r *Reconciler) mirror(ctx context.Context, g *models.Grid, level *models.Level, ord *models.Order, qty float64) error {
	step := grid.MirrorStep(g.Spread, g.LogMultiplier, level.Index)
	price := grid.MirrorPrice(ord.Price, ord.Side, step, r.cfg.Rules.TickSize)
	qty = grid.AdjustToStep(qty, r.cfg.Rules.StepSize)
	side := ord.Side.Opposite()
	if qty <= 0 {
		logger.S().Warnf("mirror of order %s skipped, quantity rounds to zero", ord.ID)
		return r.freeLevel(g, level)
	}

	if r.cfg.Guard != nil {
		if err := r.cfg.Guard.AllowPlacement(ctx, side, price, qty); err != nil {
			logger.S().Warnf("mirror of order %s on %s held back: %v", ord.ID, g.Symbol, err)
			return nil
		}
	}

	if _, err := r.lm.PlaceLevel(ctx, g, level, side, price, qty); err != nil {
		var pe *lifecycle.PlacementError
		if errors.As(err, &pe) {
			logger.S().Warnf("mirror placement rejected on %s level %s, retrying next pass: %v", g.Symbol, level.Key(), err)
			return nil
		}
		return err
	}
	r.metrics.MirrorsPlaced.Inc()
	return nil
}

// restoreLevel 恢复失去流动性的档位: 指向已终结订单且欠镜像的档位补挂镜像,
// 其余空档位重挂本位订单。镜像失败和崩溃恢复都会收敛到这两种形态之一。
func (r *Reconciler) restoreLevel(ctx context.Context, g *models.Grid, level *models.Level) error {
	if level.OrderID != "" {
		ord, err := r.st.GetOrder(level.OrderID)
		if err != nil {
			return err
		}
		if ord != nil && !ord.Status.Terminal() {
			return nil
		}
		if ord != nil && r.mirrorDue(ord) {
			return r.mirror(ctx, g, level, ord, ord.FilledQty)
		}
		if err := r.freeLevel(g, level); err != nil {
			return err
		}
	}

	if r.cfg.Guard != nil {
		if err := r.cfg.Guard.AllowPlacement(ctx, level.Side, level.Price, level.Quantity); err != nil {
			logger.S().Warnf("restore of %s level %s held back: %v", g.Symbol, level.Key(), err)
			return nil
		}
	}
	if _, err := r.lm.PlaceLevel(ctx, g, level, level.Side, level.Price, level.Quantity); err != nil {
		var pe *lifecycle.PlacementError
		if errors.As(err, &pe) {
			logger.S().Warnf("restore of %s level %s rejected, retrying next pass: %v", g.Symbol, level.Key(), err)
			return nil
		}
		return err
	}
	return nil
}

// mirrorDue 判断已终结订单是否还欠一张镜像单:
// 完全成交, 或部分成交已达到镜像阈值
func (r *Reconciler) mirrorDue(ord *models.Order) bool {
	if ord.FilledQty <= 0 {
		return false
	}
	if ord.Status == models.OrderFilled {
		return true
	}
	return r.cfg.PartialFillThreshold < 1 && ord.FilledQty >= ord.Quantity*r.cfg.PartialFillThreshold
}

func (r *Reconciler) freeLevel(g *models.Grid, level *models.Level) error {
	if level.OrderID == "" {
		return nil
	}
	if err := r.st.ClearLevelOrder(g.ID, level.Side, level.Index); err != nil {
		return err
	}
	level.OrderID = ""
	return nil
}

// isPersistence 判断错误是否来自持久层
func isPersistence(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, store.ErrDuplicateTrade) ||
		errors.Is(err, store.ErrStatusRegression) ||
		errors.Is(err, store.ErrBadTransition) {
		return false
	}
	// 网关错误都有明确的类型, 其余按持久层故障处理
	if gateway.IsTransient(err) || gateway.IsRejection(err) || errors.Is(err, gateway.ErrOrderNotFound) {
		return false
	}
	if errors.Is(err, lifecycle.ErrLevelBusy) {
		return false
	}
	var pe *lifecycle.PlacementError
	return !errors.As(err, &pe)
}
