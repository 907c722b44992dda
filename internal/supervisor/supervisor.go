package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridtrader/internal/gateway"
	"gridtrader/internal/grid"
	"gridtrader/internal/lifecycle"
	"gridtrader/internal/logger"
	"gridtrader/internal/metrics"
	"gridtrader/internal/models"
	"gridtrader/internal/reconciler"
	"gridtrader/internal/store"

	"github.com/google/uuid"
)

// commandType 是运行时控制命令
type commandType int

const (
	cmdPause commandType = iota
	cmdResume
	cmdReconcile
	cmdStop
)

type command struct {
	typ  commandType
	done chan error
}

// Options 是监督器的运行参数
type Options struct {
	PollInterval         time.Duration
	CycleTimeout         time.Duration
	PartialFillThreshold float64
	Retry                gateway.RetryPolicy
	Metrics              *metrics.Metrics
}

// Supervisor 负责单个交易对网格的完整生命周期:
// 初始化、轮询驱动对账、暂停恢复和有序停止。
// 所有控制都通过命令队列进入事件循环, 内部状态无锁。
type Supervisor struct {
	pair models.PairConfig
	opts Options

	gw  gateway.Gateway
	st  store.Store
	lm  *lifecycle.Manager
	rec *reconciler.Reconciler

	grid *models.Grid

	mu       sync.RWMutex // 保护 grid 的外部读取
	commands chan command
	done     chan struct{}
}

// New 创建交易对监督器
func New(gw gateway.Gateway, st store.Store, pair models.PairConfig, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	s := &Supervisor{
		pair:     pair,
		opts:     opts,
		gw:       gw,
		st:       st,
		commands: make(chan command, 16),
		done:     make(chan struct{}),
	}
	s.lm = lifecycle.NewManager(gw, st, opts.Retry, opts.Metrics)
	return s
}

// Start 初始化网格并启动事件循环。
// 初始化是全有或全无的: 任何一档挂单失败都会撤掉已挂出的订单并停止网格。
// 返回 nil 后循环在后台运行, 直到 Stop 或 ctx 取消。
func (s *Supervisor) Start(ctx context.Context) error {
	rules, err := s.gw.GetSymbolRules(ctx, s.pair.Symbol)
	if err != nil {
		return fmt.Errorf("rules for %s: %w", s.pair.Symbol, err)
	}

	s.rec = reconciler.New(s.gw, s.st, s.lm, s.opts.Retry, s.opts.Metrics, reconciler.Config{
		PartialFillThreshold: s.opts.PartialFillThreshold,
		QuoteAsset:           s.pair.QuoteAsset,
		Rules:                *rules,
		Guard:                &balanceGuard{gw: s.gw, pair: s.pair},
	})

	existing, err := s.st.ActiveGridBySymbol(s.pair.Symbol)
	if err != nil {
		return fmt.Errorf("lookup grid for %s: %w", s.pair.Symbol, err)
	}
	if existing != nil {
		if err := s.adopt(ctx, existing, rules); err != nil {
			return err
		}
	} else {
		if err := s.initialize(ctx, rules); err != nil {
			return err
		}
	}

	go s.loop(ctx)
	return nil
}

// adopt 接管重启前已存在的网格, 先做一轮对账消化停机期间的成交
func (s *Supervisor) adopt(ctx context.Context, g *models.Grid, rules *models.SymbolRules) error {
	logger.S().Infof("adopting existing grid %s for %s in status %s", g.ID, g.Symbol, g.Status)
	if g.Status == models.GridPending {
		// 上次初始化中途断电, 回滚残留订单后重新来过
		if err := s.lm.CancelAll(ctx, g); err != nil {
			return fmt.Errorf("rollback pending grid %s: %w", g.ID, err)
		}
		if err := s.st.UpdateGridStatus(g.ID, models.GridStopped); err != nil {
			return err
		}
		return s.initialize(ctx, rules)
	}

	s.setGrid(g)
	if g.Status != models.GridActive {
		// 暂停中的网格只接管不对账, 恢复后由轮询周期补上
		return nil
	}
	// 追赶对账会消化停机期间的成交, 补挂欠下的镜像单和失去引用的档位
	if err := s.rec.Run(ctx, g); err != nil {
		return fmt.Errorf("catch-up reconcile for %s: %w", g.Symbol, err)
	}
	return nil
}

// initialize 构建档位并挂出全部初始订单
func (s *Supervisor) initialize(ctx context.Context, rules *models.SymbolRules) error {
	center := s.pair.CenterPrice
	if center <= 0 {
		var err error
		center, err = s.gw.GetPrice(ctx, s.pair.Symbol)
		if err != nil {
			return fmt.Errorf("price for %s: %w", s.pair.Symbol, err)
		}
	}

	now := time.Now()
	g := &models.Grid{
		ID:              uuid.NewString(),
		Symbol:          s.pair.Symbol,
		Status:          models.GridPending,
		CenterPrice:     center,
		Spread:          s.pair.Spread,
		LevelCount:      s.pair.LevelCount,
		CapitalPerLevel: s.pair.CapitalPerLevel,
		LogMultiplier:   s.pair.LogMultiplier,
		Mode:            s.pair.Mode,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	levels, err := grid.Build(grid.Params{
		GridID:          g.ID,
		CenterPrice:     center,
		Spread:          g.Spread,
		LevelCount:      g.LevelCount,
		CapitalPerLevel: g.CapitalPerLevel,
		LogMultiplier:   g.LogMultiplier,
		Mode:            g.Mode,
		Rules:           *rules,
	})
	if err != nil {
		return err
	}
	if err := s.checkFunding(ctx, levels); err != nil {
		return err
	}

	if err := s.st.SaveGrid(g); err != nil {
		return fmt.Errorf("persist grid for %s: %w", g.Symbol, err)
	}
	if err := s.st.SaveLevels(g.ID, levels); err != nil {
		return fmt.Errorf("persist levels for %s: %w", g.Symbol, err)
	}

	for i := range levels {
		l := &levels[i]
		_, err := s.lm.PlaceLevel(ctx, g, l, l.Side, l.Price, l.Quantity)
		if err != nil {
			// 全有或全无: 撤掉已挂出的订单, 网格直接进入终态
			logger.S().Errorf("grid init for %s failed at level %s, rolling back: %v", g.Symbol, l.Key(), err)
			if cerr := s.lm.CancelAll(ctx, g); cerr != nil {
				logger.S().Errorf("rollback of %s left orders behind: %v", g.Symbol, cerr)
			}
			if serr := s.st.UpdateGridStatus(g.ID, models.GridStopped); serr != nil {
				logger.S().Errorf("failed to mark grid %s stopped: %v", g.ID, serr)
			}
			return fmt.Errorf("initialize grid for %s: %w", g.Symbol, err)
		}
	}

	if err := s.st.UpdateGridStatus(g.ID, models.GridActive); err != nil {
		return err
	}
	g.Status = models.GridActive
	s.setGrid(g)
	logger.S().Infof("grid %s for %s active with %d orders around %v",
		g.ID, g.Symbol, len(levels), center)
	return nil
}

// checkFunding 在挂出任何订单之前核对两侧余额是否足够
func (s *Supervisor) checkFunding(ctx context.Context, levels []models.Level) error {
	var quoteNeed, baseNeed float64
	for _, l := range levels {
		if l.Side == models.Buy {
			quoteNeed += l.Price * l.Quantity
		} else {
			baseNeed += l.Quantity
		}
	}
	if quoteNeed > 0 {
		free, err := s.gw.GetBalance(ctx, s.pair.QuoteAsset)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", s.pair.QuoteAsset, err)
		}
		if free-quoteNeed < s.pair.MinQuoteReserve {
			return fmt.Errorf("%w: need %v %s for buy side, have %v (reserve %v)",
				gateway.ErrInsufficientBalance, quoteNeed, s.pair.QuoteAsset, free, s.pair.MinQuoteReserve)
		}
	}
	if baseNeed > 0 {
		free, err := s.gw.GetBalance(ctx, s.pair.BaseAsset)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", s.pair.BaseAsset, err)
		}
		if free-baseNeed < s.pair.MinBaseReserve {
			return fmt.Errorf("%w: need %v %s for sell side, have %v (reserve %v)",
				gateway.ErrInsufficientBalance, baseNeed, s.pair.BaseAsset, free, s.pair.MinBaseReserve)
		}
	}
	return nil
}

// loop 是监督器的事件循环, 串行处理命令和轮询
func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 进程退出: 挂单保留在交易所, 重启后由 adopt 流程接管
			logger.S().Infof("supervisor for %s exiting, resting orders stay at the exchange", s.pair.Symbol)
			return
		case cmd := <-s.commands:
			if quit := s.handleCommand(ctx, cmd); quit {
				return
			}
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, cmd command) (quit bool) {
	var err error
	switch cmd.typ {
	case cmdPause:
		err = s.transition(models.GridPaused)
	case cmdResume:
		err = s.transition(models.GridActive)
	case cmdReconcile:
		if g := s.Grid(); g == nil || g.Status != models.GridActive {
			err = errors.New("grid is not active")
		} else {
			s.tick(ctx)
		}
	case cmdStop:
		err = s.shutdown(ctx)
		quit = err == nil
	}
	if cmd.done != nil {
		cmd.done <- err
	}
	return quit
}

// tick 在网格处于 Active 时跑一轮对账
func (s *Supervisor) tick(ctx context.Context) {
	g := s.Grid()
	if g == nil || g.Status != models.GridActive {
		return
	}
	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	defer cancel()

	if err := s.rec.Run(cycleCtx, g); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// 超时和网关瞬时故障留到下一个轮询周期重试, 不改变网格状态
		if errors.Is(err, context.DeadlineExceeded) || gateway.IsTransient(err) {
			logger.S().Warnf("reconcile cycle for %s did not finish, retrying next cadence: %v", s.pair.Symbol, err)
			return
		}
		// 持久层故障时自动暂停, 避免在脱离账本的情况下继续交易
		logger.S().Errorf("ALERT: reconcile cycle for %s failed, pausing grid: %v", s.pair.Symbol, err)
		s.opts.Metrics.GridsPaused.Inc()
		if perr := s.transition(models.GridPaused); perr != nil {
			logger.S().Errorf("failed to pause grid %s: %v", g.ID, perr)
		}
	}
}

// transition 推进网格状态并持久化
func (s *Supervisor) transition(to models.GridStatus) error {
	g := s.Grid()
	if g == nil {
		return errors.New("no grid attached")
	}
	if g.Status == to {
		return nil
	}
	if !g.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrBadTransition, g.Status, to)
	}
	if err := s.st.UpdateGridStatus(g.ID, to); err != nil {
		return err
	}
	s.mu.Lock()
	s.grid.Status = to
	s.mu.Unlock()
	logger.S().Infof("grid %s for %s is now %s", g.ID, g.Symbol, to)
	return nil
}

// shutdown 撤掉全部挂单并把网格推进到终态
func (s *Supervisor) shutdown(ctx context.Context) error {
	g := s.Grid()
	if g == nil {
		return nil
	}
	if err := s.transition(models.GridStopping); err != nil {
		return err
	}
	if err := s.lm.CancelAll(ctx, g); err != nil {
		logger.S().Errorf("stop of %s could not cancel every order: %v", g.Symbol, err)
		return err
	}
	return s.transition(models.GridStopped)
}

func (s *Supervisor) send(ctx context.Context, typ commandType) error {
	done := make(chan error, 1)
	select {
	case s.commands <- command{typ: typ, done: done}:
	case <-s.done:
		return errors.New("supervisor already stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause 暂停轮询, 已挂订单留在交易所
func (s *Supervisor) Pause(ctx context.Context) error {
	return s.send(ctx, cmdPause)
}

// Resume 恢复轮询
func (s *Supervisor) Resume(ctx context.Context) error {
	return s.send(ctx, cmdResume)
}

// ReconcileNow 在事件循环内立刻跑一轮对账, 网格未激活时返回错误
func (s *Supervisor) ReconcileNow(ctx context.Context) error {
	return s.send(ctx, cmdReconcile)
}

// Stop 撤掉全部挂单并退出事件循环。
// 撤单失败时网格停在 Stopping, 事件循环继续运行, 可以重试 Stop;
// 循环已退出后调用返回 nil。
func (s *Supervisor) Stop(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.send(ctx, cmdStop)
}

// Done 在事件循环退出后关闭
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Grid 返回当前网格的快照
func (s *Supervisor) Grid() *models.Grid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grid == nil {
		return nil
	}
	g := *s.grid
	return &g
}

// Symbol 返回监督的交易对
func (s *Supervisor) Symbol() string {
	return s.pair.Symbol
}

func (s *Supervisor) setGrid(g *models.Grid) {
	s.mu.Lock()
	s.grid = g
	s.mu.Unlock()
}
