package supervisor

import (
	"context"
	"fmt"
	"sync"

	"gridtrader/internal/gateway"
	"gridtrader/internal/logger"
	"gridtrader/internal/models"
	"gridtrader/internal/store"
)

// Fleet 管理多个交易对的监督器, 控制同时运行的数量上限
type Fleet struct {
	gw   gateway.Gateway
	st   store.Store
	opts Options
	max  int

	mu   sync.Mutex
	subs map[string]*Supervisor
}

// NewFleet 创建监督器编队。maxActivePairs 非正时不限制。
func NewFleet(gw gateway.Gateway, st store.Store, opts Options, maxActivePairs int) *Fleet {
	return &Fleet{
		gw:   gw,
		st:   st,
		opts: opts,
		max:  maxActivePairs,
		subs: make(map[string]*Supervisor),
	}
}

// Launch 为一个交易对启动监督器。
// 超出数量上限或交易对已在运行时拒绝。
func (f *Fleet) Launch(ctx context.Context, pair models.PairConfig) (*Supervisor, error) {
	f.mu.Lock()
	if _, ok := f.subs[pair.Symbol]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("pair %s already supervised", pair.Symbol)
	}
	if f.max > 0 && len(f.subs) >= f.max {
		f.mu.Unlock()
		return nil, fmt.Errorf("max active pairs (%d) reached, cannot launch %s", f.max, pair.Symbol)
	}
	// 先占位, 避免两个并发 Launch 同时通过上限检查
	f.subs[pair.Symbol] = nil
	f.mu.Unlock()

	sup := New(f.gw, f.st, pair, f.opts)
	if err := sup.Start(ctx); err != nil {
		f.mu.Lock()
		delete(f.subs, pair.Symbol)
		f.mu.Unlock()
		return nil, err
	}

	f.mu.Lock()
	f.subs[pair.Symbol] = sup
	f.mu.Unlock()
	return sup, nil
}

// Get 返回某交易对的监督器
func (f *Fleet) Get(symbol string) *Supervisor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[symbol]
}

// Grids 返回全部受管网格的快照
func (f *Fleet) Grids() []models.Grid {
	f.mu.Lock()
	defer f.mu.Unlock()
	grids := make([]models.Grid, 0, len(f.subs))
	for _, sup := range f.subs {
		if sup == nil {
			continue
		}
		if g := sup.Grid(); g != nil {
			grids = append(grids, *g)
		}
	}
	return grids
}

// StopAll 并发停止所有监督器并等待它们退出
func (f *Fleet) StopAll(ctx context.Context) {
	f.mu.Lock()
	subs := make([]*Supervisor, 0, len(f.subs))
	for _, sup := range f.subs {
		if sup != nil {
			subs = append(subs, sup)
		}
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range subs {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			if err := sup.Stop(ctx); err != nil {
				logger.S().Errorf("stop %s: %v", sup.Symbol(), err)
			}
			select {
			case <-sup.Done():
			case <-ctx.Done():
			}
		}(sup)
	}
	wg.Wait()
}
