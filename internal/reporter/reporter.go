package reporter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gridtrader/internal/logger"
	"gridtrader/internal/models"
	"gridtrader/internal/store"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Snapshot 汇总单个网格在某一时刻的运行状态
type Snapshot struct {
	Grid       models.Grid
	OpenOrders int
	Summary    store.ProfitSummary
}

// GridSource 提供当前受管网格的快照, 由舰队实现
type GridSource interface {
	Grids() []models.Grid
}

// Collect 从存储层补齐每个网格的挂单数和成交汇总
func Collect(src GridSource, st store.Store) ([]Snapshot, error) {
	grids := src.Grids()
	snaps := make([]Snapshot, 0, len(grids))
	for _, g := range grids {
		snap := Snapshot{Grid: g}
		orders, err := st.OpenOrders(g.ID)
		if err != nil {
			return nil, fmt.Errorf("查询网格 %s 挂单失败: %w", g.ID, err)
		}
		snap.OpenOrders = len(orders)
		summary, err := st.ProfitSummary(g.ID)
		if err != nil {
			return nil, fmt.Errorf("汇总网格 %s 成交失败: %w", g.ID, err)
		}
		if summary != nil {
			snap.Summary = *summary
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Grid.Symbol < snaps[j].Grid.Symbol })
	return snaps, nil
}

// Render 将快照渲染成文本表格
func Render(snaps []Snapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"交易对", "状态", "中枢价", "间距", "档位", "挂单", "成交", "买入额", "卖出额", "手续费", "已实现"})
	for _, s := range snaps {
		t.AppendRow(table.Row{
			s.Grid.Symbol,
			string(s.Grid.Status),
			fmt.Sprintf("%.8g", s.Grid.CenterPrice),
			fmt.Sprintf("%.2f%%", s.Grid.Spread*100),
			s.Grid.LevelCount,
			s.OpenOrders,
			s.Summary.TradeCount,
			fmt.Sprintf("%.4f", s.Summary.BuyVolume),
			fmt.Sprintf("%.4f", s.Summary.SellVolume),
			fmt.Sprintf("%.4f", s.Summary.TotalFees),
			fmt.Sprintf("%.4f", s.Summary.Realized),
		})
	}
	var totalRealized, totalFees float64
	totalTrades := 0
	for _, s := range snaps {
		totalRealized += s.Summary.Realized
		totalFees += s.Summary.TotalFees
		totalTrades += s.Summary.TradeCount
	}
	t.AppendFooter(table.Row{"合计", "", "", "", "", "", totalTrades, "", "",
		fmt.Sprintf("%.4f", totalFees), fmt.Sprintf("%.4f", totalRealized)})
	return t.Render()
}

// Reporter 定期把网格运行报告写入日志
type Reporter struct {
	src      GridSource
	st       store.Store
	interval time.Duration

	stopChannel chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

func New(src GridSource, st store.Store, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		src:         src,
		st:          st,
		interval:    interval,
		stopChannel: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start 启动后台报告循环
func (r *Reporter) Start() {
	go r.loop()
}

// Stop 停止报告循环并等待退出
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopChannel) })
	<-r.done
}

// Report 立即生成一次报告
func (r *Reporter) Report() {
	snaps, err := Collect(r.src, r.st)
	if err != nil {
		logger.S().Errorf("生成运行报告失败: %v", err)
		return
	}
	if len(snaps) == 0 {
		logger.S().Info("当前没有受管的网格")
		return
	}
	logger.S().Infof("网格运行报告\n%s", Render(snaps))
}

func (r *Reporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChannel:
			return
		case <-ticker.C:
			r.Report()
		}
	}
}
