package badger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"gridtrader/internal/models"
	"gridtrader/internal/store"

	badgerdb "github.com/dgraph-io/badger/v3"
)

// BadgerStore 是基于 BadgerDB 的 Store 实现。
// 所有值为 JSON, 按类型前缀组织键空间:
//
//	grid:<id>                     网格
//	gridsym:<symbol>              交易对 -> 未停止网格的 ID
//	level:<gridID>:<side>:<idx>   档位
//	order:<id>                    订单
//	ogrid:<gridID>:<orderID>      网格 -> 订单的索引
//	trade:<gridID>:<seq>          成交流水
//	tradekey:<orderID>:<cum>      成交去重键
type BadgerStore struct {
	db  *badgerdb.DB
	seq *badgerdb.Sequence
}

// Open 打开 (或创建) Badger 数据库
func Open(path string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path)
	// 关闭 Badger 自身的日志, 错误仍会从操作中返回
	opts.Logger = nil

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("seq:trade"), 128)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func gridKey(id string) []byte     { return []byte("grid:" + id) }
func gridSymKey(sym string) []byte { return []byte("gridsym:" + sym) }
func orderKey(id string) []byte    { return []byte("order:" + id) }
func orderGridKey(g, o string) []byte {
	return []byte("ogrid:" + g + ":" + o)
}
func levelKey(g string, side models.Side, idx int) []byte {
	return []byte("level:" + g + ":" + string(side) + ":" + strconv.Itoa(idx))
}
func tradeKey(g string, seq uint64) []byte {
	return []byte(fmt.Sprintf("trade:%s:%012d", g, seq))
}
func tradeDedupKey(orderID string, cumFilled float64) []byte {
	return []byte("tradekey:" + orderID + ":" + strconv.FormatFloat(cumFilled, 'f', 8, 64))
}

// SaveGrid 插入新网格并登记交易对索引
func (s *BadgerStore) SaveGrid(grid *models.Grid) error {
	data, err := json.Marshal(grid)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(gridSymKey(grid.Symbol)); err == nil {
			return fmt.Errorf("%w: %s", store.ErrGridExists, grid.Symbol)
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(gridKey(grid.ID), data); err != nil {
			return err
		}
		return txn.Set(gridSymKey(grid.Symbol), []byte(grid.ID))
	})
}

// GetGrid 按 ID 查询网格, 不存在时返回 (nil, nil)
func (s *BadgerStore) GetGrid(id string) (*models.Grid, error) {
	var grid models.Grid
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, gridKey(id), &grid)
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grid, nil
}

// ActiveGridBySymbol 返回交易对上未停止的网格, 不存在时返回 (nil, nil)
func (s *BadgerStore) ActiveGridBySymbol(symbol string) (*models.Grid, error) {
	var grid models.Grid
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(gridSymKey(symbol))
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, gridKey(id), &grid)
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grid, nil
}

// ListGrids 返回全部网格, 按创建时间排序
func (s *BadgerStore) ListGrids() ([]models.Grid, error) {
	var grids []models.Grid
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanPrefix(txn, []byte("grid:"), func(val []byte) error {
			var g models.Grid
			if err := json.Unmarshal(val, &g); err != nil {
				return err
			}
			grids = append(grids, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(grids, func(i, j int) bool { return grids[i].CreatedAt.Before(grids[j].CreatedAt) })
	return grids, nil
}

// UpdateGridStatus 按状态机推进网格状态
func (s *BadgerStore) UpdateGridStatus(id string, to models.GridStatus) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		var grid models.Grid
		if err := getJSON(txn, gridKey(id), &grid); err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return fmt.Errorf("grid %s not found", id)
			}
			return err
		}
		if grid.Status != to && !grid.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", store.ErrBadTransition, grid.Status, to)
		}
		grid.Status = to
		grid.UpdatedAt = time.Now()
		data, err := json.Marshal(&grid)
		if err != nil {
			return err
		}
		if err := txn.Set(gridKey(id), data); err != nil {
			return err
		}
		// 网格停止后释放交易对索引
		if to == models.GridStopped {
			return txn.Delete(gridSymKey(grid.Symbol))
		}
		return nil
	})
}

// SaveLevels 写入网格的全部档位
func (s *BadgerStore) SaveLevels(gridID string, levels []models.Level) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		for i := range levels {
			data, err := json.Marshal(&levels[i])
			if err != nil {
				return err
			}
			if err := txn.Set(levelKey(gridID, levels[i].Side, levels[i].Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Levels 返回网格的全部档位
func (s *BadgerStore) Levels(gridID string) ([]models.Level, error) {
	var levels []models.Level
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanPrefix(txn, []byte("level:"+gridID+":"), func(val []byte) error {
			var l models.Level
			if err := json.Unmarshal(val, &l); err != nil {
				return err
			}
			levels = append(levels, l)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Side != levels[j].Side {
			return levels[i].Side < levels[j].Side
		}
		return levels[i].Index < levels[j].Index
	})
	return levels, nil
}

// SaveOrderAndLevel 落库订单并把它绑定到所属档位
func (s *BadgerStore) SaveOrderAndLevel(order *models.Order) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := putOrder(txn, order); err != nil {
			return err
		}
		var level models.Level
		key := levelKey(order.GridID, order.LevelSide, order.LevelIndex)
		if err := getJSON(txn, key, &level); err != nil {
			return fmt.Errorf("level %s:%d not found for order %s: %w",
				order.LevelSide, order.LevelIndex, order.ID, err)
		}
		level.OrderID = order.ID
		data, err := json.Marshal(&level)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// SaveOrder 更新订单, 状态只允许单向推进
func (s *BadgerStore) SaveOrder(order *models.Order) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return putOrder(txn, order)
	})
}

func putOrder(txn *badgerdb.Txn, order *models.Order) error {
	var existing models.Order
	err := getJSON(txn, orderKey(order.ID), &existing)
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return err
	}
	if err == nil && !existing.Status.CanTransition(order.Status) {
		return fmt.Errorf("%w: order %s %s -> %s",
			store.ErrStatusRegression, order.ID, existing.Status, order.Status)
	}
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	if err := txn.Set(orderKey(order.ID), data); err != nil {
		return err
	}
	return txn.Set(orderGridKey(order.GridID, order.ID), []byte(order.ID))
}

// GetOrder 按 ID 查询订单, 不存在时返回 (nil, nil)
func (s *BadgerStore) GetOrder(id string) (*models.Order, error) {
	var order models.Order
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, orderKey(id), &order)
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OpenOrders 返回网格下所有未终结的订单
func (s *BadgerStore) OpenOrders(gridID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var ids []string
		if err := scanPrefix(txn, []byte("ogrid:"+gridID+":"), func(val []byte) error {
			ids = append(ids, string(val))
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			var o models.Order
			if err := getJSON(txn, orderKey(id), &o); err != nil {
				return err
			}
			if !o.Status.Terminal() {
				orders = append(orders, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

// ClearLevelOrder 释放档位
func (s *BadgerStore) ClearLevelOrder(gridID string, side models.Side, index int) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		var level models.Level
		key := levelKey(gridID, side, index)
		if err := getJSON(txn, key, &level); err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return nil
			}
			return err
		}
		level.OrderID = ""
		data, err := json.Marshal(&level)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// RecordFill 在一个事务里记录成交并推进订单, 按 (order_id, cum_filled) 去重
func (s *BadgerStore) RecordFill(trade *models.Trade, order *models.Order) error {
	seq, err := s.seq.Next()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		dedup := tradeDedupKey(trade.OrderID, trade.CumFilled)
		if _, err := txn.Get(dedup); err == nil {
			return store.ErrDuplicateTrade
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}
		trade.ID = int64(seq)
		data, err := json.Marshal(trade)
		if err != nil {
			return err
		}
		if err := txn.Set(tradeKey(trade.GridID, seq), data); err != nil {
			return err
		}
		if err := txn.Set(dedup, nil); err != nil {
			return err
		}
		return putOrder(txn, order)
	})
}

// Trades 返回网格的成交流水, 键本身保证了时间顺序
func (s *BadgerStore) Trades(gridID string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanPrefix(txn, []byte("trade:"+gridID+":"), func(val []byte) error {
			var t models.Trade
			if err := json.Unmarshal(val, &t); err != nil {
				return err
			}
			trades = append(trades, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// ProfitSummary 汇总网格的成交统计
func (s *BadgerStore) ProfitSummary(gridID string) (*store.ProfitSummary, error) {
	trades, err := s.Trades(gridID)
	if err != nil {
		return nil, err
	}
	summary := &store.ProfitSummary{GridID: gridID}
	for _, t := range trades {
		summary.TradeCount++
		summary.Symbol = t.Symbol
		if t.Side == models.Buy {
			summary.BuyVolume += t.Price * t.Quantity
		} else {
			summary.SellVolume += t.Price * t.Quantity
		}
		summary.TotalFees += t.Fee
		summary.Realized += t.Realized
	}
	return summary, nil
}

// Close 释放序列号并关闭数据库
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		return err
	}
	return s.db.Close()
}

func getJSON(txn *badgerdb.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func scanPrefix(txn *badgerdb.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
