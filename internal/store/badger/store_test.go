package badger

import (
	"testing"
	"time"

	"gridtrader/internal/models"
	"gridtrader/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testGrid(id, symbol string) *models.Grid {
	now := time.Now().Truncate(time.Millisecond)
	return &models.Grid{
		ID:              id,
		Symbol:          symbol,
		Status:          models.GridPending,
		CenterPrice:     100,
		Spread:          0.02,
		LevelCount:      2,
		CapitalPerLevel: 50,
		LogMultiplier:   1,
		Mode:            models.ModeTwoSided,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TestGridLifecycle verifies grid persistence, the symbol index and transition checks.
func TestGridLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveGrid(testGrid("g1", "BTCUSDT")))
	err := s.SaveGrid(testGrid("g2", "BTCUSDT"))
	assert.ErrorIs(t, err, store.ErrGridExists)

	active, err := s.ActiveGridBySymbol("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "g1", active.ID)

	require.NoError(t, s.UpdateGridStatus("g1", models.GridActive))
	err = s.UpdateGridStatus("g1", models.GridStopped)
	assert.ErrorIs(t, err, store.ErrBadTransition)

	require.NoError(t, s.UpdateGridStatus("g1", models.GridStopping))
	require.NoError(t, s.UpdateGridStatus("g1", models.GridStopped))

	// The symbol index is released once the grid stops.
	active, err = s.ActiveGridBySymbol("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, active)
	require.NoError(t, s.SaveGrid(testGrid("g2", "BTCUSDT")))
}

// TestLevelsRoundTrip verifies level persistence, binding and release.
func TestLevelsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	levels := []models.Level{
		{GridID: "g1", Index: 0, Side: models.Buy, Price: 98, Quantity: 0.5},
		{GridID: "g1", Index: 1, Side: models.Buy, Price: 96.04, Quantity: 0.52},
		{GridID: "g1", Index: 0, Side: models.Sell, Price: 102, Quantity: 0.49},
	}
	require.NoError(t, s.SaveLevels("g1", levels))

	order := &models.Order{
		ID: "o1", ClientOrderID: "c1", GridID: "g1",
		LevelIndex: 1, LevelSide: models.Buy, Side: models.Buy,
		Price: 96.04, Quantity: 0.52, Status: models.OrderOpen,
		CreatedAt: time.Now(), LastSyncedAt: time.Now(),
	}
	require.NoError(t, s.SaveOrderAndLevel(order))

	got, err := s.Levels("g1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	var bound int
	for _, l := range got {
		if l.OrderID == "o1" {
			bound++
		}
	}
	assert.Equal(t, 1, bound)

	require.NoError(t, s.ClearLevelOrder("g1", models.Buy, 1))
	got, err = s.Levels("g1")
	require.NoError(t, err)
	for _, l := range got {
		assert.Empty(t, l.OrderID)
	}
}

// TestFillDeduplicationAndOrderProgress mirrors the reconciliation write path.
func TestFillDeduplicationAndOrderProgress(t *testing.T) {
	s := openTestStore(t)
	order := &models.Order{
		ID: "o1", ClientOrderID: "c1", GridID: "g1",
		LevelIndex: 0, LevelSide: models.Buy, Side: models.Buy,
		Price: 98, Quantity: 1, Status: models.OrderOpen,
		CreatedAt: time.Now(), LastSyncedAt: time.Now(),
	}
	require.NoError(t, s.SaveOrder(order))

	trade := &models.Trade{
		GridID: "g1", OrderID: "o1", Symbol: "BTCUSDT", Side: models.Buy,
		Price: 98, Quantity: 0.4, CumFilled: 0.4, Fee: 0.039, CreatedAt: time.Now(),
	}
	order.Status = models.OrderPartiallyFilled
	order.FilledQty = 0.4
	require.NoError(t, s.RecordFill(trade, order))
	assert.ErrorIs(t, s.RecordFill(trade, order), store.ErrDuplicateTrade)

	trade2 := &models.Trade{
		GridID: "g1", OrderID: "o1", Symbol: "BTCUSDT", Side: models.Buy,
		Price: 98, Quantity: 0.6, CumFilled: 1.0, Fee: 0.059, CreatedAt: time.Now(),
	}
	order.Status = models.OrderFilled
	order.FilledQty = 1.0
	require.NoError(t, s.RecordFill(trade2, order))

	trades, err := s.Trades("g1")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 0.4, trades[0].Quantity, 1e-12)
	assert.InDelta(t, 0.6, trades[1].Quantity, 1e-12)

	loaded, err := s.GetOrder("o1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.OrderFilled, loaded.Status)

	// Regression back to OPEN must fail.
	loaded.Status = models.OrderOpen
	assert.ErrorIs(t, s.SaveOrder(loaded), store.ErrStatusRegression)

	open, err := s.OpenOrders("g1")
	require.NoError(t, err)
	assert.Empty(t, open)

	summary, err := s.ProfitSummary("g1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TradeCount)
	assert.InDelta(t, 98.0, summary.BuyVolume, 1e-9)
	assert.InDelta(t, 0.098, summary.TotalFees, 1e-9)
}
