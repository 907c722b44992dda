package reporter

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gridtrader/internal/models"
	"gridtrader/internal/store"
	"gridtrader/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	grids []models.Grid
}

func (s *staticSource) Grids() []models.Grid { return s.grids }

func newReportStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// TestCollectAndRender verifies that the report includes per-grid order and trade stats.
func TestCollectAndRender(t *testing.T) {
	st := newReportStore(t)
	now := time.Now()

	grid := models.Grid{
		ID:              "g-report",
		Symbol:          "BTCUSDT",
		Status:          models.GridActive,
		CenterPrice:     100,
		Spread:          0.02,
		LevelCount:      2,
		CapitalPerLevel: 50,
		LogMultiplier:   1,
		Mode:            models.ModeTwoSided,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, st.SaveGrid(&grid))
	require.NoError(t, st.SaveLevels(grid.ID, []models.Level{
		{GridID: grid.ID, Index: 0, Side: models.Buy, Price: 98, Quantity: 0.5},
	}))

	order := models.Order{
		ID:            "10001",
		ClientOrderID: "gtg-report-x",
		GridID:        grid.ID,
		LevelIndex:    0,
		LevelSide:     models.Buy,
		Side:          models.Buy,
		Price:         98,
		Quantity:      0.5,
		Status:        models.OrderOpen,
		CreatedAt:     now,
	}
	require.NoError(t, st.SaveOrderAndLevel(&order))

	filled := order
	filled.FilledQty = 0.5
	filled.Status = models.OrderFilled
	require.NoError(t, st.RecordFill(&models.Trade{
		GridID:    grid.ID,
		OrderID:   order.ID,
		Symbol:    grid.Symbol,
		Side:      models.Buy,
		Price:     98,
		Quantity:  0.5,
		CumFilled: 0.5,
		Fee:       0.049,
		CreatedAt: now,
	}, &filled))

	snaps, err := Collect(&staticSource{grids: []models.Grid{grid}}, st)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	// The filled order no longer counts as open.
	assert.Equal(t, 0, snaps[0].OpenOrders)
	assert.Equal(t, 1, snaps[0].Summary.TradeCount)
	assert.InDelta(t, 49.0, snaps[0].Summary.BuyVolume, 1e-9)

	out := Render(snaps)
	assert.True(t, strings.Contains(out, "BTCUSDT"))
	assert.True(t, strings.Contains(out, string(models.GridActive)))
	assert.True(t, strings.Contains(out, "49.0000"))
}

// TestCollectSortsBySymbol verifies deterministic ordering of the report rows.
func TestCollectSortsBySymbol(t *testing.T) {
	st := newReportStore(t)
	now := time.Now()
	var grids []models.Grid
	for _, sym := range []string{"ETHUSDT", "BTCUSDT"} {
		g := models.Grid{
			ID:              "g-" + sym,
			Symbol:          sym,
			Status:          models.GridActive,
			CenterPrice:     100,
			Spread:          0.01,
			LevelCount:      1,
			CapitalPerLevel: 10,
			LogMultiplier:   1,
			Mode:            models.ModeTwoSided,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		require.NoError(t, st.SaveGrid(&g))
		grids = append(grids, g)
	}

	snaps, err := Collect(&staticSource{grids: grids}, st)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "BTCUSDT", snaps[0].Grid.Symbol)
	assert.Equal(t, "ETHUSDT", snaps[1].Grid.Symbol)
}
