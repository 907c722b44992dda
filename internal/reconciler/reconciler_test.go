package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gridtrader/internal/gateway"
	"gridtrader/internal/lifecycle"
	"gridtrader/internal/models"
	"gridtrader/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	gw   *gateway.SimGateway
	st   *sqlite.SQLiteStore
	mgr  *lifecycle.Manager
	rec  *Reconciler
	grid *models.Grid
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rules := models.SymbolRules{TickSize: "0.0001", StepSize: "0.0001"}
	gw := gateway.NewSimGateway(0.001)
	gw.AddSymbol("BTCUSDT", "BTC", "USDT", rules)
	gw.Deposit("USDT", 10000)
	gw.Deposit("BTC", 100)
	gw.SetPrice("BTCUSDT", 100)

	now := time.Now()
	grid := &models.Grid{
		ID: "g1", Symbol: "BTCUSDT", Status: models.GridActive,
		CenterPrice: 100, Spread: 0.02, LevelCount: 1, CapitalPerLevel: 490,
		LogMultiplier: 1, Mode: models.ModeBuyOnly, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.SaveGrid(grid))
	require.NoError(t, st.SaveLevels(grid.ID, []models.Level{
		{GridID: grid.ID, Index: 0, Side: models.Buy, Price: 98, Quantity: 5},
	}))

	retry := gateway.RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond}
	mgr := lifecycle.NewManager(gw, st, retry, nil)

	cfg.QuoteAsset = "USDT"
	cfg.Rules = rules
	return &testEnv{
		gw:   gw,
		st:   st,
		mgr:  mgr,
		rec:  New(gw, st, mgr, retry, nil, cfg),
		grid: grid,
	}
}

func (env *testEnv) placeBuyLevel(t *testing.T) *models.Order {
	t.Helper()
	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	order, err := env.mgr.PlaceLevel(context.Background(), env.grid, &levels[0], models.Buy, 98, 5)
	require.NoError(t, err)
	return order
}

// TestFillRecordedAndMirrored walks a buy fill through to the mirrored sell.
func TestFillRecordedAndMirrored(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	env.gw.SetPrice("BTCUSDT", 97)
	require.NoError(t, env.rec.Run(ctx, env.grid))

	// The fill is recorded with the opening leg at zero realized delta.
	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.InDelta(t, 5, trades[0].Quantity, 1e-9)
	assert.InDelta(t, 5, trades[0].CumFilled, 1e-9)
	assert.InDelta(t, 0.49, trades[0].Fee, 1e-9)
	assert.InDelta(t, 0, trades[0].Realized, 1e-9)

	loaded, err := env.st.GetOrder(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, loaded.Status)

	// The level now carries a sell at 98 * 1.02 = 99.96.
	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.Equal(t, models.Buy, mirror.LevelSide, "the mirror stays on its home level")
	assert.InDelta(t, 99.96, mirror.Price, 1e-9)
	assert.InDelta(t, 5, mirror.Quantity, 1e-9)
}

// TestRunIsIdempotent verifies that a second pass over the same state writes nothing new.
func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.placeBuyLevel(t)

	env.gw.SetPrice("BTCUSDT", 97)
	require.NoError(t, env.rec.Run(ctx, env.grid))
	require.NoError(t, env.rec.Run(ctx, env.grid))

	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, 1, env.gw.OpenOrderCount("BTCUSDT"), "only the single mirror order remains")
}

// TestRoundTripRealized verifies the realized delta once the mirrored sell fills.
func TestRoundTripRealized(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.placeBuyLevel(t)

	env.gw.SetPrice("BTCUSDT", 97)
	require.NoError(t, env.rec.Run(ctx, env.grid))
	env.gw.SetPrice("BTCUSDT", 100)
	require.NoError(t, env.rec.Run(ctx, env.grid))

	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	sell := trades[1]
	assert.Equal(t, models.Sell, sell.Side)
	// (99.96 - 98) * 5 minus the 0.4998 sell fee.
	assert.InDelta(t, 9.3002, sell.Realized, 1e-6)

	summary, err := env.st.ProfitSummary(env.grid.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TradeCount)
	assert.InDelta(t, 9.3002, summary.Realized, 1e-6)

	// The sell fill mirrors back to a buy at 99.96 / 1.02 = 98.
	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	back, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Buy, back.Side)
	assert.InDelta(t, 98, back.Price, 1e-9)
}

// TestPartialFillThreshold verifies the cancel-and-mirror behavior at the threshold.
func TestPartialFillThreshold(t *testing.T) {
	env := newTestEnv(t, Config{PartialFillThreshold: 0.5})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	// 40% filled: below the threshold, the order keeps resting.
	require.NoError(t, env.gw.FillPartial(buy.ID, 2))
	require.NoError(t, env.rec.Run(ctx, env.grid))
	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	loaded, err := env.st.GetOrder(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartiallyFilled, loaded.Status)
	assert.Equal(t, 1, env.gw.OpenOrderCount("BTCUSDT"))

	// 60% filled: the remainder is cancelled and the filled part mirrored.
	require.NoError(t, env.gw.FillPartial(buy.ID, 1))
	require.NoError(t, env.rec.Run(ctx, env.grid))

	trades, err = env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 3, trades[1].CumFilled, 1e-9)

	loaded, err = env.st.GetOrder(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, loaded.Status)

	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.InDelta(t, 3, mirror.Quantity, 1e-9)
}

// TestConflictFreesLevel verifies that an order unknown to the exchange is closed
// locally and the freed level gets a fresh order on the same pass.
func TestConflictFreesLevel(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// A locally recorded order the exchange has never seen.
	ghost := &models.Order{
		ID: "99999", ClientOrderID: "ghost", GridID: env.grid.ID,
		LevelIndex: 0, LevelSide: models.Buy, Side: models.Buy,
		Price: 98, Quantity: 5, Status: models.OrderOpen,
		CreatedAt: time.Now(), LastSyncedAt: time.Now(),
	}
	require.NoError(t, env.st.SaveOrderAndLevel(ghost))

	require.NoError(t, env.rec.Run(ctx, env.grid))

	loaded, err := env.st.GetOrder("99999")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, loaded.Status)

	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID, "the level must be re-placed after the conflict")
	assert.NotEqual(t, "99999", levels[0].OrderID)
	fresh, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Buy, fresh.Side)
	assert.InDelta(t, 98, fresh.Price, 1e-9)
	assert.Equal(t, 1, env.gw.OpenOrderCount("BTCUSDT"))
}

// gatedGuard vetoes every placement until opened.
type gatedGuard struct{ open bool }

func (g *gatedGuard) AllowPlacement(ctx context.Context, side models.Side, price, quantity float64) error {
	if g.open {
		return nil
	}
	return errors.New("reserve floor reached")
}

// TestGuardHoldsBackMirror verifies that a vetoed mirror keeps the level bound to
// the filled order and goes out once the guard opens.
func TestGuardHoldsBackMirror(t *testing.T) {
	guard := &gatedGuard{}
	env := newTestEnv(t, Config{Guard: guard})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	env.gw.SetPrice("BTCUSDT", 97)
	require.NoError(t, env.rec.Run(ctx, env.grid))

	// The fill is recorded, no mirror goes out, and the level keeps pointing at
	// the filled order so the mirror stays owed.
	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, 0, env.gw.OpenOrderCount("BTCUSDT"))
	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	assert.Equal(t, buy.ID, levels[0].OrderID)

	guard.open = true
	require.NoError(t, env.rec.Run(ctx, env.grid))

	levels, err = env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.InDelta(t, 5, mirror.Quantity, 1e-9)
	assert.Equal(t, 1, env.gw.OpenOrderCount("BTCUSDT"))
}

// TestMirrorRetriedAfterOutage verifies that a mirror lost to a gateway outage
// is placed on a later pass instead of being dropped.
func TestMirrorRetriedAfterOutage(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	env.gw.SetPrice("BTCUSDT", 97)
	env.gw.PlaceErr = gateway.Transient(errors.New("connection reset"))
	require.NoError(t, env.rec.Run(ctx, env.grid))

	// The fill is recorded but the mirror could not go out; the level keeps
	// pointing at the filled order so the mirror stays owed.
	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 0, env.gw.OpenOrderCount("BTCUSDT"))
	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	assert.Equal(t, buy.ID, levels[0].OrderID)

	env.gw.PlaceErr = nil
	require.NoError(t, env.rec.Run(ctx, env.grid))

	levels, err = env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.InDelta(t, 5, mirror.Quantity, 1e-9)

	// No duplicate trade was written along the way.
	trades, err = env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

// TestRejectedMirrorRetriedNextPass verifies that a mirror the exchange rejects
// is retried every pass and recovers once the rejection clears.
func TestRejectedMirrorRetriedNextPass(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	env.gw.SetPrice("BTCUSDT", 97)
	env.gw.PlaceErr = gateway.ErrInsufficientBalance
	require.NoError(t, env.rec.Run(ctx, env.grid))

	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	assert.Equal(t, buy.ID, levels[0].OrderID, "the rejected mirror stays owed")
	assert.Equal(t, 0, env.gw.OpenOrderCount("BTCUSDT"))

	env.gw.PlaceErr = nil
	require.NoError(t, env.rec.Run(ctx, env.grid))

	levels, err = env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.Equal(t, 1, env.gw.OpenOrderCount("BTCUSDT"))
}

// TestFreshReconcilerReplaysOwedMirror verifies that a level left bound to a
// filled order, as after a crash between the fill record and the mirror, is
// recovered by a newly built reconciler over the persisted state.
func TestFreshReconcilerReplaysOwedMirror(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	// The fill lands on disk but the mirror never goes out.
	env.gw.SetPrice("BTCUSDT", 97)
	env.gw.PlaceErr = gateway.Transient(errors.New("connection reset"))
	require.NoError(t, env.rec.Run(ctx, env.grid))
	env.gw.PlaceErr = nil

	// A new process would load the grid from the store and build everything fresh.
	reloaded, err := env.st.GetGrid(env.grid.ID)
	require.NoError(t, err)
	retry := gateway.RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond}
	rec2 := New(env.gw, env.st, env.mgr, retry, nil, Config{
		QuoteAsset: "USDT",
		Rules:      models.SymbolRules{TickSize: "0.0001", StepSize: "0.0001"},
	})
	require.NoError(t, rec2.Run(ctx, reloaded))

	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	assert.NotEqual(t, buy.ID, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.InDelta(t, 5, mirror.Quantity, 1e-9)
}

// TestLateFillInCancelWindowRecorded verifies that a fill landing between the
// status query and the cancel is still written as a trade and included in the
// mirrored quantity.
func TestLateFillInCancelWindowRecorded(t *testing.T) {
	env := newTestEnv(t, Config{PartialFillThreshold: 0.5})
	ctx := context.Background()
	buy := env.placeBuyLevel(t)

	require.NoError(t, env.gw.FillPartial(buy.ID, 3))
	// Another increment lands after the status query, just before the cancel.
	env.gw.CancelHook = func(orderID string) {
		env.gw.CancelHook = nil
		require.NoError(t, env.gw.FillPartial(orderID, 1))
	}
	require.NoError(t, env.rec.Run(ctx, env.grid))

	trades, err := env.st.Trades(env.grid.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 3, trades[0].CumFilled, 1e-9)
	assert.InDelta(t, 1, trades[1].Quantity, 1e-9)
	assert.InDelta(t, 4, trades[1].CumFilled, 1e-9)

	loaded, err := env.st.GetOrder(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, loaded.Status)
	assert.InDelta(t, 4, loaded.FilledQty, 1e-9)

	// The mirror covers the full executed quantity including the late part.
	levels, err := env.st.Levels(env.grid.ID)
	require.NoError(t, err)
	require.NotEmpty(t, levels[0].OrderID)
	mirror, err := env.st.GetOrder(levels[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, mirror.Side)
	assert.InDelta(t, 4, mirror.Quantity, 1e-9)
}
