package grid

import (
	"testing"

	"gridtrader/internal/config"
	"gridtrader/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams() Params {
	return Params{
		GridID:          "grid-1",
		CenterPrice:     1.00,
		Spread:          0.02,
		LevelCount:      2,
		CapitalPerLevel: 5,
		LogMultiplier:   1,
		Mode:            models.ModeTwoSided,
		Rules: models.SymbolRules{
			TickSize: "0.00001",
			StepSize: "0.0001",
		},
	}
}

// TestBuildGeometricLadder checks the compounded spacing on both sides of the center.
func TestBuildGeometricLadder(t *testing.T) {
	levels, err := Build(baseParams())
	require.NoError(t, err)
	require.Len(t, levels, 4)

	byKey := make(map[string]models.Level)
	for _, l := range levels {
		byKey[l.Key()] = l
	}

	assert.InDelta(t, 0.98000, byKey["BUY:0"].Price, 1e-9)
	assert.InDelta(t, 0.96040, byKey["BUY:1"].Price, 1e-9)
	assert.InDelta(t, 1.02000, byKey["SELL:0"].Price, 1e-9)
	assert.InDelta(t, 1.04040, byKey["SELL:1"].Price, 1e-9)
}

// TestBuildQuantityFromCapital checks that quantity is capital/price rounded down to the lot step.
func TestBuildQuantityFromCapital(t *testing.T) {
	levels, err := Build(baseParams())
	require.NoError(t, err)

	for _, l := range levels {
		expected := AdjustToStep(5/l.Price, "0.0001")
		assert.InDelta(t, expected, l.Quantity, 1e-12, "level %s", l.Key())
		// 5 / 0.98 = 5.10204..., floored to 4 decimals
		if l.Key() == "BUY:0" {
			assert.InDelta(t, 5.1020, l.Quantity, 1e-12)
		}
	}
}

// TestBuildBuyOnlyMode verifies that one-sided grids omit the other side entirely.
func TestBuildBuyOnlyMode(t *testing.T) {
	p := baseParams()
	p.Mode = models.ModeBuyOnly
	levels, err := Build(p)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	for _, l := range levels {
		assert.Equal(t, models.Buy, l.Side)
	}

	p.Mode = models.ModeSellOnly
	levels, err = Build(p)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	for _, l := range levels {
		assert.Equal(t, models.Sell, l.Side)
	}
}

// TestBuildLogMultiplier checks the widened spacing of a log-multiplied ladder.
func TestBuildLogMultiplier(t *testing.T) {
	p := baseParams()
	p.LogMultiplier = 2
	levels, err := Build(p)
	require.NoError(t, err)

	byKey := make(map[string]models.Level)
	for _, l := range levels {
		byKey[l.Key()] = l
	}

	// Offsets: 0.02, then 0.02 + 0.04 = 0.06.
	assert.InDelta(t, 0.98, byKey["BUY:0"].Price, 1e-9)
	assert.InDelta(t, 0.94, byKey["BUY:1"].Price, 1e-9)
	assert.InDelta(t, 1.02, byKey["SELL:0"].Price, 1e-9)
	assert.InDelta(t, 1.06, byKey["SELL:1"].Price, 1e-9)
}

// TestBuildRejectsBadParams covers the validation failures that must refuse to build.
func TestBuildRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero center price", func(p *Params) { p.CenterPrice = 0 }},
		{"negative spread", func(p *Params) { p.Spread = -0.01 }},
		{"spread of one", func(p *Params) { p.Spread = 1 }},
		{"zero levels", func(p *Params) { p.LevelCount = 0 }},
		{"zero capital", func(p *Params) { p.CapitalPerLevel = 0 }},
		{"multiplier below one", func(p *Params) { p.LogMultiplier = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams()
			tc.mutate(&p)
			_, err := Build(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

// TestBuildRejectsDegenerateDepth verifies that a ladder whose buy side would cross zero is refused.
func TestBuildRejectsDegenerateDepth(t *testing.T) {
	p := baseParams()
	p.Spread = 0.1
	p.LogMultiplier = 2
	p.LevelCount = 5 // offsets sum to 0.1*(1+2+4+8+16) = 3.1
	_, err := Build(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

// TestBuildRejectsSubMinimumNotional verifies the exchange minimum notional check.
func TestBuildRejectsSubMinimumNotional(t *testing.T) {
	p := baseParams()
	p.CapitalPerLevel = 4
	p.Rules.MinNotional = 5
	_, err := Build(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

// TestMirrorPrice checks the opposite-side price produced after a fill.
func TestMirrorPrice(t *testing.T) {
	// A buy filled at 0.98 with a 2% step mirrors to a sell at 0.9996.
	sell := MirrorPrice(0.98, models.Buy, 0.02, "0.00001")
	assert.InDelta(t, 0.99960, sell, 1e-9)

	// A sell filled at 1.02 mirrors back to a buy at 1.02/1.02 = 1.00.
	buy := MirrorPrice(1.02, models.Sell, 0.02, "0.00001")
	assert.InDelta(t, 1.00000, buy, 1e-9)
}

// TestMirrorStep checks per-level widening of the mirror step.
func TestMirrorStep(t *testing.T) {
	assert.InDelta(t, 0.02, MirrorStep(0.02, 1, 3), 1e-12)
	assert.InDelta(t, 0.02, MirrorStep(0.02, 2, 0), 1e-12)
	assert.InDelta(t, 0.08, MirrorStep(0.02, 2, 2), 1e-12)
}

// TestAdjustToStep covers the string-precision rounding helper.
func TestAdjustToStep(t *testing.T) {
	assert.InDelta(t, 5.102, AdjustToStep(5.10204, "0.001"), 1e-12)
	assert.InDelta(t, 5.0, AdjustToStep(5.9, "1"), 1e-12)
	assert.InDelta(t, 5.9, AdjustToStep(5.9, ""), 1e-12)
	assert.InDelta(t, 0.0999, AdjustToStep(0.09999, "0.0001"), 1e-12)
}
