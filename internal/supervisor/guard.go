package supervisor

import (
	"context"
	"fmt"

	"gridtrader/internal/gateway"
	"gridtrader/internal/models"
)

// balanceGuard 在镜像挂单前检查余额底线,
// 避免网格把保留资金也押进挂单。
type balanceGuard struct {
	gw   gateway.Gateway
	pair models.PairConfig
}

func (b *balanceGuard) AllowPlacement(ctx context.Context, side models.Side, price, quantity float64) error {
	if side == models.Buy {
		if b.pair.MinQuoteReserve <= 0 {
			return nil
		}
		free, err := b.gw.GetBalance(ctx, b.pair.QuoteAsset)
		if err != nil {
			return err
		}
		if free-price*quantity < b.pair.MinQuoteReserve {
			return fmt.Errorf("quote reserve floor: %v %s free, order needs %v, floor %v",
				free, b.pair.QuoteAsset, price*quantity, b.pair.MinQuoteReserve)
		}
		return nil
	}
	if b.pair.MinBaseReserve <= 0 {
		return nil
	}
	free, err := b.gw.GetBalance(ctx, b.pair.BaseAsset)
	if err != nil {
		return err
	}
	if free-quantity < b.pair.MinBaseReserve {
		return fmt.Errorf("base reserve floor: %v %s free, order needs %v, floor %v",
			free, b.pair.BaseAsset, quantity, b.pair.MinBaseReserve)
	}
	return nil
}
