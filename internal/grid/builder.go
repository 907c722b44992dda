package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gridtrader/internal/config"
	"gridtrader/internal/models"
)

// Params 是一次网格构建所需的全部输入
type Params struct {
	GridID          string
	CenterPrice     float64
	Spread          float64
	LevelCount      int
	CapitalPerLevel float64
	LogMultiplier   float64 // 1 表示等比网格
	Mode            models.GridMode
	Rules           models.SymbolRules
}

// Build 根据参数计算出全部档位，纯函数，不做任何 I/O。
// 等比网格 (LogMultiplier=1) 的第 i 档价格为 center*(1±spread)^(i+1)；
// LogMultiplier>1 时间距按 spread*multiplier^i 逐档放大。
// 数量为 capital/price 按步长向下取整。
func Build(p Params) ([]models.Level, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	levels := make([]models.Level, 0, 2*p.LevelCount)
	if p.Mode != models.ModeSellOnly {
		for i := 0; i < p.LevelCount; i++ {
			price := levelPrice(p, models.Buy, i)
			lvl, err := makeLevel(p, models.Buy, i, price)
			if err != nil {
				return nil, err
			}
			levels = append(levels, lvl)
		}
	}
	if p.Mode != models.ModeBuyOnly {
		for i := 0; i < p.LevelCount; i++ {
			price := levelPrice(p, models.Sell, i)
			lvl, err := makeLevel(p, models.Sell, i, price)
			if err != nil {
				return nil, err
			}
			levels = append(levels, lvl)
		}
	}
	return levels, nil
}

// MirrorStep 返回第 index 档成交后镜像挂单使用的间距比例
func MirrorStep(spread, multiplier float64, index int) float64 {
	if multiplier <= 1 {
		return spread
	}
	return spread * math.Pow(multiplier, float64(index))
}

// MirrorPrice 计算成交订单的镜像挂单价格。
// 买单成交后在其上方 step 处挂卖单，卖单成交后在其下方 step 处挂买单。
func MirrorPrice(fillPrice float64, filledSide models.Side, step float64, tickSize string) float64 {
	var raw float64
	if filledSide == models.Buy {
		raw = fillPrice * (1 + step)
	} else {
		raw = fillPrice / (1 + step)
	}
	return AdjustToStep(raw, tickSize)
}

func levelPrice(p Params, side models.Side, index int) float64 {
	if p.LogMultiplier <= 1 {
		ratio := math.Pow(1+p.Spread, float64(index+1))
		if side == models.Buy {
			ratio = math.Pow(1-p.Spread, float64(index+1))
		}
		return p.CenterPrice * ratio
	}
	// 对数放大网格: 偏移量逐档乘以 multiplier
	offset := 0.0
	for i := 0; i <= index; i++ {
		offset += p.Spread * math.Pow(p.LogMultiplier, float64(i))
	}
	if side == models.Buy {
		return p.CenterPrice * (1 - offset)
	}
	return p.CenterPrice * (1 + offset)
}

func makeLevel(p Params, side models.Side, index int, price float64) (models.Level, error) {
	price = AdjustToStep(price, p.Rules.TickSize)
	if price <= 0 {
		return models.Level{}, fmt.Errorf("%w: %s level %d price %v is not positive",
			config.ErrInvalid, side, index, price)
	}
	qty := AdjustToStep(p.CapitalPerLevel/price, p.Rules.StepSize)
	if qty <= 0 || (p.Rules.MinQty > 0 && qty < p.Rules.MinQty) {
		return models.Level{}, fmt.Errorf("%w: %s level %d quantity %v below minimum lot",
			config.ErrInvalid, side, index, qty)
	}
	if p.Rules.MinNotional > 0 && price*qty < p.Rules.MinNotional {
		return models.Level{}, fmt.Errorf("%w: %s level %d notional %v below exchange minimum %v",
			config.ErrInvalid, side, index, price*qty, p.Rules.MinNotional)
	}
	return models.Level{
		GridID:   p.GridID,
		Index:    index,
		Side:     side,
		Price:    price,
		Quantity: qty,
	}, nil
}

func validate(p Params) error {
	if p.CenterPrice <= 0 {
		return fmt.Errorf("%w: center price must be positive, got %v", config.ErrInvalid, p.CenterPrice)
	}
	if p.Spread <= 0 || p.Spread >= 1 {
		return fmt.Errorf("%w: spread must be in (0, 1), got %v", config.ErrInvalid, p.Spread)
	}
	if p.LevelCount <= 0 {
		return fmt.Errorf("%w: level count must be positive, got %d", config.ErrInvalid, p.LevelCount)
	}
	if p.CapitalPerLevel <= 0 {
		return fmt.Errorf("%w: capital per level must be positive, got %v", config.ErrInvalid, p.CapitalPerLevel)
	}
	if p.LogMultiplier != 0 && p.LogMultiplier < 1 {
		return fmt.Errorf("%w: log multiplier must be >= 1, got %v", config.ErrInvalid, p.LogMultiplier)
	}
	// 最深的买单价格必须保持为正
	if p.LogMultiplier > 1 {
		offset := 0.0
		for i := 0; i < p.LevelCount; i++ {
			offset += p.Spread * math.Pow(p.LogMultiplier, float64(i))
		}
		if offset >= 1 {
			return fmt.Errorf("%w: grid depth drives buy prices to zero (total offset %v)", config.ErrInvalid, offset)
		}
	}
	return nil
}

// AdjustToStep 将数值按交易所步长向下取整，步长为空时原样返回。
// 用字符串格式化收尾以规避浮点误差。
func AdjustToStep(value float64, step string) float64 {
	if step == "" {
		return value
	}
	if !strings.Contains(step, ".") {
		// 如果步长是 "1", "10" 等整数，直接取整
		return math.Floor(value)
	}
	decimalPlaces := len(step) - strings.Index(step, ".") - 1

	factor := math.Pow(10, float64(decimalPlaces))
	scaled := value * factor
	// 浮点乘方会产生 1ulp 级别的误差, 加一个极小量避免 0.9604 被截成 0.96039
	scaled += math.Max(1e-9, scaled*1e-12)
	adjustedValue := math.Floor(scaled) / factor

	// 最终再用 strconv 确保转换的正确性
	finalValue, _ := strconv.ParseFloat(fmt.Sprintf("%.*f", decimalPlaces, adjustedValue), 64)
	return finalValue
}
