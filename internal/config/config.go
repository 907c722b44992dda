package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gridtrader/internal/models"
)

// ErrInvalid 标记配置校验失败，所有校验错误都包裹它
var ErrInvalid = errors.New("invalid configuration")

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中。
// 加载后填充缺省值并做校验，校验失败的配置不会被返回。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyDefaults 为未设置的可选项填充缺省值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Backend == "sqlite" {
			cfg.Store.Path = "gridtrader.db"
		} else {
			cfg.Store.Path = "gridtrader_badger"
		}
	}
	if cfg.MaxActivePairs <= 0 {
		cfg.MaxActivePairs = len(cfg.Pairs)
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 5
	}
	if cfg.CycleTimeoutSec <= 0 {
		cfg.CycleTimeoutSec = 30
	}
	if cfg.PartialFillThreshold <= 0 {
		cfg.PartialFillThreshold = 1.0
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs <= 0 {
		cfg.RetryInitialDelayMs = 500
	}
	if cfg.WebSocketPingIntervalSec <= 0 {
		cfg.WebSocketPingIntervalSec = 54
	}
	if cfg.WebSocketPongTimeoutSec <= 0 {
		cfg.WebSocketPongTimeoutSec = 60
	}
	for i := range cfg.Pairs {
		p := &cfg.Pairs[i]
		if p.LogMultiplier == 0 {
			p.LogMultiplier = 1
		}
		if p.Mode == "" {
			p.Mode = models.ModeTwoSided
		}
	}
}

// Validate 校验配置的完整性和数值范围
func Validate(cfg *models.Config) error {
	if cfg.Store.Backend != "sqlite" && cfg.Store.Backend != "badger" {
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, cfg.Store.Backend)
	}
	if cfg.PartialFillThreshold > 1 {
		return fmt.Errorf("%w: partial_fill_threshold must be in (0, 1], got %v", ErrInvalid, cfg.PartialFillThreshold)
	}
	if len(cfg.Pairs) == 0 {
		return fmt.Errorf("%w: no trading pairs configured", ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Pairs {
		if err := ValidatePair(&p); err != nil {
			return err
		}
		if seen[p.Symbol] {
			return fmt.Errorf("%w: duplicate pair %s", ErrInvalid, p.Symbol)
		}
		seen[p.Symbol] = true
	}
	return nil
}

// ValidatePair 校验单个交易对的网格参数
func ValidatePair(p *models.PairConfig) error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: pair symbol is empty", ErrInvalid)
	}
	if p.Spread <= 0 || p.Spread >= 1 {
		return fmt.Errorf("%w: %s spread must be in (0, 1), got %v", ErrInvalid, p.Symbol, p.Spread)
	}
	if p.LevelCount <= 0 {
		return fmt.Errorf("%w: %s level_count must be positive, got %d", ErrInvalid, p.Symbol, p.LevelCount)
	}
	if p.CapitalPerLevel <= 0 {
		return fmt.Errorf("%w: %s capital_per_level must be positive, got %v", ErrInvalid, p.Symbol, p.CapitalPerLevel)
	}
	if p.LogMultiplier < 1 {
		return fmt.Errorf("%w: %s log_multiplier must be >= 1, got %v", ErrInvalid, p.Symbol, p.LogMultiplier)
	}
	if p.CenterPrice < 0 {
		return fmt.Errorf("%w: %s center_price must not be negative, got %v", ErrInvalid, p.Symbol, p.CenterPrice)
	}
	switch p.Mode {
	case models.ModeTwoSided, models.ModeBuyOnly, models.ModeSellOnly:
	default:
		return fmt.Errorf("%w: %s unknown mode %q", ErrInvalid, p.Symbol, p.Mode)
	}
	return nil
}
