package broker

import (
	"fmt"
	"strings"
)

// RoundingMode selects how order quantities are rounded to the lot size.
type RoundingMode string

const (
	RoundTowardZero RoundingMode = "toward_zero"
	RoundFloor      RoundingMode = "floor"
	RoundCeil       RoundingMode = "ceil"
	// RoundNearest rounds ties half away from zero.
	RoundNearest RoundingMode = "nearest"
)

// MissingPricePolicy selects what happens to an order without a tradable open.
type MissingPricePolicy string

const (
	MissingPriceSkip   MissingPricePolicy = "skip"
	MissingPriceReject MissingPricePolicy = "reject"
)

// Config holds the execution cost and filter parameters.
type Config struct {
	CommissionRate   float64            `yaml:"commission_rate" json:"commission_rate"`
	HalfSpreadBps    float64            `yaml:"half_spread_bps" json:"half_spread_bps"`
	SlippageBps      float64            `yaml:"slippage_bps" json:"slippage_bps"`
	AllowFractional  bool               `yaml:"allow_fractional" json:"allow_fractional"`
	LotSize          float64            `yaml:"lot_size" json:"lot_size"`
	Rounding         RoundingMode       `yaml:"rounding" json:"rounding"`
	MinTradeShares   float64            `yaml:"min_trade_shares" json:"min_trade_shares"`
	MinTradeNotional float64            `yaml:"min_trade_notional" json:"min_trade_notional"`
	ParticipationCap float64            `yaml:"participation_cap" json:"participation_cap"` // fraction of bar volume, 0 disables
	MissingPrice     MissingPricePolicy `yaml:"missing_price" json:"missing_price"`
}

// DefaultConfig returns a frictionless broker trading fractional shares.
func DefaultConfig() Config {
	return Config{
		AllowFractional: true,
		LotSize:         1,
		Rounding:        RoundTowardZero,
		MissingPrice:    MissingPriceSkip,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var problems []string
	if c.CommissionRate < 0 {
		problems = append(problems, "commission_rate must be non-negative")
	}
	if c.HalfSpreadBps < 0 || c.SlippageBps < 0 {
		problems = append(problems, "half_spread_bps and slippage_bps must be non-negative")
	}
	if c.LotSize <= 0 {
		problems = append(problems, "lot_size must be positive")
	}
	switch c.Rounding {
	case RoundTowardZero, RoundFloor, RoundCeil, RoundNearest:
	default:
		problems = append(problems, fmt.Sprintf("unknown rounding mode %q", c.Rounding))
	}
	if c.MinTradeShares < 0 || c.MinTradeNotional < 0 {
		problems = append(problems, "minimum trade filters must be non-negative")
	}
	if c.ParticipationCap < 0 || c.ParticipationCap > 1 {
		problems = append(problems, "participation_cap must be within [0, 1]")
	}
	switch c.MissingPrice {
	case MissingPriceSkip, MissingPriceReject:
	default:
		problems = append(problems, fmt.Sprintf("unknown missing_price policy %q", c.MissingPrice))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid broker config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) needsRounding() bool {
	return !c.AllowFractional || c.LotSize != 1
}
