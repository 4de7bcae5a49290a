package broker

import "github.com/shopspring/decimal"

// RoundToLot rounds qty to a multiple of lot using mode. The arithmetic runs
// in decimal so that e.g. 0.3/0.1 lands on exactly 3 lots.
func RoundToLot(qty, lot float64, mode RoundingMode) float64 {
	if lot <= 0 {
		return qty
	}
	units := decimal.NewFromFloat(qty).Div(decimal.NewFromFloat(lot))

	switch mode {
	case RoundFloor:
		units = units.Floor()
	case RoundCeil:
		units = units.Ceil()
	case RoundNearest:
		units = units.Round(0)
	default:
		units = units.Truncate(0)
	}

	return units.Mul(decimal.NewFromFloat(lot)).InexactFloat64()
}
