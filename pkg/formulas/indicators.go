package formulas

import (
	"github.com/markcheno/go-talib"
)

// lastValid returns the last element of series when it is a usable number.
func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if !IsValid(v) {
		return nil
	}
	return &v
}

// CalculateSMA calculates the Simple Moving Average of the last `length` values.
// Returns nil if there is not enough data.
func CalculateSMA(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length {
		return nil
	}
	if length == 1 {
		return lastValid(closes)
	}
	return lastValid(talib.Sma(closes, length))
}

// CalculateEMA calculates the Exponential Moving Average
//
//	EMA_today = (Price_today × multiplier) + (EMA_yesterday × (1 - multiplier))
//	where multiplier = 2 / (period + 1)
//
// Falls back to the SMA of all data when the series is shorter than the period.
func CalculateEMA(closes []float64, length int) *float64 {
	if len(closes) == 0 || length <= 0 {
		return nil
	}
	if len(closes) < length || length == 1 {
		m := Mean(closes)
		if length == 1 {
			return lastValid(closes)
		}
		return &m
	}
	return lastValid(talib.Ema(closes, length))
}

// CalculateRSI calculates the Relative Strength Index (0-100) over `length` periods.
func CalculateRSI(closes []float64, length int) *float64 {
	if length <= 1 || len(closes) <= length {
		return nil
	}
	return lastValid(talib.Rsi(closes, length))
}

// CalculateMomentum returns the rate of change over `length` bars as a fraction:
// (close_t / close_{t-length}) - 1.
func CalculateMomentum(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) <= length {
		return nil
	}
	roc := lastValid(talib.Roc(closes, length))
	if roc == nil {
		return nil
	}
	v := *roc / 100.0
	return &v
}

// RollingMax returns the highest value of the last `length` elements.
func RollingMax(values []float64, length int) *float64 {
	if length <= 0 || len(values) < length {
		return nil
	}
	if length == 1 {
		return lastValid(values)
	}
	return lastValid(talib.Max(values, length))
}

// RollingMin returns the lowest value of the last `length` elements.
func RollingMin(values []float64, length int) *float64 {
	if length <= 0 || len(values) < length {
		return nil
	}
	if length == 1 {
		return lastValid(values)
	}
	return lastValid(talib.Min(values, length))
}

// RealizedVolatility returns the annualized standard deviation of the daily
// returns of the last `length`+1 closes.
func RealizedVolatility(closes []float64, length int) *float64 {
	if length < 2 || len(closes) < length+1 {
		return nil
	}
	window := closes[len(closes)-length-1:]
	v := AnnualizedVolatility(CalculateReturns(window))
	return &v
}
