package data

import (
	"math"
	"time"
)

// Thresholds for close-to-close moves reported as anomalies.
const (
	maxCloseChange = 10.0 // +1000%
	minCloseChange = -0.9 // -90%
)

// Anomaly reasons.
const (
	AnomalyHighBelowLow   = "high_below_low"
	AnomalyHighBelowBody  = "high_below_open_or_close"
	AnomalyLowAboveBody   = "low_above_open_or_close"
	AnomalyNonPositive    = "non_positive_price"
	AnomalyCloseSpike     = "close_spike"
	AnomalyCloseCrash     = "close_crash"
	AnomalyNegativeVolume = "negative_volume"
)

// Anomaly is a suspicious bar. Anomalies are reported, never corrected.
type Anomaly struct {
	Date   time.Time
	Symbol string
	Reason string
	Value  float64
}

// Inspect scans every present bar for OHLC inconsistencies, non-positive
// prices and extreme close-to-close moves between consecutive closes.
// Missing fields are skipped.
func Inspect(t *Table) []Anomaly {
	var out []Anomaly
	for _, sym := range t.Symbols {
		s := t.prices[sym]
		if s == nil {
			continue
		}
		prevClose := math.NaN()
		for i, present := range s.Present {
			if !present {
				continue
			}
			add := func(reason string, v float64) {
				out = append(out, Anomaly{Date: t.Dates[i], Symbol: sym, Reason: reason, Value: v})
			}
			o, h, l, c := s.Open[i], s.High[i], s.Low[i], s.Close[i]

			for _, v := range []float64{o, h, l, c} {
				if !math.IsNaN(v) && v <= 0 {
					add(AnomalyNonPositive, v)
					break
				}
			}
			if known(h) && known(l) && h < l {
				add(AnomalyHighBelowLow, h-l)
			}
			if known(h) && ((known(o) && h < o) || (known(c) && h < c)) {
				add(AnomalyHighBelowBody, h)
			}
			if known(l) && ((known(o) && l > o) || (known(c) && l > c)) {
				add(AnomalyLowAboveBody, l)
			}
			if v := s.Volume[i]; !math.IsNaN(v) && v < 0 {
				add(AnomalyNegativeVolume, v)
			}

			if !known(c) || c <= 0 {
				continue
			}
			if known(prevClose) && prevClose > 0 {
				change := c/prevClose - 1
				switch {
				case change > maxCloseChange:
					add(AnomalyCloseSpike, change)
				case change < minCloseChange:
					add(AnomalyCloseCrash, change)
				}
			}
			prevClose = c
		}
	}
	return out
}

func known(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
