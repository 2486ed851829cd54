// Package strength classifies market stress from the distribution of open
// positions' profit rates, one side at a time.
package strength

import (
	"fmt"

	"anchorBot/internal/domain"
)

var advisories = map[domain.StrengthLevel]string{
	domain.LevelNone:       "no signal",
	domain.LevelMild:       "mild move, re-entry point near 50%",
	domain.LevelModerate:   "moderate move, re-entry point near 60%",
	domain.LevelStrong:     "strong move, re-entry point near 70%",
	domain.LevelVeryStrong: "very strong move, re-entry point near 90%",
	domain.LevelExtreme:    "extreme move, re-entry point above 100%",
}

// Advisory returns the fixed advisory text of a level.
func Advisory(level domain.StrengthLevel) string {
	if s, ok := advisories[level]; ok {
		return s
	}
	return advisories[domain.LevelNone]
}

// RegimeThresholds configure the accumulation/reversal regime. All three
// counts must be reached for the regime to be flagged.
type RegimeThresholds struct {
	LowProfitMax       float64 // positions with profit rate <= this count as low profit
	LowProfitCount     int
	VeryLowProfitMax   float64
	VeryLowProfitCount int
	LosingCount        int
}

// DefaultRegimeThresholds returns <=20% x8, <=10% x6, losing x2.
func DefaultRegimeThresholds() RegimeThresholds {
	return RegimeThresholds{
		LowProfitMax:       20,
		LowProfitCount:     8,
		VeryLowProfitMax:   10,
		VeryLowProfitCount: 6,
		LosingCount:        2,
	}
}

// Classifier builds snapshots with a fixed set of regime thresholds.
type Classifier struct {
	regime RegimeThresholds
}

// NewClassifier creates a classifier.
func NewClassifier(regime RegimeThresholds) *Classifier {
	return &Classifier{regime: regime}
}

// BuildHistogram counts positions of side per profit-rate bucket.
func (c *Classifier) BuildHistogram(reports []domain.PositionReport, side domain.Side) domain.Histogram {
	var h domain.Histogram
	for _, r := range reports {
		if r.Side != side {
			continue
		}
		rate := r.ProfitRate()
		h.Total++
		if rate >= 100 {
			h.Ge100++
		}
		if rate >= 90 {
			h.Ge90++
		}
		if rate >= 80 {
			h.Ge80++
		}
		if rate >= 70 {
			h.Ge70++
		}
		if rate >= 60 {
			h.Ge60++
		}
		if rate >= 50 {
			h.Ge50++
		}
		if rate >= 40 {
			h.Ge40++
		}
		if rate <= c.regime.LowProfitMax {
			h.Le20++
		}
		if rate <= c.regime.VeryLowProfitMax {
			h.Le10++
		}
		if rate < 0 {
			h.Negative++
		}
	}
	return h
}

// Classify maps a histogram to a level. Rules are checked from the most
// extreme down and the first match wins.
func Classify(h domain.Histogram) domain.StrengthLevel {
	upper := h.Ge100 == 0 && h.Ge90 == 0 && h.Ge80 == 0
	switch {
	case h.Ge100 >= 1:
		return domain.LevelExtreme
	case h.Ge100 == 0 && h.Ge90 >= 1 && h.Ge80 >= 1:
		return domain.LevelVeryStrong
	case upper && h.Ge70 >= 1 && h.Ge60 >= 2:
		return domain.LevelStrong
	case upper && h.Ge70 == 0 && h.Ge60 >= 2:
		return domain.LevelModerate
	case upper && h.Ge70 == 0 && h.Ge60 == 0 && h.Ge50 == 0 && h.Ge40 >= 3:
		return domain.LevelMild
	default:
		return domain.LevelNone
	}
}

// ClassifyRegime flags the accumulation/reversal regime.
func (c *Classifier) ClassifyRegime(h domain.Histogram) domain.Regime {
	t := c.regime
	if h.Le20 >= t.LowProfitCount && h.Le10 >= t.VeryLowProfitCount && h.Negative >= t.LosingCount {
		return domain.Regime{
			Accumulation: true,
			Reason: fmt.Sprintf("accumulation/reversal: %d at <=%.0f%%, %d at <=%.0f%%, %d losing",
				h.Le20, t.LowProfitMax, h.Le10, t.VeryLowProfitMax, h.Negative),
		}
	}
	return domain.Regime{
		Reason: fmt.Sprintf("no accumulation: %d/%d at <=%.0f%%, %d/%d at <=%.0f%%, %d/%d losing",
			h.Le20, t.LowProfitCount, t.LowProfitMax, h.Le10, t.VeryLowProfitCount, t.VeryLowProfitMax, h.Negative, t.LosingCount),
	}
}

// Snapshot classifies one side of the given reports.
func (c *Classifier) Snapshot(reports []domain.PositionReport, side domain.Side) domain.StrengthSnapshot {
	h := c.BuildHistogram(reports, side)
	level := Classify(h)
	return domain.StrengthSnapshot{
		Side:      side,
		Histogram: h,
		Level:     level,
		Advisory:  Advisory(level),
		Regime:    c.ClassifyRegime(h),
	}
}
