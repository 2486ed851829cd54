package domain

// StrengthLevel is the discrete 0-5 market stress level.
type StrengthLevel int

const (
	LevelNone StrengthLevel = iota
	LevelMild
	LevelModerate
	LevelStrong
	LevelVeryStrong
	LevelExtreme
)

// Histogram counts positions of one side per profit-rate bucket. The upper
// buckets are cumulative: a position at 95% counts in Ge90, Ge80, ... Ge40.
type Histogram struct {
	Ge100    int
	Ge90     int
	Ge80     int
	Ge70     int
	Ge60     int
	Ge50     int
	Ge40     int
	Le20     int
	Le10     int
	Negative int
	Total    int
}

// Regime flags the accumulation/reversal condition.
type Regime struct {
	Accumulation bool
	Reason       string
}

// StrengthSnapshot is a derived, non-persisted classification of one side.
type StrengthSnapshot struct {
	Side      Side
	Histogram Histogram
	Level     StrengthLevel
	Advisory  string
	Regime    Regime
}

// DisplayText returns the text shown to operators; the regime wins when flagged.
func (s StrengthSnapshot) DisplayText() string {
	if s.Regime.Accumulation {
		return s.Regime.Reason
	}
	return s.Advisory
}

// AnchorOpenAllowed reports whether new anchors on this side may open.
func (s StrengthSnapshot) AnchorOpenAllowed() bool {
	return !s.Regime.Accumulation
}
