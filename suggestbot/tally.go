package suggestbot

import (
	"fmt"
	"strings"
)

const (
	tallyBarWidth  = 20
	tallyBarFilled = "█"
	tallyBarEmpty  = "░"

	// percentages are computed in basis points (1/100th of a percent) so
	// rounding is exact integer math
	basisPointsTotal = 10000
)

// TallyView is the display form of a [Tally]: a fixed-width bar and
// the up/down percentages, rounded to two decimal places.
type TallyView struct {
	Bar         string  `json:"bar"`
	UpPercent   float64 `json:"up_percent"`
	DownPercent float64 `json:"down_percent"`
}

// Render returns the bar and percentages for the given vote counts.
//
// With no votes, both percentages are zero and the bar is empty. Otherwise
// the up percentage is rounded half-up to two decimals, the down percentage
// is 100 minus that, and the bar has floor(up%/100 * 20) filled units.
// Negative counts are treated as zero.
func Render(up, down int64) TallyView {
	up = max(up, 0)
	down = max(down, 0)
	total := up + down
	if total == 0 {
		return TallyView{Bar: strings.Repeat(tallyBarEmpty, tallyBarWidth)}
	}

	upBP := roundHalfUpDiv(up*basisPointsTotal, total)
	downBP := basisPointsTotal - upBP

	filled := int(upBP * tallyBarWidth / basisPointsTotal)

	return TallyView{
		Bar: strings.Repeat(tallyBarFilled, filled) +
			strings.Repeat(tallyBarEmpty, tallyBarWidth-filled),
		UpPercent:   float64(upBP) / 100,
		DownPercent: float64(downBP) / 100,
	}
}

// roundHalfUpDiv returns n/d rounded half-up, for n >= 0 and d > 0
func roundHalfUpDiv(n, d int64) int64 {
	return (2*n + d) / (2 * d)
}

// FormatPercent formats a percentage with two decimals, ex: "33.33%"
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.2f%%", p)
}

// Distribution returns a one-line summary, ex: "👍 50.00% | 👎 50.00%"
func (v TallyView) Distribution() string {
	return fmt.Sprintf(
		"%s %s | %s %s",
		emojiThumbsUp,
		FormatPercent(v.UpPercent),
		emojiThumbsDown,
		FormatPercent(v.DownPercent),
	)
}

// FilledUnits returns the number of filled units in the bar
func (v TallyView) FilledUnits() int {
	return strings.Count(v.Bar, tallyBarFilled)
}

// EmptyUnits returns the number of empty units in the bar
func (v TallyView) EmptyUnits() int {
	return strings.Count(v.Bar, tallyBarEmpty)
}
