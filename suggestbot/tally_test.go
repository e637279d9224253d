package suggestbot

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		up          int64
		down        int64
		upPercent   float64
		downPercent float64
		filled      int
	}{
		{up: 0, down: 0, upPercent: 0, downPercent: 0, filled: 0},
		{up: 1, down: 0, upPercent: 100, downPercent: 0, filled: 20},
		{up: 0, down: 1, upPercent: 0, downPercent: 100, filled: 0},
		{up: 1, down: 1, upPercent: 50, downPercent: 50, filled: 10},
		{up: 1, down: 2, upPercent: 33.33, downPercent: 66.67, filled: 6},
		{up: 2, down: 1, upPercent: 66.67, downPercent: 33.33, filled: 13},
		{up: 3, down: 1, upPercent: 75, downPercent: 25, filled: 15},
		{up: 1, down: 6, upPercent: 14.29, downPercent: 85.71, filled: 2},
		{up: 19, down: 1, upPercent: 95, downPercent: 5, filled: 19},
		{up: 199, down: 1, upPercent: 99.5, downPercent: 0.5, filled: 19},
		// rounds half up: 1/8 = 12.5%
		{up: 1, down: 7, upPercent: 12.5, downPercent: 87.5, filled: 2},
		// 2/3 of a basis point: 0.00666..% rounds to 0.01%
		{up: 1, down: 14999, upPercent: 0.01, downPercent: 99.99, filled: 0},
		{up: -3, down: 2, upPercent: 0, downPercent: 100, filled: 0},
	}
	for _, tc := range testCases {
		t.Run(
			fmt.Sprintf("%d_%d", tc.up, tc.down), func(t *testing.T) {
				t.Parallel()
				v := Render(tc.up, tc.down)
				assert.Equal(t, tc.upPercent, v.UpPercent)
				assert.Equal(t, tc.downPercent, v.DownPercent)
				assert.Equal(t, tc.filled, v.FilledUnits())
				assert.Equal(t, tallyBarWidth-tc.filled, v.EmptyUnits())
				assert.Equal(t, tallyBarWidth, len([]rune(v.Bar)))
				if tc.up+tc.down > 0 && tc.up >= 0 {
					assert.InDelta(t, 100, v.UpPercent+v.DownPercent, 0.0001)
				}
			},
		)
	}
}

func TestRender_Bar(t *testing.T) {
	t.Parallel()
	v := Render(3, 1)
	assert.Equal(
		t,
		strings.Repeat(tallyBarFilled, 15)+strings.Repeat(tallyBarEmpty, 5),
		v.Bar,
	)
	assert.Equal(t, strings.Repeat(tallyBarEmpty, 20), Render(0, 0).Bar)
}

func TestFormatPercent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0.00%", FormatPercent(0))
	assert.Equal(t, "33.33%", FormatPercent(33.33))
	assert.Equal(t, "100.00%", FormatPercent(100))
	assert.Equal(t, "👍 75.00% | 👎 25.00%", Render(3, 1).Distribution())
}

func TestTally_View(t *testing.T) {
	t.Parallel()
	tally := Tally{Up: 1, Down: 3}
	assert.Equal(t, int64(4), tally.Total())
	assert.Equal(t, Render(1, 3), tally.View())
}
