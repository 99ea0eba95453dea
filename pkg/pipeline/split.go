package pipeline

import (
	"time"

	"github.com/vcotools/vco-collector/pkg/vco"
)

// splitInterval cuts the window into n contiguous sub-windows covering
// exactly [Start, End]. Boundaries touch: sub-window i ends where i+1
// starts, relying on the orchestrator treating interval ends as
// exclusive. The last sub-window always ends at End exactly so rounding
// never loses the tail of the range.
func splitInterval(iv vco.Interval, n int) []vco.Interval {
	if n <= 1 || !iv.End.After(iv.Start) {
		return []vco.Interval{iv}
	}

	total := iv.End.Sub(iv.Start)
	step := total / time.Duration(n)
	if step <= 0 {
		return []vco.Interval{iv}
	}

	windows := make([]vco.Interval, 0, n)
	cursor := iv.Start
	for i := 0; i < n; i++ {
		end := cursor.Add(step)
		if i == n-1 {
			end = iv.End
		}
		windows = append(windows, vco.Interval{Start: cursor, End: end})
		cursor = end
	}
	return windows
}
