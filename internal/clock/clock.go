// Package clock formats timestamps the way the trace document requires:
// Unix epoch seconds with exactly three decimal places.
package clock

import (
	"strconv"
	"time"
)

// Now returns the current time formatted per Format.
func Now() string {
	return Format(time.Now())
}

// Format renders t as Unix epoch seconds with exactly three decimal
// places, e.g. "1712000000.123".
func Format(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}
