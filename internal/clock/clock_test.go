package clock

import (
	"strings"
	"testing"
	"time"
)

func TestFormatHasThreeDecimals(t *testing.T) {
	got := Format(time.Unix(1712000000, 123000000))
	if got != "1712000000.123" {
		t.Fatalf("Format = %q, want %q", got, "1712000000.123")
	}
}

func TestFormatZeroSubsecond(t *testing.T) {
	got := Format(time.Unix(1712000000, 0))
	if got != "1712000000.000" {
		t.Fatalf("Format = %q, want %q", got, "1712000000.000")
	}
	if !strings.HasSuffix(got, ".000") {
		t.Fatalf("expected three decimal places, got %q", got)
	}
}
