package codec_test

import (
	"testing"
	"time"

	"github.com/fullstorydev/rpcweave/codec"
)

func TestParseTimeoutTable(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"100m", 100 * time.Millisecond, false},
		{"5S", 5 * time.Second, false},
		{"2H", 2 * time.Hour, false},
		{"10M", 10 * time.Minute, false},
		{"1n", 0, false}, // sub-millisecond truncates to zero
		{"99999999H", 0, false},
		{"123", 0, true},          // missing unit
		{"123X", 0, true},         // unknown unit
		{"123456789S", 0, true},   // 9 digits, too many
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := codec.ParseTimeout(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseTimeout(%q): expected error, got %v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeout(%q): unexpected error: %v", c.in, err)
			continue
		}
		if c.in != "99999999H" && got != c.want {
			t.Errorf("ParseTimeout(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFormatTimeoutPicksSmallestUnit(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Nanosecond, "500n"},
		{100 * time.Millisecond, "100m"},
		{90 * time.Second, "90S"},
		{45 * time.Minute, "45M"},
		{3 * time.Hour, "3H"},
	}
	for _, c := range cases {
		if got := codec.FormatTimeout(c.d); got != c.want {
			t.Errorf("FormatTimeout(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

// TestTimeoutRoundTripsWithinOneUnit is invariant 8 from §8: for any
// positive integer millisecond value, the emitted grpc-timeout parses back
// within <= 1 unit of the original.
func TestTimeoutRoundTripsWithinOneUnit(t *testing.T) {
	samples := []time.Duration{
		1 * time.Millisecond,
		999 * time.Millisecond,
		1500 * time.Millisecond,
		60_000 * time.Millisecond,
		3_600_000 * time.Millisecond,
		12_345_678 * time.Millisecond,
	}
	for _, d := range samples {
		wire := codec.FormatTimeout(d)
		back, err := codec.ParseTimeout(wire)
		if err != nil {
			t.Fatalf("ParseTimeout(%q) failed: %v", wire, err)
		}
		diff := back - d
		if diff < 0 {
			diff = -diff
		}
		// "within one unit" - derive the unit from the suffix letter.
		unitMillis := map[byte]time.Duration{
			'n': time.Nanosecond, 'u': time.Microsecond, 'm': time.Millisecond,
			'S': time.Second, 'M': time.Minute, 'H': time.Hour,
		}[wire[len(wire)-1]]
		if diff > unitMillis {
			t.Fatalf("round trip of %v via %q gave %v, diff %v exceeds unit %v", d, wire, back, diff, unitMillis)
		}
	}
}
