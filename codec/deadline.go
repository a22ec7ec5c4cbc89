package codec

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// timeoutRE matches the grpc-timeout header value: up to 8 digits followed
// by a single unit letter, with optional surrounding whitespace before the
// unit (§4.2).
var timeoutRE = regexp.MustCompile(`^(\d{1,8})\s*([HMSmun])$`)

var unitToMillisPerUnit = map[byte]float64{
	'H': 3_600_000,
	'M': 60_000,
	'S': 1_000,
	'm': 1,
	'u': 0.001,
	'n': 0.000001,
}

// maxClampMillis is the 63-bit-safe ceiling applied to the computed
// millisecond deadline (§9 open question): the wire format allows magnitudes
// up to 8 digits in the coarsest unit (hours), which multiplied out could in
// principle overflow a naive seconds*1000+nanos/1e6 computation; we clamp
// instead of silently wrapping. It is the largest millisecond count whose
// time.Duration (nanoseconds in an int64) does not overflow.
const maxClampMillis = math.MaxInt64 / int64(time.Millisecond)

// ParseTimeout parses a grpc-timeout header value into a duration. An
// invalid value (wrong shape, too many digits, unknown unit) is reported as
// an error; the caller maps that to status.OutOfRange.
func ParseTimeout(s string) (time.Duration, error) {
	m := timeoutRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("codec: invalid grpc-timeout value %q", s)
	}
	magnitude, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("codec: invalid grpc-timeout magnitude %q: %w", m[1], err)
	}
	unit := m[2][0]
	millisF := float64(magnitude) * unitToMillisPerUnit[unit]
	millis := int64(millisF)
	if millis > maxClampMillis {
		millis = maxClampMillis
	}
	return time.Duration(millis) * time.Millisecond, nil
}

// FormatTimeout renders d as a grpc-timeout header value (§3, "the sending
// side picks the smallest unit that fits"): it uses the coarsest unit in
// which d is a whole number of at most 8 digits (100ms becomes "100m"), and
// when no unit divides d exactly within 8 digits, the finest unit whose
// rounded-up magnitude fits.
func FormatTimeout(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	type unitSpec struct {
		letter byte
		unit   time.Duration
	}
	units := []unitSpec{
		{'n', time.Nanosecond},
		{'u', time.Microsecond},
		{'m', time.Millisecond},
		{'S', time.Second},
		{'M', time.Minute},
		{'H', time.Hour},
	}
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if d%u.unit == 0 && int64(d/u.unit) <= 99_999_999 {
			return fmt.Sprintf("%d%c", int64(d/u.unit), u.letter)
		}
	}
	for _, u := range units {
		v := int64(math.Ceil(float64(d) / float64(u.unit)))
		if v <= 99_999_999 {
			return fmt.Sprintf("%d%c", v, u.letter)
		}
	}
	// Unreachable in practice: even at hour granularity, 99,999,999 hours is
	// over 11,000 years. Fall back to the coarsest unit, clamped.
	return fmt.Sprintf("%d%c", int64(99_999_999), 'H')
}
