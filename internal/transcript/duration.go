package transcript

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
)

var durationPattern = regexp.MustCompile(`^PT(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// ParseDuration parses the ISO-8601 time profile used in recording metadata
// (PT1H2M3S, PT45S, PT0S). At least one component is required.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, apperrors.Newf(apperrors.MalformedDuration, "malformed duration %q", s)
	}

	var total float64
	for i, unit := range []float64{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, apperrors.Wrapf(err, apperrors.MalformedDuration, "malformed duration %q", s)
		}
		total += v * unit
	}
	return time.Duration(total * float64(time.Second)), nil
}

// FormatDuration renders d in whole seconds so that ParseDuration returns
// the same number of seconds.
func FormatDuration(d time.Duration) string {
	secs := int64(math.Round(d.Seconds()))
	if secs <= 0 {
		return "PT0S"
	}
	h, m, s := secs/3600, secs%3600/60, secs%60

	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
