package output

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/astrocap/prompt"
)

// Notice codes raised by this package
const (
	CodeOverwriteRisk = "overwrite-risk"
	CodeIndexOverflow = "index-overflow"
)

// Values supplies everything a filename template can refer to other than
// the index
type Values struct {
	Time     time.Time
	Filter   string
	Profile  string
	Gain     float64
	Exposure time.Duration
}

// HasIndexToken reports if the template contains %INDEX or its short form %I
func HasIndexToken(template string) bool {
	return strings.Contains(template, "%I")
}

func padIndex(index uint64, digits int) string {
	if digits <= 0 {
		return strconv.FormatUint(index, 10)
	}
	return fmt.Sprintf("%0*d", digits, index)
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

/*ResolveFilename substitutes the tokens of template.  The long form of each
token is tried before its short form:

	%INDEX %I    capture index, zero padded to digits
	%DATE  %D    YYYYMMDD
	%TIME  %T    HHMMSS
	%YEAR  %Y    4 digit year
	%MONTH %M    2 digit month
	%DAY   %d    2 digit day
	%HOUR  %H    2 digit hour
	%MINUTE      2 digit minute
	%SECOND %S   2 digit second
	%U           3 digit millisecond
	%EPOCH %E    unix seconds
	%FILTER      filter name
	%PROFILE     profile name
	%GAIN  %G    gain
	%EXPMS %x    exposure in milliseconds
	%EXPS  %X    exposure in seconds

When the template has no index token a warning notice is returned, since
successive files will have the same name.
*/
func ResolveFilename(template string, index uint64, digits int, v Values) (string, *prompt.Notice) {
	t := v.Time
	if t.IsZero() {
		t = time.Now()
	}
	two := func(i int) string { return fmt.Sprintf("%02d", i) }
	idx := padIndex(index, digits)
	r := strings.NewReplacer(
		"%INDEX", idx,
		"%DATE", t.Format("20060102"),
		"%TIME", t.Format("150405"),
		"%YEAR", strconv.Itoa(t.Year()),
		"%MONTH", two(int(t.Month())),
		"%MINUTE", two(t.Minute()),
		"%DAY", two(t.Day()),
		"%HOUR", two(t.Hour()),
		"%SECOND", two(t.Second()),
		"%EPOCH", strconv.FormatInt(t.Unix(), 10),
		"%EXPMS", trimFloat(float64(v.Exposure)/float64(time.Millisecond)),
		"%EXPS", trimFloat(v.Exposure.Seconds()),
		"%FILTER", v.Filter,
		"%PROFILE", v.Profile,
		"%GAIN", trimFloat(v.Gain),
		"%I", idx,
		"%D", t.Format("20060102"),
		"%T", t.Format("150405"),
		"%Y", strconv.Itoa(t.Year()),
		"%M", two(int(t.Month())),
		"%d", two(t.Day()),
		"%H", two(t.Hour()),
		"%S", two(t.Second()),
		"%U", fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond)),
		"%E", strconv.FormatInt(t.Unix(), 10),
		"%G", trimFloat(v.Gain),
		"%x", trimFloat(float64(v.Exposure)/float64(time.Millisecond)),
		"%X", trimFloat(v.Exposure.Seconds()),
	)
	name := r.Replace(template)
	if HasIndexToken(template) {
		return name, nil
	}
	return name, &prompt.Notice{
		Severity: prompt.Warning,
		Code:     CodeOverwriteRisk,
		Title:    "Filename template has no index",
		Text:     fmt.Sprintf("template %q has no %%INDEX or %%I token; existing files may be overwritten", template)}
}

// MaxIndex returns the largest index that fits in digits, or math.MaxUint64
// when digits does not constrain it
func MaxIndex(digits int) uint64 {
	if digits <= 0 || digits >= 20 {
		return math.MaxUint64
	}
	m := uint64(1)
	for i := 0; i < digits; i++ {
		m *= 10
	}
	return m - 1
}

// CheckIndexCapacity returns a warning notice if expected, the highest index
// a capture will reach, cannot be written in digits digits
func CheckIndexCapacity(expected uint64, digits int) *prompt.Notice {
	limit := MaxIndex(digits)
	if expected <= limit {
		return nil
	}
	return &prompt.Notice{
		Severity: prompt.Warning,
		Code:     CodeIndexOverflow,
		Title:    "Index overflow",
		Text: fmt.Sprintf("capture index will reach %d but only %d digits (max %d) are configured; filenames will grow or collide",
			expected, digits, limit)}
}

// ExpectedIndex is the highest index a series of runs starting at start will
// use.  Discrete formats consume one index per frame, containers one per run.
func ExpectedIndex(f Format, start uint64, runs, frames int) uint64 {
	if runs < 1 {
		runs = 1
	}
	if f.Discrete() {
		if frames < 1 {
			frames = 1
		}
		return start + uint64(runs)*uint64(frames)
	}
	return start + uint64(runs)
}
