package anonymize

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"
)

// Shift directions accepted by the date shifting technique
const (
	ShiftForward  = "forward"
	ShiftBackward = "backward"
	ShiftBoth     = "both"
)

type dateLayout struct {
	pattern *regexp.Regexp
	layout  string
}

// dateLayouts are the recognized input formats. Output reuses the layout
// the input matched.
var dateLayouts = []dateLayout{
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), "2006-01-02"},
	{regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`), "01/02/2006"},
	{regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`), "02-01-2006"},
	{regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`), "2006/01/02"},
}

// parseDate returns the date and the layout it was written in
func parseDate(v string) (time.Time, string, bool) {
	for _, dl := range dateLayouts {
		if !dl.pattern.MatchString(v) {
			continue
		}
		t, err := time.Parse(dl.layout, v)
		if err != nil {
			return time.Time{}, "", false
		}
		return t, dl.layout, true
	}
	return time.Time{}, "", false
}

// DateShifter moves dates by a bounded random number of days. In consistent
// mode the shift drawn for an input string is reused for that string.
// Values that are not recognized dates pass through unchanged.
type DateShifter struct {
	base

	mu     sync.Mutex
	shifts map[string]int
	intn   func(n int) int
}

// NewDateShifter creates the date shifting technique
func NewDateShifter(id string, defaultRange int) *DateShifter {
	d := &DateShifter{shifts: make(map[string]int), intn: rand.IntN}
	d.meta = Metadata{
		ID:          id,
		Name:        "Date Shifting",
		Category:    "generalization",
		Description: "Shifts recognized dates by a bounded number of days, optionally keeping the weekday. Deterministic only in consistent mode (the default).",
		Parameters: []Parameter{
			intParam("shiftRange", float64(defaultRange), 0, 36500, "Maximum shift in days"),
			choiceParam("shiftDirection", ShiftBoth,
				[]string{ShiftForward, ShiftBackward, ShiftBoth}, "Direction of the shift"),
			boolParam("consistent", true, "Reuse the shift drawn earlier for the same value"),
			boolParam("preserveWeekday", false, "Round the shift to whole weeks"),
		},
		RiskLevel:     RiskMedium,
		Reversible:    false,
		Deterministic: true,
		Compliance:    []string{"HIPAA", "GDPR"},
	}
	return d
}

func (d *DateShifter) Anonymize(values []string, params Params) ([]string, error) {
	r, err := d.resolve(params)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(values))
	for i, v := range values {
		t, layout, ok := parseDate(v)
		if !ok {
			out[i] = v
			continue
		}

		var days int
		if r.Bool("consistent") {
			days = d.consistentShift(v, r)
		} else {
			days = d.drawShift(r)
		}
		if r.Bool("preserveWeekday") {
			// toward zero, so the shift never leaves its bounds
			days -= days % 7
		}
		out[i] = t.AddDate(0, 0, days).Format(layout)
	}
	return out, nil
}

// MappingSize reports how many values hold a consistent shift
func (d *DateShifter) MappingSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shifts)
}

// Reset forgets every consistent shift
func (d *DateShifter) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shifts = make(map[string]int)
}

// consistentShift returns the stored shift for v under the current direction
// and range, so a shift drawn under other bounds is never reused
func (d *DateShifter) consistentShift(v string, r resolved) int {
	key := fmt.Sprintf("%s|%d|%s", r.String("shiftDirection"), r.Int("shiftRange"), v)

	d.mu.Lock()
	defer d.mu.Unlock()
	if days, ok := d.shifts[key]; ok {
		return days
	}
	days := d.drawShift(r)
	d.shifts[key] = days
	return days
}

func (d *DateShifter) drawShift(r resolved) int {
	n := r.Int("shiftRange")
	if n == 0 {
		return 0
	}
	switch r.String("shiftDirection") {
	case ShiftForward:
		return d.intn(n + 1)
	case ShiftBackward:
		return -d.intn(n + 1)
	default:
		return d.intn(2*n+1) - n
	}
}
