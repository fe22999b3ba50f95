package calsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// The supported recurrence subset: FREQ daily/weekly/monthly/yearly, INTERVAL,
// COUNT or UNTIL, BYDAY (plain weekdays), BYMONTHDAY, BYMONTH, EXDATE.
// Provider rules outside the subset are flattened to a non-recurring
// approximation with an informational note rather than rejected.

const (
	rruleTimeLayout = "20060102T150405Z"
	rruleDateLayout = "20060102"
)

var weekdayCodes = []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

var weekdayByCode = map[string]rrule.Weekday{
	"MO": rrule.MO,
	"TU": rrule.TU,
	"WE": rrule.WE,
	"TH": rrule.TH,
	"FR": rrule.FR,
	"SA": rrule.SA,
	"SU": rrule.SU,
}

var freqByName = map[Frequency]rrule.Frequency{
	FreqDaily:   rrule.DAILY,
	FreqWeekly:  rrule.WEEKLY,
	FreqMonthly: rrule.MONTHLY,
	FreqYearly:  rrule.YEARLY,
}

var freqNames = map[rrule.Frequency]Frequency{
	rrule.DAILY:   FreqDaily,
	rrule.WEEKLY:  FreqWeekly,
	rrule.MONTHLY: FreqMonthly,
	rrule.YEARLY:  FreqYearly,
}

// RecurrenceLines renders opts as provider recurrence lines (an RRULE line
// plus an optional EXDATE line). Deterministic: the same options always
// produce the same lines.
func RecurrenceLines(opts *RecurrenceOptions, localEventID string) ([]string, error) {
	if opts == nil {
		return nil, nil
	}
	freq, ok := freqByName[opts.Frequency]
	if !ok {
		return nil, &MappingError{LocalEventID: localEventID, Reason: fmt.Sprintf("unsupported recurrence frequency %q", opts.Frequency)}
	}
	if opts.Count > 0 && opts.Until != nil {
		return nil, &MappingError{LocalEventID: localEventID, Reason: "recurrence has both count and until"}
	}

	ropt := rrule.ROption{
		Freq:       freq,
		Interval:   opts.Interval,
		Count:      opts.Count,
		Bymonthday: append([]int(nil), opts.ByMonthDay...),
		Bymonth:    append([]int(nil), opts.ByMonth...),
	}
	if opts.Until != nil {
		ropt.Until = opts.Until.UTC()
	}
	for _, code := range opts.ByDay {
		wd, ok := weekdayByCode[strings.ToUpper(strings.TrimSpace(code))]
		if !ok {
			return nil, &MappingError{LocalEventID: localEventID, Reason: fmt.Sprintf("unsupported recurrence weekday %q", code)}
		}
		ropt.Byweekday = append(ropt.Byweekday, wd)
	}

	rule, err := rrule.NewRRule(ropt)
	if err != nil {
		return nil, &MappingError{LocalEventID: localEventID, Reason: "invalid recurrence: " + err.Error()}
	}

	lines := []string{"RRULE:" + rule.String()}
	if len(opts.ExDates) > 0 {
		values := make([]string, 0, len(opts.ExDates))
		for _, ex := range opts.ExDates {
			values = append(values, ex.UTC().Format(rruleTimeLayout))
		}
		lines = append(lines, "EXDATE:"+strings.Join(values, ","))
	}
	return lines, nil
}

// ParseRecurrenceLines translates provider recurrence lines back into the
// normalized form. When the rule uses a feature outside the supported subset
// the returned options are nil and note explains the flattening; the caller
// records the note as a non-fatal informational syncError.
func ParseRecurrenceLines(lines []string) (*RecurrenceOptions, string, error) {
	if len(lines) == 0 {
		return nil, "", nil
	}

	var ruleContent string
	var exDates []time.Time
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "RRULE:"):
			if ruleContent != "" {
				return nil, "multiple RRULE lines flattened to a single occurrence", nil
			}
			ruleContent = strings.TrimPrefix(line, "RRULE:")
		case strings.HasPrefix(line, "EXDATE"):
			parsed, ok := parseExDateLine(line)
			if !ok {
				return nil, "unparseable EXDATE flattened to a single occurrence", nil
			}
			exDates = append(exDates, parsed...)
		case strings.HasPrefix(line, "RDATE"):
			return nil, "RDATE recurrence flattened to a single occurrence", nil
		case line == "":
		default:
			return nil, fmt.Sprintf("unsupported recurrence line %q flattened to a single occurrence", line), nil
		}
	}
	if ruleContent == "" {
		return nil, "", nil
	}

	ropt, err := rrule.StrToROption(ruleContent)
	if err != nil {
		return nil, "", fmt.Errorf("parse RRULE %q: %w", ruleContent, err)
	}
	freq, ok := freqNames[ropt.Freq]
	if !ok {
		return nil, fmt.Sprintf("sub-daily recurrence frequency flattened to a single occurrence (RRULE %q)", ruleContent), nil
	}
	if len(ropt.Bysetpos) > 0 || len(ropt.Byyearday) > 0 || len(ropt.Byweekno) > 0 ||
		len(ropt.Byhour) > 0 || len(ropt.Byminute) > 0 || len(ropt.Bysecond) > 0 || len(ropt.Byeaster) > 0 {
		return nil, fmt.Sprintf("recurrence constraints outside the supported subset flattened to a single occurrence (RRULE %q)", ruleContent), nil
	}

	opts := &RecurrenceOptions{
		Frequency:  freq,
		Interval:   ropt.Interval,
		Count:      ropt.Count,
		ByMonthDay: append([]int(nil), ropt.Bymonthday...),
		ByMonth:    append([]int(nil), ropt.Bymonth...),
		ExDates:    exDates,
	}
	if !ropt.Until.IsZero() {
		until := ropt.Until.UTC()
		opts.Until = &until
	}
	for _, wd := range ropt.Byweekday {
		if wd.N() != 0 {
			// Ordinal weekdays ("2nd Monday") do not exist in the local model.
			return nil, fmt.Sprintf("ordinal weekday recurrence flattened to a single occurrence (RRULE %q)", ruleContent), nil
		}
		day := wd.Day()
		if day < 0 || day >= len(weekdayCodes) {
			return nil, "", fmt.Errorf("parse RRULE %q: weekday out of range", ruleContent)
		}
		opts.ByDay = append(opts.ByDay, weekdayCodes[day])
	}
	return opts, "", nil
}

// parseExDateLine handles "EXDATE:<values>" and "EXDATE;<params>:<values>"
// with UTC, zoned, and date-only values.
func parseExDateLine(line string) ([]time.Time, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil, false
	}
	params := line[len("EXDATE"):idx]
	loc := time.UTC
	if tzIdx := strings.Index(params, "TZID="); tzIdx >= 0 {
		name := params[tzIdx+len("TZID="):]
		if semi := strings.Index(name, ";"); semi >= 0 {
			name = name[:semi]
		}
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return nil, false
		}
		loc = parsed
	}

	var out []time.Time
	for _, value := range strings.Split(line[idx+1:], ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch {
		case strings.HasSuffix(value, "Z"):
			ts, err := time.Parse(rruleTimeLayout, value)
			if err != nil {
				return nil, false
			}
			out = append(out, ts)
		case len(value) == len(rruleDateLayout):
			ts, err := time.ParseInLocation(rruleDateLayout, value, loc)
			if err != nil {
				return nil, false
			}
			out = append(out, ts.UTC())
		default:
			ts, err := time.ParseInLocation("20060102T150405", value, loc)
			if err != nil {
				return nil, false
			}
			out = append(out, ts.UTC())
		}
	}
	return out, true
}

// equalRecurrence compares two normalized recurrence descriptions field by
// field, treating Interval zero and one as equivalent.
func equalRecurrence(a, b *RecurrenceOptions) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Frequency != b.Frequency || a.Count != b.Count {
		return false
	}
	if normalizeInterval(a.Interval) != normalizeInterval(b.Interval) {
		return false
	}
	if (a.Until == nil) != (b.Until == nil) {
		return false
	}
	if a.Until != nil && !a.Until.Equal(*b.Until) {
		return false
	}
	if !equalStrings(a.ByDay, b.ByDay) || !equalInts(a.ByMonthDay, b.ByMonthDay) || !equalInts(a.ByMonth, b.ByMonth) {
		return false
	}
	if len(a.ExDates) != len(b.ExDates) {
		return false
	}
	for i := range a.ExDates {
		if !a.ExDates[i].Equal(b.ExDates[i]) {
			return false
		}
	}
	return true
}

func normalizeInterval(interval int) int {
	if interval <= 0 {
		return 1
	}
	return interval
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
