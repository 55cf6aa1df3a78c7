package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampToKeywords returns the three date keywords a message at ts gets
// indexed under: a full-date keyword ("date:Y-M-D"), a year-month keyword
// ("yearmonth:Y-M"), and a year-only keyword ("year:Y") — three distinct
// prefixes, not three granularities of one "date:" prefix, matching
// moggie's search/dates.py. Indexing all three lets a query match at
// whatever granularity it names without any query-time expansion for the
// common "this year" / "this month" / "this day" cases — only date
// *ranges* that don't land on one of these boundaries need
// DateRangeKeywords' roll-up.
func TimestampToKeywords(ts int64) []string {
	t := time.Unix(ts, 0).UTC()
	return []string{dayKeyword(t), monthKeyword(t), yearKeyword(t)}
}

func dayKeyword(t time.Time) string {
	y, m, d := t.Date()
	return fmt.Sprintf("date:%04d-%02d-%02d", y, int(m), d)
}

func monthKeyword(t time.Time) string {
	y, m, _ := t.Date()
	return fmt.Sprintf("yearmonth:%04d-%02d", y, int(m))
}

func yearKeyword(t time.Time) string {
	return fmt.Sprintf("year:%04d", t.Year())
}

func isFirstOfMonth(t time.Time) bool { return t.Day() == 1 }

func isLastOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 1).Day() == 1
}

func isJan1(t time.Time) bool { return t.Month() == time.January && t.Day() == 1 }

func isDec31(t time.Time) bool { return t.Month() == time.December && t.Day() == 31 }

// DateRangeKeywords greedily rolls up [start, end] (inclusive, UTC day
// granularity) into the smallest set of date/yearmonth/year keywords that
// together cover exactly the range: a run of full years collapses to one
// year keyword each, a run of full months collapses to one month keyword
// each, and only the leftover days at the edges stay as individual day
// keywords. The result is meant to be OR'd together by the caller.
func DateRangeKeywords(start, end time.Time) []string {
	var out []string
	cur := start
	for !cur.After(end) {
		// Try a whole year first.
		if isJan1(cur) {
			yearEnd := time.Date(cur.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
			if !yearEnd.After(end) {
				out = append(out, yearKeyword(cur))
				cur = yearEnd.AddDate(0, 0, 1)
				continue
			}
		}
		// Then a whole month.
		if isFirstOfMonth(cur) {
			monthEnd := time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
			if !monthEnd.After(end) {
				out = append(out, monthKeyword(cur))
				cur = monthEnd.AddDate(0, 0, 1)
				continue
			}
		}
		// Otherwise one day at a time.
		out = append(out, dayKeyword(cur))
		cur = cur.AddDate(0, 0, 1)
	}
	return out
}

// relativeDate resolves a handful of relative date words against now,
// matching the small vocabulary moggie's date_term_magic recognizes.
func relativeDate(word string, now time.Time) (time.Time, bool) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch strings.ToLower(word) {
	case "today":
		return today, true
	case "yesterday":
		return today.AddDate(0, 0, -1), true
	case "thisweek":
		return today.AddDate(0, 0, -int(today.Weekday())), true
	case "thismonth":
		return time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC), true
	case "thisyear":
		return time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	if strings.HasSuffix(word, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(word, "d")); err == nil {
			return today.AddDate(0, 0, -n), true
		}
	}
	return time.Time{}, false
}

func parseDateComponent(s string, now time.Time) (time.Time, bool) {
	if t, ok := relativeDate(s, now); ok {
		return t, true
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// DateTermMagic expands a bare "date:" or "dates:" query term (the part
// after the colon) into the keyword(s) it should search for: a single
// term like "2024" or "today" becomes one or more exact keywords, and a
// "A..B" range becomes DateRangeKeywords' roll-up.
func DateTermMagic(value string, now time.Time) ([]string, error) {
	if a, b, ok := strings.Cut(value, ".."); ok {
		start, ok1 := parseDateComponent(a, now)
		end, ok2 := parseDateComponent(b, now)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("search: unparseable date range %q", value)
		}
		if end.Before(start) {
			start, end = end, start
		}
		return DateRangeKeywords(start, end), nil
	}

	t, ok := parseDateComponent(value, now)
	if !ok {
		return nil, fmt.Errorf("search: unparseable date term %q", value)
	}
	switch {
	case len(value) == 4: // bare year, e.g. "2024"
		return []string{yearKeyword(t)}, nil
	case len(value) == 7: // year-month, e.g. "2024-01"
		return []string{monthKeyword(t)}, nil
	default:
		return []string{dayKeyword(t)}, nil
	}
}
