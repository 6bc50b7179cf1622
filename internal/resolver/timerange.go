package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

type unit string

const (
	unitDay     unit = "day"
	unitWeek    unit = "week"
	unitMonth   unit = "month"
	unitQuarter unit = "quarter"
	unitYear    unit = "year"
)

var timePatterns = []struct {
	re    *regexp.Regexp
	parse func(m []string, now time.Time) (semantic.TimeRange, unit)
}{
	{
		re: regexp.MustCompile(`(?i)\bq([1-4])\s+(\d{4})\b`),
		parse: func(m []string, _ time.Time) (semantic.TimeRange, unit) {
			q, _ := strconv.Atoi(m[1])
			y, _ := strconv.Atoi(m[2])
			start := time.Date(y, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
			return semantic.TimeRange{Start: start, End: start.AddDate(0, 3, 0), Label: fmt.Sprintf("q%d_%d", q, y)}, unitQuarter
		},
	},
	{
		re: regexp.MustCompile(`(?i)\b(last|this)\s+(week|month|quarter|year)\b`),
		parse: func(m []string, now time.Time) (semantic.TimeRange, unit) {
			u := unit(strings.ToLower(m[2]))
			start := truncate(now, u)
			if strings.EqualFold(m[1], "last") {
				start = shift(start, u, -1)
			}
			return semantic.TimeRange{Start: start, End: shift(start, u, 1), Label: strings.ToLower(m[1]) + "_" + string(u)}, u
		},
	},
	{
		re: regexp.MustCompile(`(?i)\byesterday\b`),
		parse: func(_ []string, now time.Time) (semantic.TimeRange, unit) {
			start := truncate(now, unitDay).AddDate(0, 0, -1)
			return semantic.TimeRange{Start: start, End: start.AddDate(0, 0, 1), Label: "yesterday"}, unitDay
		},
	},
	{
		re: regexp.MustCompile(`(?i)\btoday\b`),
		parse: func(_ []string, now time.Time) (semantic.TimeRange, unit) {
			start := truncate(now, unitDay)
			return semantic.TimeRange{Start: start, End: start.AddDate(0, 0, 1), Label: "today"}, unitDay
		},
	},
	{
		re: regexp.MustCompile(`\b((?:19|20)\d{2})\b`),
		parse: func(m []string, _ time.Time) (semantic.TimeRange, unit) {
			y, _ := strconv.Atoi(m[1])
			start := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
			return semantic.TimeRange{Start: start, End: start.AddDate(1, 0, 0), Label: m[1]}, unitYear
		},
	},
}

type foundRange struct {
	r semantic.TimeRange
	u unit
}

// extractTimeRanges finds every time expression in text, returning the
// ranges in order of start time and the text with the expressions removed.
func extractTimeRanges(text string, now time.Time) ([]foundRange, string) {
	var found []foundRange
	for _, p := range timePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			r, u := p.parse(m, now)
			found = append(found, foundRange{r: r, u: u})
		}
		text = p.re.ReplaceAllString(text, " ")
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].r.Start.Before(found[j].r.Start)
	})
	return found, text
}

// resolvePeriods picks the current and baseline ranges. Baselines are only
// inferred for why and compare intents.
func resolvePeriods(found []foundRange, qt semantic.QueryType, now time.Time) (*semantic.TimeRange, *semantic.TimeRange) {
	needsBaseline := qt == semantic.QueryWhy || qt == semantic.QueryCompare

	switch {
	case len(found) == 0 && qt == semantic.QueryWhy:
		start := shift(truncate(now, unitMonth), unitMonth, -1)
		current := semantic.TimeRange{Start: start, End: shift(start, unitMonth, 1), Label: "last_month"}
		baseline := previous(current, unitMonth)
		return &current, &baseline
	case len(found) == 0:
		return nil, nil
	case len(found) >= 2 && needsBaseline:
		current := found[len(found)-1].r
		baseline := found[len(found)-2].r
		return &current, &baseline
	}

	current := found[len(found)-1].r
	if !needsBaseline {
		return &current, nil
	}
	baseline := previous(current, found[len(found)-1].u)
	return &current, &baseline
}

func previous(r semantic.TimeRange, u unit) semantic.TimeRange {
	start := shift(r.Start, u, -1)
	return semantic.TimeRange{Start: start, End: r.Start, Label: "previous_" + string(u)}
}

func truncate(t time.Time, u unit) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch u {
	case unitWeek:
		offset := (int(day.Weekday()) + 6) % 7 // weeks start on Monday
		return day.AddDate(0, 0, -offset)
	case unitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case unitQuarter:
		m := ((int(t.Month())-1)/3)*3 + 1
		return time.Date(t.Year(), time.Month(m), 1, 0, 0, 0, 0, time.UTC)
	case unitYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

func shift(t time.Time, u unit, n int) time.Time {
	switch u {
	case unitWeek:
		return t.AddDate(0, 0, 7*n)
	case unitMonth:
		return t.AddDate(0, n, 0)
	case unitQuarter:
		return t.AddDate(0, 3*n, 0)
	case unitYear:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
