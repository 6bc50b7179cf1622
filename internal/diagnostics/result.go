package diagnostics

import (
	"fmt"
	"math"
	"strings"

	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

// Status summarises how well a diagnostic explains the change.
type Status string

const (
	StatusDiagnosed Status = "diagnosed"
	StatusPartial   Status = "partial"
	StatusUnclear   Status = "unclear"
)

const (
	// DiagnosedConfidence is the confidence a diagnosis needs to be reported
	// as diagnosed rather than partial.
	DiagnosedConfidence = 0.8

	// SignificantChangePct is the smallest period-over-period change, in
	// percent, that is decomposed at all.
	SignificantChangePct = 5.0

	narrativeDrivers = 3
)

// Driver is one quantified contributor to the change: the dimension value
// whose own change moved the metric the most.
type Driver struct {
	Factor        string                   `json:"factor"`
	Dimension     string                   `json:"dimension"`
	Value         string                   `json:"value"`
	Impact        float64                  `json:"impact_absolute"`
	ImpactPct     float64                  `json:"impact_pct"`
	EvidenceQuery string                   `json:"evidence_query"`
	EvidenceData  []map[string]interface{} `json:"evidence_data"`

	order int
}

// Event is a business event that overlapped the analysis window. Events are
// evidence only; they carry no quantified impact and are never ranked.
type Event struct {
	Type          string `json:"type"`
	Table         string `json:"table"`
	Count         int64  `json:"count"`
	EvidenceQuery string `json:"evidence_query"`
}

// Result is a complete diagnostic. Partial work is never returned on an
// aborting failure.
type Result struct {
	Status            Status             `json:"status"`
	Confidence        float64            `json:"confidence"`
	Metric            string             `json:"metric"`
	Baseline          semantic.TimeRange `json:"baseline"`
	Current           semantic.TimeRange `json:"current"`
	BaselineValue     float64            `json:"baseline_value"`
	CurrentValue      float64            `json:"current_value"`
	Delta             float64            `json:"delta"`
	DeltaPct          float64            `json:"delta_pct"`
	Drivers           []Driver           `json:"drivers"`
	Events            []Event            `json:"events,omitempty"`
	DroppedDimensions []string           `json:"dropped_dimensions,omitempty"`
	SkippedDimensions []string           `json:"skipped_dimensions,omitempty"`
	SkippedEvents     []string           `json:"skipped_events,omitempty"`
	Narrative         string             `json:"narrative"`
	QueriesExecuted   int                `json:"queries_executed"`
	CostUnits         float64            `json:"cost_units"`
	SQL               string             `json:"sql"`
}

// confidence is the share of the observed change explained by the ranked
// drivers, clamped to [0, 1].
func confidence(drivers []Driver, delta float64) float64 {
	if delta == 0 {
		return 0
	}
	explained := 0.0
	for _, d := range drivers {
		explained += math.Abs(d.Impact)
	}
	return clamp(explained / math.Abs(delta))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func percentChange(baseline, current float64) float64 {
	delta := current - baseline
	switch {
	case baseline != 0:
		return delta / math.Abs(baseline) * 100
	case delta > 0:
		return 100
	case delta < 0:
		return -100
	}
	return 0
}

func statusFor(conf float64, dropped int) Status {
	if conf >= DiagnosedConfidence && dropped == 0 {
		return StatusDiagnosed
	}
	return StatusPartial
}

// narrative states the measured change and the top drivers. It only
// repeats numbers the sub-queries produced.
func narrative(r *Result) string {
	var b strings.Builder

	if r.Status == StatusUnclear {
		b.WriteString(fmt.Sprintf("%s changed %s (%+.1f%%) from %s to %s, below the %.0f%% needed for a breakdown.",
			title(r.Metric), formatAmount(r.Delta), r.DeltaPct, r.Baseline.Label, r.Current.Label, SignificantChangePct))
		return b.String()
	}

	direction := "increased"
	if r.Delta < 0 {
		direction = "dropped"
	}
	b.WriteString(fmt.Sprintf("%s %s %s (%.1f%%) from %s to %s",
		title(r.Metric), direction, formatAmount(math.Abs(r.Delta)), math.Abs(r.DeltaPct), r.Baseline.Label, r.Current.Label))

	if len(r.Drivers) == 0 {
		b.WriteString(". No single dimension value accounts for the change.")
	} else {
		b.WriteString(". Largest contributors:")
		for i, d := range r.Drivers {
			if i == narrativeDrivers {
				break
			}
			b.WriteString(fmt.Sprintf("\n%d. %s = %s: %s (%.1f%% of the change)",
				i+1, strings.ReplaceAll(d.Dimension, "_", " "), d.Value, formatSigned(d.Impact), d.ImpactPct))
		}
	}

	if len(r.Events) > 0 {
		var parts []string
		for _, e := range r.Events {
			parts = append(parts, fmt.Sprintf("%s (%d)", e.Type, e.Count))
		}
		b.WriteString("\nEvents overlapping the period: " + strings.Join(parts, ", ") + ".")
	}
	if len(r.DroppedDimensions) > 0 {
		b.WriteString("\nNot analysed: " + strings.Join(r.DroppedDimensions, ", ") + ".")
	}
	if n := len(r.SkippedDimensions) + len(r.SkippedEvents); n > 0 {
		b.WriteString(fmt.Sprintf("\n%d check(s) skipped outside your granted domains.", n))
	}
	return b.String()
}

func title(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// formatAmount renders a number with thousands separators and no decimals.
func formatAmount(v float64) string {
	neg := v < 0
	digits := fmt.Sprintf("%.0f", math.Abs(v))
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func formatSigned(v float64) string {
	if v > 0 {
		return "+" + formatAmount(v)
	}
	return formatAmount(v)
}
