package semantic

import (
	"fmt"
	"time"
)

// QueryType is the fixed intent vocabulary.
type QueryType string

const (
	QueryWhat    QueryType = "what"
	QueryWhy     QueryType = "why"
	QueryCompare QueryType = "compare"
)

// Filter is an equality restriction extracted from the question.
type Filter struct {
	Term  string `json:"term"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// TimeRange is a closed-open [Start, End) interval in UTC.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("%s [%s, %s)", r.Label, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// ResolvedIntent is the resolver's output. It is not modified after creation.
type ResolvedIntent struct {
	QueryType  QueryType  `json:"query_type"`
	Confidence float64    `json:"confidence"`
	Metrics    []string   `json:"metrics"`
	Dimensions []string   `json:"dimensions"`
	Filters    []Filter   `json:"filters,omitempty"`
	TimePeriod *TimeRange `json:"time_period,omitempty"`
	Baseline   *TimeRange `json:"baseline,omitempty"`
	RawText    string     `json:"raw_text"`
}
