package safety

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Estimate is the planner's view of a query before it runs.
type Estimate struct {
	Rows       int64   `json:"rows"`
	Cost       float64 `json:"cost"`
	Reflection string  `json:"reflection,omitempty"`
}

// Estimator asks the query engine for a plan estimate. No rows are read.
type Estimator interface {
	Estimate(ctx context.Context, sql string) (*Estimate, error)
}

var (
	rowcountPattern   = regexp.MustCompile(`(?i)rowcount\s*=\s*([0-9a-z.+\-]+)`)
	cumulativePattern = regexp.MustCompile(`(?i)cumulative cost\s*=\s*\{([^}]*)\}`)
	costTermPattern   = regexp.MustCompile(`(?i)^\s*([0-9a-z.+\-]+)(?:\s+([a-z]+))?\s*$`)
	reflectionPattern = regexp.MustCompile(`(?i)reflection\s*[:=\[(]?\s*["']?([a-z0-9_.\-]+)`)
	acceleratorScan   = regexp.MustCompile(`__accelerator\.["']?([A-Za-z0-9_\-]+)`)
)

// ParsePlan reads an EXPLAIN PLAN text. The estimate is the largest rowcount
// and the largest cumulative cost of any plan node, since the root node
// carries the totals. A node's cost is its io term, or the first positive
// term when io is absent or zero. One unit counts as one cost unit.
//
// Rowcounts beyond int64 clamp to math.MaxInt64. A plan without a positive
// finite cost is an error.
func ParsePlan(plan string) (*Estimate, error) {
	est := &Estimate{}
	costSeen := false

	for _, line := range strings.Split(plan, "\n") {
		if m := rowcountPattern.FindStringSubmatch(line); m != nil {
			rows, err := parseRows(m[1])
			if err != nil {
				return nil, err
			}
			if rows > est.Rows {
				est.Rows = rows
			}
		}

		if m := cumulativePattern.FindStringSubmatch(line); m != nil {
			cost, err := nodeCost(m[1])
			if err != nil {
				return nil, err
			}
			if cost > est.Cost {
				est.Cost = cost
			}
			costSeen = true
		}

		if est.Reflection == "" {
			if m := acceleratorScan.FindStringSubmatch(line); m != nil {
				est.Reflection = m[1]
			} else if m := reflectionPattern.FindStringSubmatch(line); m != nil {
				est.Reflection = m[1]
			}
		}
	}

	if !costSeen {
		return nil, fmt.Errorf("plan contains no cumulative cost estimate")
	}
	if est.Cost <= 0 {
		return nil, fmt.Errorf("plan contains no positive cost estimate")
	}
	return est, nil
}

func parseRows(s string) (int64, error) {
	rows, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(rows) || rows < 0 {
		return 0, fmt.Errorf("invalid rowcount %q", s)
	}
	if rows >= math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(rows), nil
}

// nodeCost picks one node's cost from its cumulative cost tuple.
func nodeCost(tuple string) (float64, error) {
	var io, first float64
	for _, term := range strings.Split(tuple, ",") {
		m := costTermPattern.FindStringSubmatch(term)
		if m == nil {
			return 0, fmt.Errorf("invalid cost term %q", strings.TrimSpace(term))
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cost term %q", strings.TrimSpace(term))
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("cost term %q is not finite", strings.TrimSpace(term))
		}
		if strings.EqualFold(m[2], "io") {
			io = v
		}
		if first <= 0 && v > 0 {
			first = v
		}
	}
	if io > 0 {
		return io, nil
	}
	return first, nil
}
