package results

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
)

// ChartType names the visualization a client should draw.
type ChartType string

const (
	ChartBar         ChartType = "bar"
	ChartLine        ChartType = "line"
	ChartMultiSeries ChartType = "multi_series"
	ChartPie         ChartType = "pie"
	ChartHeatmap     ChartType = "heatmap"
	ChartWaterfall   ChartType = "waterfall"
	ChartTable       ChartType = "table"
)

const (
	// MaxChartCategories disables charts for columns with more distinct values.
	MaxChartCategories = 50
	// MaxPieCategories is the largest category count drawn as a pie.
	MaxPieCategories = 10

	sampleSize = 10
)

var (
	// dateWords are whole name segments, so uptime or runtime_ms never match.
	dateWords     = map[string]bool{"date": true, "time": true, "timestamp": true, "datetime": true, "day": true, "week": true, "month": true, "quarter": true, "year": true}
	calendarUnits = map[string]bool{"week": true, "month": true, "quarter": true, "year": true}
	datePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

// Visualization is the chart spec handed to clients.
type Visualization struct {
	Type    ChartType `json:"type"`
	X       string    `json:"x,omitempty"`
	Y       []string  `json:"y,omitempty"`
	ColorBy string    `json:"color_by,omitempty"`
	Title   string    `json:"title,omitempty"`
	XLabel  string    `json:"x_label,omitempty"`
	YLabel  string    `json:"y_label,omitempty"`
}

type columnKind int

const (
	kindCategorical columnKind = iota
	kindMetric
	kindDate
)

type shape struct {
	categorical []string
	metrics     []string
	dates       []string
}

// SelectVisualization picks a chart from the shape of the result alone:
// column kinds, their count and category cardinality.
func SelectVisualization(columns []dremio.Column, rows []map[string]interface{}) Visualization {
	if len(rows) == 0 || len(columns) == 0 {
		return Visualization{Type: ChartTable}
	}

	s := classify(columns, rows)
	for _, col := range append(append([]string{}, s.categorical...), s.dates...) {
		if cardinality(rows, col) > MaxChartCategories {
			return Visualization{Type: ChartTable, Title: fmt.Sprintf("Too many distinct %s values to chart", label(col))}
		}
	}

	switch {
	case len(s.dates) == 1 && len(s.metrics) == 1 && len(s.categorical) == 0:
		return Visualization{
			Type:   ChartLine,
			X:      s.dates[0],
			Y:      s.metrics,
			Title:  fmt.Sprintf("%s over time", label(s.metrics[0])),
			XLabel: label(s.dates[0]),
			YLabel: label(s.metrics[0]),
		}

	case len(s.dates) >= 1 && len(s.metrics) >= 1 && len(s.categorical) <= 1:
		v := Visualization{
			Type:   ChartMultiSeries,
			X:      s.dates[0],
			Y:      s.metrics,
			Title:  "Metrics over time",
			XLabel: label(s.dates[0]),
			YLabel: "Value",
		}
		if len(s.categorical) == 1 {
			v.ColorBy = s.categorical[0]
			v.Title = fmt.Sprintf("%s over time by %s", label(s.metrics[0]), label(s.categorical[0]))
			v.YLabel = label(s.metrics[0])
		}
		return v

	case len(s.dates) == 0 && len(s.categorical) == 1 && len(s.metrics) == 1:
		cat, metric := s.categorical[0], s.metrics[0]
		if cardinality(rows, cat) <= MaxPieCategories && isShareOfWhole(rows, metric) {
			return Visualization{
				Type:  ChartPie,
				X:     cat,
				Y:     []string{metric},
				Title: fmt.Sprintf("%s distribution", label(metric)),
			}
		}
		return Visualization{
			Type:   ChartBar,
			X:      cat,
			Y:      []string{metric},
			Title:  fmt.Sprintf("%s by %s", label(metric), label(cat)),
			XLabel: label(cat),
			YLabel: label(metric),
		}

	case len(s.dates) == 0 && len(s.categorical) == 1 && len(s.metrics) >= 2:
		return Visualization{
			Type:   ChartMultiSeries,
			X:      s.categorical[0],
			Y:      s.metrics,
			Title:  fmt.Sprintf("Metrics by %s", label(s.categorical[0])),
			XLabel: label(s.categorical[0]),
			YLabel: "Value",
		}

	case len(s.dates) == 0 && len(s.categorical) == 2 && len(s.metrics) == 1:
		return Visualization{
			Type:    ChartHeatmap,
			X:       s.categorical[0],
			Y:       s.metrics,
			ColorBy: s.categorical[1],
			Title:   fmt.Sprintf("%s by %s and %s", label(s.metrics[0]), label(s.categorical[0]), label(s.categorical[1])),
			XLabel:  label(s.categorical[0]),
			YLabel:  label(s.categorical[1]),
		}
	}
	return Visualization{Type: ChartTable}
}

func classify(columns []dremio.Column, rows []map[string]interface{}) shape {
	var s shape
	for _, c := range columns {
		switch kindOf(c, rows) {
		case kindDate:
			s.dates = append(s.dates, c.Name)
		case kindMetric:
			s.metrics = append(s.metrics, c.Name)
		default:
			s.categorical = append(s.categorical, c.Name)
		}
	}
	return s
}

// kindOf classifies a column from its engine type and sampled values. The
// name only settles columns whose values are not conclusive.
func kindOf(c dremio.Column, rows []map[string]interface{}) columnKind {
	switch strings.ToUpper(c.Type) {
	case "DATE", "TIMESTAMP", "TIME":
		return kindDate
	}

	var samples []interface{}
	for _, row := range rows {
		if v := row[c.Name]; v != nil {
			samples = append(samples, v)
			if len(samples) == sampleSize {
				break
			}
		}
	}
	if len(samples) == 0 {
		switch {
		case isNumericType(c.Type):
			return kindMetric
		case nameSuggests(c.Name, dateWords):
			return kindDate
		}
		return kindCategorical
	}

	if allDates(samples) {
		return kindDate
	}
	if allNumeric(samples) {
		// year = 2024 or month = 3 read as calendar positions
		if nameSuggests(c.Name, calendarUnits) && allIntegral(samples) {
			return kindDate
		}
		return kindMetric
	}
	if nameSuggests(c.Name, dateWords) {
		return kindDate
	}
	return kindCategorical
}

func nameSuggests(name string, words map[string]bool) bool {
	name = strings.ToLower(name)
	if name == "period_start" {
		return true
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == ' ' || r == '.' }) {
		if words[part] {
			return true
		}
	}
	return false
}

func allDates(samples []interface{}) bool {
	for _, v := range samples {
		switch t := v.(type) {
		case time.Time:
		case string:
			if !datePattern.MatchString(t) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func allNumeric(samples []interface{}) bool {
	for _, v := range samples {
		if _, ok := toFloat(v); !ok {
			return false
		}
	}
	return true
}

func allIntegral(samples []interface{}) bool {
	for _, v := range samples {
		f, _ := toFloat(v)
		if f != math.Trunc(f) {
			return false
		}
	}
	return true
}

func isNumericType(t string) bool {
	switch strings.ToUpper(t) {
	case "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "DOUBLE", "FLOAT", "DECIMAL":
		return true
	}
	return false
}

func cardinality(rows []map[string]interface{}, col string) int {
	seen := map[string]struct{}{}
	for _, row := range rows {
		seen[fmt.Sprint(row[col])] = struct{}{}
	}
	return len(seen)
}

// isShareOfWhole reports whether the metric reads as parts of a whole:
// non-negative values summing to 1 or to 100.
func isShareOfWhole(rows []map[string]interface{}, col string) bool {
	total := 0.0
	for _, row := range rows {
		v, ok := toFloat(row[col])
		if !ok || v < 0 {
			return false
		}
		total += v
	}
	return math.Abs(total-1) < 0.005 || math.Abs(total-100) < 0.5
}

func label(col string) string {
	words := strings.Fields(strings.ReplaceAll(col, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
