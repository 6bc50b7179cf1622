// Package semantic holds the governed vocabulary queries are grounded against:
// metrics, dimensions, the join graph, the schema allowlist and the synonym
// dictionary, plus the grounder and the sources the model is loaded from.
package semantic

import (
	"fmt"
	"sort"
	"strings"
)

// Metric is a canonical, aggregatable measure.
type Metric struct {
	Name        string   `yaml:"name" json:"name"`
	Definition  string   `yaml:"definition" json:"definition"`
	SourceTable string   `yaml:"source_table" json:"source_table"`
	Column      string   `yaml:"column" json:"column"`
	Aggregation string   `yaml:"aggregation" json:"aggregation"`
	Distinct    bool     `yaml:"distinct,omitempty" json:"distinct,omitempty"`
	TimeColumn  string   `yaml:"time_column,omitempty" json:"time_column,omitempty"`
	Synonyms    []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
	// Decompose lists the dimensions diagnostics break this metric down by.
	// Empty means every dimension reachable from SourceTable.
	Decompose []string `yaml:"decompose,omitempty" json:"decompose,omitempty"`
}

// Expression renders the aggregate over the given column expression,
// e.g. SUM(order_amount) or COUNT(DISTINCT order_id).
func (m Metric) Expression(column string) string {
	agg := strings.ToUpper(m.Aggregation)
	if m.Distinct {
		return fmt.Sprintf("%s(DISTINCT %s)", agg, column)
	}
	return fmt.Sprintf("%s(%s)", agg, column)
}

// Dimension is a canonical categorical attribute.
type Dimension struct {
	Name        string   `yaml:"name" json:"name"`
	SourceTable string   `yaml:"source_table" json:"source_table"`
	Column      string   `yaml:"column" json:"column"`
	Synonyms    []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
	// Values are known members, used to recognise filters like "in europe".
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// JoinEdge is a permitted join between two tables.
type JoinEdge struct {
	FromTable  string `yaml:"from" json:"from_table"`
	ToTable    string `yaml:"to" json:"to_table"`
	FromColumn string `yaml:"from_column" json:"from_column"`
	ToColumn   string `yaml:"to_column" json:"to_column"`
}

// Condition returns the fully qualified join condition.
func (e JoinEdge) Condition() string {
	return fmt.Sprintf("%s.%s = %s.%s", e.FromTable, e.FromColumn, e.ToTable, e.ToColumn)
}

// reversed returns the same edge walked in the other direction.
func (e JoinEdge) reversed() JoinEdge {
	return JoinEdge{FromTable: e.ToTable, ToTable: e.FromTable, FromColumn: e.ToColumn, ToColumn: e.FromColumn}
}

// EventTable is a table of dated business events checked during diagnostics.
type EventTable struct {
	Type        string `yaml:"type" json:"type"`
	Table       string `yaml:"table" json:"table"`
	StartColumn string `yaml:"start_column" json:"start_column"`
	EndColumn   string `yaml:"end_column" json:"end_column"`
}

// Model is the read-only semantic model. Build it with NewModel; it must not
// be mutated once handed to a Store.
type Model struct {
	Version         string       `yaml:"version" json:"version"`
	SchemaAllowlist []string     `yaml:"schema_allowlist" json:"schema_allowlist"`
	Metrics         []Metric     `yaml:"metrics" json:"metrics"`
	Dimensions      []Dimension  `yaml:"dimensions" json:"dimensions"`
	Joins           []JoinEdge   `yaml:"joins" json:"joins"`
	EventTables     []EventTable `yaml:"event_tables,omitempty" json:"event_tables,omitempty"`

	metricIdx    map[string]int
	dimensionIdx map[string]int
	dictionary   ValueDictionary
	graph        *JoinGraph
}

// NewModel validates the parts and builds the lookup indexes.
func NewModel(m Model) (*Model, error) {
	model := m
	if err := model.index(); err != nil {
		return nil, err
	}
	return &model, nil
}

func (m *Model) index() error {
	m.metricIdx = make(map[string]int, len(m.Metrics))
	m.dimensionIdx = make(map[string]int, len(m.Dimensions))

	for i, metric := range m.Metrics {
		if metric.Name == "" || metric.SourceTable == "" || metric.Column == "" || metric.Aggregation == "" {
			return fmt.Errorf("metric %d (%q) is incomplete", i, metric.Name)
		}
		if _, dup := m.metricIdx[metric.Name]; dup {
			return fmt.Errorf("duplicate metric %q", metric.Name)
		}
		m.metricIdx[metric.Name] = i
	}
	for i, dim := range m.Dimensions {
		if dim.Name == "" || dim.SourceTable == "" || dim.Column == "" {
			return fmt.Errorf("dimension %d (%q) is incomplete", i, dim.Name)
		}
		if _, dup := m.dimensionIdx[dim.Name]; dup {
			return fmt.Errorf("duplicate dimension %q", dim.Name)
		}
		if _, clash := m.metricIdx[dim.Name]; clash {
			return fmt.Errorf("%q is declared as both metric and dimension", dim.Name)
		}
		m.dimensionIdx[dim.Name] = i
	}
	for _, metric := range m.Metrics {
		for _, d := range metric.Decompose {
			if _, ok := m.dimensionIdx[d]; !ok {
				return fmt.Errorf("metric %q decomposes by unknown dimension %q", metric.Name, d)
			}
		}
	}
	for _, e := range m.Joins {
		if e.FromTable == "" || e.ToTable == "" || e.FromColumn == "" || e.ToColumn == "" {
			return fmt.Errorf("join edge %s -> %s is incomplete", e.FromTable, e.ToTable)
		}
	}
	for _, ev := range m.EventTables {
		if ev.Type == "" || ev.Table == "" || ev.StartColumn == "" {
			return fmt.Errorf("event table %q is incomplete", ev.Type)
		}
	}
	if len(m.SchemaAllowlist) == 0 {
		return fmt.Errorf("schema allowlist is empty")
	}

	m.dictionary = buildDictionary(m.Metrics, m.Dimensions)
	m.graph = NewJoinGraph(m.Joins)
	return nil
}

// Metric returns the canonical metric with the given name.
func (m *Model) Metric(name string) (Metric, bool) {
	i, ok := m.metricIdx[name]
	if !ok {
		return Metric{}, false
	}
	return m.Metrics[i], true
}

// Dimension returns the canonical dimension with the given name.
func (m *Model) Dimension(name string) (Dimension, bool) {
	i, ok := m.dimensionIdx[name]
	if !ok {
		return Dimension{}, false
	}
	return m.Dimensions[i], true
}

// DimensionOrder is the declaration index of a dimension, -1 if unknown.
func (m *Model) DimensionOrder(name string) int {
	if i, ok := m.dimensionIdx[name]; ok {
		return i
	}
	return -1
}

// Dictionary returns the canonical term -> synonyms mapping.
func (m *Model) Dictionary() ValueDictionary {
	return m.dictionary
}

// Graph returns the join graph.
func (m *Model) Graph() *JoinGraph {
	return m.graph
}

// SchemaAllowed reports whether schema is in the allowlist.
func (m *Model) SchemaAllowed(schema string) bool {
	for _, s := range m.SchemaAllowlist {
		if strings.EqualFold(s, schema) {
			return true
		}
	}
	return false
}

// DecompositionDimensions returns the dimensions diagnostics should try for
// a metric, in declaration order.
func (m *Model) DecompositionDimensions(metric Metric) []Dimension {
	var out []Dimension
	if len(metric.Decompose) > 0 {
		for _, name := range metric.Decompose {
			if d, ok := m.Dimension(name); ok {
				out = append(out, d)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return m.DimensionOrder(out[i].Name) < m.DimensionOrder(out[j].Name)
		})
		return out
	}
	for _, d := range m.Dimensions {
		if _, ok := m.graph.Path(metric.SourceTable, d.SourceTable); ok {
			out = append(out, d)
		}
	}
	return out
}

// Tables lists every table the model references, sorted.
func (m *Model) Tables() []string {
	seen := make(map[string]struct{})
	add := func(t string) {
		if t != "" {
			seen[t] = struct{}{}
		}
	}
	for _, metric := range m.Metrics {
		add(metric.SourceTable)
	}
	for _, d := range m.Dimensions {
		add(d.SourceTable)
	}
	for _, e := range m.Joins {
		add(e.FromTable)
		add(e.ToTable)
	}
	for _, ev := range m.EventTables {
		add(ev.Table)
	}
	tables := make([]string, 0, len(seen))
	for t := range seen {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// WithEventTables returns a copy of the model restricted to the given event
// tables.
func (m *Model) WithEventTables(events []EventTable) (*Model, error) {
	next := Model{
		Version:         m.Version,
		SchemaAllowlist: m.SchemaAllowlist,
		Metrics:         m.Metrics,
		Dimensions:      m.Dimensions,
		Joins:           m.Joins,
		EventTables:     events,
	}
	return NewModel(next)
}

// Domain is the schema a table lives in: the first path segment.
func Domain(table string) string {
	if i := strings.Index(table, "."); i >= 0 {
		return table[:i]
	}
	return table
}

// Vocabulary is the canonical view exposed to clients.
type Vocabulary struct {
	Version    string              `json:"version"`
	Metrics    []VocabularyEntry   `json:"metrics"`
	Dimensions []VocabularyEntry   `json:"dimensions"`
	Synonyms   map[string][]string `json:"synonyms"`
}

// VocabularyEntry names one canonical term. Definitions are never exposed.
type VocabularyEntry struct {
	Name  string `json:"name"`
	Table string `json:"table"`
}

// Vocabulary summarises the model for the model listing endpoint.
func (m *Model) Vocabulary() Vocabulary {
	v := Vocabulary{Version: m.Version, Synonyms: make(map[string][]string, len(m.dictionary))}
	for _, metric := range m.Metrics {
		v.Metrics = append(v.Metrics, VocabularyEntry{Name: metric.Name, Table: metric.SourceTable})
	}
	for _, d := range m.Dimensions {
		v.Dimensions = append(v.Dimensions, VocabularyEntry{Name: d.Name, Table: d.SourceTable})
	}
	for k, syn := range m.dictionary {
		v.Synonyms[k] = append([]string(nil), syn...)
	}
	return v
}
