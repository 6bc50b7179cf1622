package semantic

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDefaultModel(t *testing.T) *Model {
	t.Helper()
	m, err := DefaultModel()
	require.NoError(t, err)
	return m
}

func TestDefaultModelLoads(t *testing.T) {
	m := mustDefaultModel(t)

	assert.Equal(t, "2024.1", m.Version)
	assert.Equal(t, []string{"sales", "commerce", "customer", "finance", "marketing", "inventory"}, m.SchemaAllowlist)

	revenue, ok := m.Metric("revenue")
	require.True(t, ok)
	assert.Equal(t, "sales.orders", revenue.SourceTable)
	assert.Equal(t, "SUM(order_amount)", revenue.Expression(revenue.Column))

	orders, ok := m.Metric("orders")
	require.True(t, ok)
	assert.Equal(t, "COUNT(DISTINCT order_id)", orders.Expression(orders.Column))

	category, ok := m.Dimension("product_category")
	require.True(t, ok)
	assert.Equal(t, "commerce.products", category.SourceTable)
	assert.Equal(t, "category", category.Column)

	assert.Len(t, m.EventTables, 4)
}

func TestDictionaryPutsCanonicalFirst(t *testing.T) {
	m := mustDefaultModel(t)

	want := []string{"revenue", "sales", "total sales", "turnover", "income"}
	if diff := cmp.Diff(want, m.Dictionary()["revenue"]); diff != "" {
		t.Errorf("revenue synonyms mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "channel", m.Dictionary()["channel"][0])
}

func TestPhrasesLongestFirst(t *testing.T) {
	m := mustDefaultModel(t)
	phrases := m.Phrases()
	require.NotEmpty(t, phrases)

	for i := 1; i < len(phrases); i++ {
		assert.GreaterOrEqual(t, phrases[i-1].Words, phrases[i].Words)
	}

	var sawValue bool
	for _, p := range phrases {
		if p.Text == "north america" {
			sawValue = true
			assert.Equal(t, KindValue, p.Kind)
			assert.Equal(t, "region", p.Canonical)
		}
	}
	assert.True(t, sawValue)
}

func TestNewModelRejectsBrokenModels(t *testing.T) {
	base := func() Model {
		return Model{
			Version:         "t",
			SchemaAllowlist: []string{"sales"},
			Metrics: []Metric{{
				Name: "revenue", SourceTable: "sales.orders", Column: "amount", Aggregation: "SUM",
			}},
			Dimensions: []Dimension{{Name: "region", SourceTable: "sales.orders", Column: "region"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(m *Model)
		want   string
	}{
		{"incomplete metric", func(m *Model) { m.Metrics[0].Column = "" }, "incomplete"},
		{"duplicate metric", func(m *Model) { m.Metrics = append(m.Metrics, m.Metrics[0]) }, "duplicate metric"},
		{"name clash", func(m *Model) { m.Dimensions[0].Name = "revenue" }, "both metric and dimension"},
		{"unknown decomposition", func(m *Model) { m.Metrics[0].Decompose = []string{"planet"} }, "unknown dimension"},
		{"incomplete join", func(m *Model) { m.Joins = []JoinEdge{{FromTable: "a.b"}} }, "incomplete"},
		{"empty allowlist", func(m *Model) { m.SchemaAllowlist = nil }, "allowlist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := base()
			tt.mutate(&raw)
			_, err := NewModel(raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := NewModel(base())
	assert.NoError(t, err)
}

func TestLoadYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := LoadYAML([]byte("version: x\nmetrcs: []\n"))
	require.Error(t, err)
}

func TestDecompositionDimensions(t *testing.T) {
	m := mustDefaultModel(t)

	revenue, _ := m.Metric("revenue")
	var names []string
	for _, d := range m.DecompositionDimensions(revenue) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"product_category", "region", "channel"}, names)

	implicit := revenue
	implicit.Decompose = nil
	names = names[:0]
	for _, d := range m.DecompositionDimensions(implicit) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"product_category", "region", "country", "channel", "segment", "status"}, names)
}

func TestDomainAndTables(t *testing.T) {
	assert.Equal(t, "sales", Domain("sales.orders"))
	assert.Equal(t, "orders", Domain("orders"))

	m := mustDefaultModel(t)
	assert.Contains(t, m.Tables(), "marketing.promotions")
	assert.True(t, m.SchemaAllowed("SALES"))
	assert.False(t, m.SchemaAllowed("hr"))
}

func TestWithEventTables(t *testing.T) {
	m := mustDefaultModel(t)
	next, err := m.WithEventTables(m.EventTables[:1])
	require.NoError(t, err)

	assert.Len(t, next.EventTables, 1)
	assert.Len(t, m.EventTables, 4)
	_, ok := next.Metric("revenue")
	assert.True(t, ok)
}

func TestVocabulary(t *testing.T) {
	v := mustDefaultModel(t).Vocabulary()
	assert.Equal(t, "2024.1", v.Version)
	assert.Len(t, v.Metrics, 4)
	assert.Equal(t, "revenue", v.Metrics[0].Name)
	assert.Contains(t, v.Synonyms["region"], "territory")
}

func TestVocabularyOmitsDefinitions(t *testing.T) {
	m := mustDefaultModel(t)
	revenue, ok := m.Metric("revenue")
	require.True(t, ok)
	require.NotEmpty(t, revenue.Definition)

	raw, err := json.Marshal(m.Vocabulary())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), revenue.Definition)
	assert.NotContains(t, string(raw), "description")
	assert.NotContains(t, string(raw), "definition")
}
