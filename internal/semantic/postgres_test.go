package semantic

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

func newMockSource(t *testing.T) (*PostgresSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresSourceFromDB(db), mock
}

func TestPostgresSourceLoad(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery("FROM model_versions").
		WillReturnRows(sqlmock.NewRows([]string{"version", "schema_allowlist"}).
			AddRow("v7", []byte("{sales,commerce}")))

	mock.ExpectQuery("FROM metrics").WithArgs("v7").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "definition", "source_table", "column_expr", "aggregation", "is_distinct",
			"time_column", "synonyms", "decompose",
		}).
			AddRow("revenue", "Total revenue", "sales.orders", "order_amount", "SUM", false,
				"order_date", []byte("{sales,turnover}"), []byte("{product_category}")).
			AddRow("orders", nil, "sales.orders", "order_id", "COUNT", true,
				nil, []byte("{}"), []byte("{}")))

	mock.ExpectQuery("FROM dimensions").WithArgs("v7").
		WillReturnRows(sqlmock.NewRows([]string{"name", "source_table", "column_name", "synonyms", "known_values"}).
			AddRow("product_category", "commerce.products", "category", []byte("{category}"), []byte("{electronics,home}")))

	mock.ExpectQuery("FROM join_edges").WithArgs("v7").
		WillReturnRows(sqlmock.NewRows([]string{"from_table", "to_table", "from_column", "to_column"}).
			AddRow("sales.orders", "commerce.products", "product_id", "product_id"))

	mock.ExpectQuery("FROM event_tables").WithArgs("v7").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "table_name", "start_column", "end_column"}).
			AddRow("pricing", "commerce.price_changes", "effective_date", nil))

	m, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "v7", m.Version)
	assert.Equal(t, []string{"sales", "commerce"}, m.SchemaAllowlist)

	revenue, ok := m.Metric("revenue")
	require.True(t, ok)
	assert.Equal(t, []string{"sales", "turnover"}, revenue.Synonyms)
	assert.Equal(t, "order_date", revenue.TimeColumn)

	orders, ok := m.Metric("orders")
	require.True(t, ok)
	assert.True(t, orders.Distinct)
	assert.Empty(t, orders.Definition)

	dim, ok := m.Dimension("product_category")
	require.True(t, ok)
	assert.Equal(t, []string{"electronics", "home"}, dim.Values)

	require.Len(t, m.EventTables, 1)
	assert.Empty(t, m.EventTables[0].EndColumn)

	_, ok = m.Graph().Path("sales.orders", "commerce.products")
	assert.True(t, ok)
}

func TestPostgresSourceNoActiveVersion(t *testing.T) {
	src, mock := newMockSource(t)
	mock.ExpectQuery("FROM model_versions").
		WillReturnRows(sqlmock.NewRows([]string{"version", "schema_allowlist"}))

	_, err := src.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active model version")
}

func TestPostgresSourceQueryError(t *testing.T) {
	src, mock := newMockSource(t)
	mock.ExpectQuery("FROM model_versions").
		WillReturnRows(sqlmock.NewRows([]string{"version", "schema_allowlist"}).AddRow("v1", []byte("{sales}")))
	mock.ExpectQuery("FROM metrics").WillReturnError(assert.AnError)

	_, err := src.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query metrics")
}

func TestPostgresSourceVersionQueryError(t *testing.T) {
	src, mock := newMockSource(t)
	mock.ExpectQuery("FROM model_versions").WillReturnError(assert.AnError)

	_, err := src.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDatabaseQuery))
}

func TestPostgresSourceImport(t *testing.T) {
	src, mock := newMockSource(t)
	m := mustDefaultModel(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE model_versions SET active = false").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO model_versions").
		WithArgs("2024.1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for range m.Metrics {
		mock.ExpectExec("INSERT INTO metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for range m.Dimensions {
		mock.ExpectExec("INSERT INTO dimensions").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for range m.Joins {
		mock.ExpectExec("INSERT INTO join_edges").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for range m.EventTables {
		mock.ExpectExec("INSERT INTO event_tables").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, src.Import(context.Background(), m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSourceImportRollsBack(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE model_versions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO model_versions").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := src.Import(context.Background(), mustDefaultModel(t))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
