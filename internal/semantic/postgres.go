package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
)

// PostgresSource loads the semantic model from the tables created by the
// database migrations.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource opens a connection pool for the model tables
func NewPostgresSource(cfg config.DatabaseConfig) (*PostgresSource, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresSource{db: db}, nil
}

// NewPostgresSourceFromDB wraps an existing pool
func NewPostgresSourceFromDB(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Name returns the source name
func (ps *PostgresSource) Name() string {
	return "postgres"
}

// Ping tests the database connection
func (ps *PostgresSource) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

// Close closes the database connection
func (ps *PostgresSource) Close() error {
	return ps.db.Close()
}

// Load reads the active model version and all of its parts.
func (ps *PostgresSource) Load(ctx context.Context) (m *Model, err error) {
	start := time.Now()
	defer func() { observability.RecordDBMetrics("load_model", time.Since(start), err) }()

	var raw Model
	var allowlist pq.StringArray
	err = ps.db.QueryRowContext(ctx, `
		SELECT version, schema_allowlist
		FROM model_versions
		WHERE active
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&raw.Version, &allowlist)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no active model version")
		}
		return nil, errors.NewDatabaseQueryError(err, "load active model version")
	}
	raw.SchemaAllowlist = []string(allowlist)

	if raw.Metrics, err = ps.loadMetrics(ctx, raw.Version); err != nil {
		return nil, err
	}
	if raw.Dimensions, err = ps.loadDimensions(ctx, raw.Version); err != nil {
		return nil, err
	}
	if raw.Joins, err = ps.loadJoins(ctx, raw.Version); err != nil {
		return nil, err
	}
	if raw.EventTables, err = ps.loadEventTables(ctx, raw.Version); err != nil {
		return nil, err
	}

	return NewModel(raw)
}

func (ps *PostgresSource) loadMetrics(ctx context.Context, version string) ([]Metric, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT name, definition, source_table, column_expr, aggregation, is_distinct,
		       time_column, synonyms, decompose
		FROM metrics
		WHERE model_version = $1
		ORDER BY position
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		var definition, timeColumn sql.NullString
		var synonyms, decompose pq.StringArray

		if err := rows.Scan(&m.Name, &definition, &m.SourceTable, &m.Column, &m.Aggregation,
			&m.Distinct, &timeColumn, &synonyms, &decompose); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		m.Definition = definition.String
		m.TimeColumn = timeColumn.String
		m.Synonyms = []string(synonyms)
		m.Decompose = []string(decompose)
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metric rows: %w", err)
	}
	return metrics, nil
}

func (ps *PostgresSource) loadDimensions(ctx context.Context, version string) ([]Dimension, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT name, source_table, column_name, synonyms, known_values
		FROM dimensions
		WHERE model_version = $1
		ORDER BY position
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimensions: %w", err)
	}
	defer rows.Close()

	var dims []Dimension
	for rows.Next() {
		var d Dimension
		var synonyms, values pq.StringArray
		if err := rows.Scan(&d.Name, &d.SourceTable, &d.Column, &synonyms, &values); err != nil {
			return nil, fmt.Errorf("failed to scan dimension row: %w", err)
		}
		d.Synonyms = []string(synonyms)
		d.Values = []string(values)
		dims = append(dims, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dimension rows: %w", err)
	}
	return dims, nil
}

func (ps *PostgresSource) loadJoins(ctx context.Context, version string) ([]JoinEdge, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT from_table, to_table, from_column, to_column
		FROM join_edges
		WHERE model_version = $1
		ORDER BY from_table, to_table
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query join edges: %w", err)
	}
	defer rows.Close()

	var edges []JoinEdge
	for rows.Next() {
		var e JoinEdge
		if err := rows.Scan(&e.FromTable, &e.ToTable, &e.FromColumn, &e.ToColumn); err != nil {
			return nil, fmt.Errorf("failed to scan join edge row: %w", err)
		}
		edges = append(edges, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating join edge rows: %w", err)
	}
	return edges, nil
}

func (ps *PostgresSource) loadEventTables(ctx context.Context, version string) ([]EventTable, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT event_type, table_name, start_column, end_column
		FROM event_tables
		WHERE model_version = $1
		ORDER BY event_type
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query event tables: %w", err)
	}
	defer rows.Close()

	var events []EventTable
	for rows.Next() {
		var ev EventTable
		var endColumn sql.NullString
		if err := rows.Scan(&ev.Type, &ev.Table, &ev.StartColumn, &endColumn); err != nil {
			return nil, fmt.Errorf("failed to scan event table row: %w", err)
		}
		ev.EndColumn = endColumn.String
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event table rows: %w", err)
	}
	return events, nil
}

// Import writes model as a new version and makes it the active one. The
// previous version stays in the tables for audit.
func (ps *PostgresSource) Import(ctx context.Context, model *Model) (err error) {
	start := time.Now()
	defer func() { observability.RecordDBMetrics("import_model", time.Since(start), err) }()

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `UPDATE model_versions SET active = false WHERE active`); err != nil {
		return fmt.Errorf("failed to deactivate model versions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO model_versions (version, schema_allowlist, active, created_at)
		VALUES ($1, $2, true, $3)
	`, model.Version, pq.Array(model.SchemaAllowlist), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert model version: %w", err)
	}

	for i, m := range model.Metrics {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO metrics (model_version, position, name, definition, source_table, column_expr,
			                     aggregation, is_distinct, time_column, synonyms, decompose)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, model.Version, i, m.Name, m.Definition, m.SourceTable, m.Column, m.Aggregation, m.Distinct,
			nullString(m.TimeColumn), pq.Array(m.Synonyms), pq.Array(m.Decompose)); err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", m.Name, err)
		}
	}

	for i, d := range model.Dimensions {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO dimensions (model_version, position, name, source_table, column_name, synonyms, known_values)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, model.Version, i, d.Name, d.SourceTable, d.Column, pq.Array(d.Synonyms), pq.Array(d.Values)); err != nil {
			return fmt.Errorf("failed to insert dimension %s: %w", d.Name, err)
		}
	}

	for _, e := range model.Joins {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO join_edges (model_version, from_table, to_table, from_column, to_column)
			VALUES ($1, $2, $3, $4, $5)
		`, model.Version, e.FromTable, e.ToTable, e.FromColumn, e.ToColumn); err != nil {
			return fmt.Errorf("failed to insert join edge %s -> %s: %w", e.FromTable, e.ToTable, err)
		}
	}

	for _, ev := range model.EventTables {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO event_tables (model_version, event_type, table_name, start_column, end_column)
			VALUES ($1, $2, $3, $4, $5)
		`, model.Version, ev.Type, ev.Table, ev.StartColumn, nullString(ev.EndColumn)); err != nil {
			return fmt.Errorf("failed to insert event table %s: %w", ev.Type, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit model import: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
