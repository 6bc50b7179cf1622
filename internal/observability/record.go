package observability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RequestRecord is the single structured event emitted per pipeline run.
type RequestRecord struct {
	TraceID       string   `json:"trace_id"`
	UserID        string   `json:"user_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Intent        string   `json:"intent,omitempty"`
	GroundedTerms []string `json:"grounded_terms,omitempty"`
	SQLHash       string   `json:"sql_hash,omitempty"`
	EstimatedRows int64    `json:"estimated_rows"`
	EstimatedCost float64  `json:"estimated_cost"`
	ActualRows    int64    `json:"actual_rows"`
	ActualCost    float64  `json:"actual_cost"`
	Approved      bool     `json:"approved"`
	Outcome       string   `json:"outcome"`
	RuntimeMs     int64    `json:"runtime_ms"`
}

// HashSQL returns the hex sha256 of a statement so records never carry raw SQL.
func HashSQL(sql string) string {
	if sql == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// RecordEmitter publishes request records to the telemetry sink.
type RecordEmitter interface {
	Emit(ctx context.Context, rec RequestRecord)
}

// LogRecordEmitter writes records as structured log lines and updates metrics.
type LogRecordEmitter struct {
	logger *Logger
}

// NewLogRecordEmitter creates an emitter backed by the given logger
func NewLogRecordEmitter(logger *Logger) *LogRecordEmitter {
	return &LogRecordEmitter{logger: logger}
}

// Emit logs the record once and feeds the query metrics.
func (e *LogRecordEmitter) Emit(ctx context.Context, rec RequestRecord) {
	e.logger.Info(ctx, "analytics_request", map[string]interface{}{
		"trace_id":       rec.TraceID,
		"user_id":        rec.UserID,
		"session_id":     rec.SessionID,
		"intent":         rec.Intent,
		"grounded_terms": rec.GroundedTerms,
		"sql_hash":       rec.SQLHash,
		"estimated_rows": rec.EstimatedRows,
		"estimated_cost": rec.EstimatedCost,
		"actual_rows":    rec.ActualRows,
		"actual_cost":    rec.ActualCost,
		"approved":       rec.Approved,
		"outcome":        rec.Outcome,
		"runtime_ms":     rec.RuntimeMs,
	})
	RecordQueryMetrics(rec.Intent, rec.Outcome, time.Duration(rec.RuntimeMs)*time.Millisecond)
}
