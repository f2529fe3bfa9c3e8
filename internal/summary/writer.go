// Package summary is the Summary & Persistence component (C7): it
// upserts a completed call's per-leg timeline into MySQL using the
// teacher's prepared-statement-cache-backed `INSERT ... ON DUPLICATE
// KEY UPDATE` idiom (internal/db/connection.go's StmtCache).
package summary

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/db"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/metrics"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/models"
	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
)

const timeLayout = "2006-01-02 15:04:05"

// Writer is the C7 component.
type Writer struct {
	pool    *db.DB
	stmts   *db.StmtCache
	table   string
	query   string
	metrics *metrics.Metrics
}

func New(pool *db.DB, table string, m *metrics.Metrics) *Writer {
	if table == "" {
		table = "call_leg_timelines"
	}
	return &Writer{
		pool:    pool,
		stmts:   db.NewStmtCache(pool.DB),
		table:   table,
		query:   buildUpsertQuery(table),
		metrics: m,
	}
}

// Reset rebinds the Writer to a freshly (re)initialized pool, so a
// /start restart's persistence reconnect is observed without needing to
// rebuild the Correlator that already holds this Writer's Upsert method
// value (§4.6 step 2).
func (w *Writer) Reset(pool *db.DB) {
	w.pool = pool
	w.stmts = db.NewStmtCache(pool.DB)
}

func buildUpsertQuery(table string) string {
	cols := []string{
		"call_id", "recording_path",
		"leg_a_status", "leg_a_number", "leg_a_channel", "leg_a_paired_channel",
		"leg_a_peer", "leg_a_caller", "leg_a_dial_string", "leg_a_answered_by",
		"leg_a_start", "leg_a_answer", "leg_a_end",
		"leg_b_status", "leg_b_number", "leg_b_channel", "leg_b_paired_channel",
		"leg_b_peer", "leg_b_caller", "leg_b_dial_string", "leg_b_answered_by",
		"leg_b_start", "leg_b_answer", "leg_b_end",
	}

	placeholders := ""
	updates := ""
	for i, col := range cols {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		if col == "call_id" {
			continue
		}
		if updates != "" {
			updates += ", "
		}
		updates += fmt.Sprintf("%s = VALUES(%s)", col, col)
	}

	colList := ""
	for i, col := range cols {
		if i > 0 {
			colList += ", "
		}
		colList += col
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, colList, placeholders, updates,
	)
}

// Upsert writes row, inserting a new call_leg_timelines record or
// updating every non-key column on a call_id conflict (§4.5/§6). The
// exec runs inside db.DB.Transaction so a transient connection error
// (deadlock, reset, timeout) is retried per the pool's RetryAttempts
// instead of failing the cleanup path outright.
func (w *Writer) Upsert(ctx context.Context, row *models.CallSummaryRow) error {
	stmt, err := w.stmts.Prepare(w.query)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to prepare upsert statement")
	}

	err = w.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.StmtContext(ctx, stmt).ExecContext(ctx,
			row.CallID, nullString(row.RecordingPath),
			nullString(row.LegAStatus), nullString(row.LegANumber), nullString(row.LegAChannel), nullString(row.LegAPaired),
			nullString(row.LegAPeer), nullString(row.LegACaller), nullString(row.LegADialString), nullString(row.LegAAnsweredBy),
			formatTime(row.LegAStart), formatTime(row.LegAAnswer), formatTime(row.LegAEnd),
			nullString(row.LegBStatus), nullString(row.LegBNumber), nullString(row.LegBChannel), nullString(row.LegBPaired),
			nullString(row.LegBPeer), nullString(row.LegBCaller), nullString(row.LegBDialString), nullString(row.LegBAnsweredBy),
			formatTime(row.LegBStart), formatTime(row.LegBAnswer), formatTime(row.LegBEnd),
		)
		return execErr
	})
	if err != nil {
		if w.metrics != nil {
			w.metrics.IncrementCounter("dialer_persistence_upsert_failures", map[string]string{})
		}
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to upsert call summary")
	}
	return nil
}

// Close releases the Writer's cached prepared statements, used during
// graceful shutdown so the underlying *sql.DB can close its connections
// without leaking server-side statement handles.
func (w *Writer) Close() {
	w.stmts.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}
