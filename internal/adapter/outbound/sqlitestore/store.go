// Package sqlitestore is an embedded SQLite record source and classification
// store for local runs and tests. It shares query rendering with the
// PostgreSQL repository.
package sqlitestore

import (
	"batchclassify/internal/adapter/outbound/repository"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339Nano,
	time.DateTime,
	"2006-01-02T15:04:05",
}

// Store is a database/sql backed record store.
type Store struct {
	db      *sql.DB
	queries *repository.QueryBuilder
}

var (
	_ outbound.RecordSource        = (*Store)(nil)
	_ outbound.ClassificationStore = (*Store)(nil)
)

// Open opens (creating if needed) the SQLite database at path. Use
// ":memory:" for a private in-memory database.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database %s: %w", path, err)
	}
	return db, nil
}

// New creates a store over table with one column per classification field.
func New(db *sql.DB, table string, fields []string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database", repository.ErrConnectionFailed)
	}
	queries, err := repository.NewQueryBuilder(table, fields, repository.QuestionPlaceholder,
		func(t time.Time) any { return t.Format(time.DateOnly) })
	if err != nil {
		return nil, err
	}
	return &Store{db: db, queries: queries}, nil
}

// EnsureTable creates the record table when it does not exist. Field
// columns are untyped so integers and text both round-trip.
func (s *Store) EnsureTable(ctx context.Context) error {
	columns := []string{
		"id INTEGER PRIMARY KEY",
		"text TEXT",
		"date TEXT",
		"source TEXT",
		"classified INTEGER",
	}
	columns = append(columns, s.queries.Fields()...)
	stmt := "CREATE TABLE IF NOT EXISTS " + s.queries.Table() + " (" + strings.Join(columns, ", ") + ")"
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.queries.Table(), err)
	}
	return nil
}

// CountUnclassified counts records still awaiting classification.
func (s *Store) CountUnclassified(ctx context.Context, filter outbound.RecordFilter) (int, error) {
	query, args := s.queries.CountUnclassified(filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unclassified failed: %w", err)
	}
	return count, nil
}

// FetchUnclassified returns one page of unclassified records ordered by id.
func (s *Store) FetchUnclassified(
	ctx context.Context,
	filter outbound.RecordFilter,
	limit, offset int,
) ([]entity.ClassificationRecord, error) {
	query, args := s.queries.SelectUnclassified(filter, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch unclassified failed: %w", err)
	}
	defer rows.Close()

	var records []entity.ClassificationRecord
	for rows.Next() {
		var (
			rec  entity.ClassificationRecord
			date sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &rec.Source, &date); err != nil {
			return nil, fmt.Errorf("scan record failed: %w", err)
		}
		if date.Valid {
			rec.Date = parseDate(date.String)
		}
		rec.Status = entity.RecordStatusUnclassified
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records failed: %w", err)
	}
	return records, nil
}

// UpsertClassifications writes every result in one transaction. Results
// whose id matches no row are reported as missing.
func (s *Store) UpsertClassifications(
	ctx context.Context,
	results []entity.ParsedResult,
) (outbound.WriteReport, error) {
	var report outbound.WriteReport
	if len(results) == 0 {
		return report, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.queries.Upsert())
	if err != nil {
		return report, fmt.Errorf("upsert classifications failed: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		out, err := stmt.ExecContext(ctx, s.queries.UpsertArgs(res.RecordID, res.Fields)...)
		if err != nil {
			return outbound.WriteReport{}, fmt.Errorf("upsert classifications failed for record %d: %w", res.RecordID, err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return outbound.WriteReport{}, fmt.Errorf("failed to read affected rows for record %d: %w", res.RecordID, err)
		}
		if n == 0 {
			report.Missing = append(report.Missing, res.RecordID)
			continue
		}
		report.Written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return outbound.WriteReport{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slogger.Debug(ctx, "Classifications upserted", slogger.Fields3(
		"table", s.queries.Table(),
		"rows", report.Written,
		"missing", len(report.Missing),
	))
	return report, nil
}

// parseDate accepts the layouts SQLite applications commonly store. An
// unparseable value yields the zero time.
func parseDate(s string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
