package repository

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClassificationRepository is the PostgreSQL record source and
// classification store.
type ClassificationRepository struct {
	pool    *pgxpool.Pool
	queries *QueryBuilder
}

var (
	_ outbound.RecordSource        = (*ClassificationRepository)(nil)
	_ outbound.ClassificationStore = (*ClassificationRepository)(nil)
)

// NewClassificationRepository creates a repository over table with one
// column per classification field.
func NewClassificationRepository(pool *pgxpool.Pool, table string, fields []string) (*ClassificationRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConnectionFailed)
	}
	queries, err := NewQueryBuilder(table, fields, DollarPlaceholder, nil)
	if err != nil {
		return nil, err
	}
	return &ClassificationRepository{pool: pool, queries: queries}, nil
}

// CountUnclassified counts records still awaiting classification.
func (r *ClassificationRepository) CountUnclassified(ctx context.Context, filter outbound.RecordFilter) (int, error) {
	query, args := r.queries.CountUnclassified(filter)

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, WrapError(err, "count unclassified")
	}
	return count, nil
}

// FetchUnclassified returns one page of unclassified records ordered by id.
func (r *ClassificationRepository) FetchUnclassified(
	ctx context.Context,
	filter outbound.RecordFilter,
	limit, offset int,
) ([]entity.ClassificationRecord, error) {
	query, args := r.queries.SelectUnclassified(filter, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapError(err, "fetch unclassified")
	}
	defer rows.Close()

	var records []entity.ClassificationRecord
	for rows.Next() {
		var (
			rec  entity.ClassificationRecord
			date *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &rec.Source, &date); err != nil {
			return nil, WrapError(err, "scan record")
		}
		if date != nil {
			rec.Date = *date
		}
		rec.Status = entity.RecordStatusUnclassified
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(err, "iterate records")
	}
	return records, nil
}

// UpsertClassifications writes every result in one transaction using a
// pipelined batch. Either all rows are written or none. Results whose id
// matches no row are reported as missing.
func (r *ClassificationRepository) UpsertClassifications(
	ctx context.Context,
	results []entity.ParsedResult,
) (outbound.WriteReport, error) {
	if len(results) == 0 {
		return outbound.WriteReport{}, nil
	}

	stmt := r.queries.Upsert()
	batch := &pgx.Batch{}
	for _, res := range results {
		batch.Queue(stmt, r.queries.UpsertArgs(res.RecordID, res.Fields)...)
	}

	var report outbound.WriteReport
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		report = outbound.WriteReport{}
		br := tx.SendBatch(ctx, batch)
		for _, res := range results {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			if tag.RowsAffected() == 0 {
				report.Missing = append(report.Missing, res.RecordID)
				continue
			}
			report.Written += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return outbound.WriteReport{}, WrapError(err, "upsert classifications")
	}

	slogger.Debug(ctx, "Classifications upserted", slogger.Fields3(
		"table", r.queries.Table(),
		"rows", report.Written,
		"missing", len(report.Missing),
	))
	return report, nil
}
