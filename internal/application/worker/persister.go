package worker

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/retry"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPersistenceUnavailable means results could not be stored. They were
// backed up and the owning job must stay tracked.
var ErrPersistenceUnavailable = errors.New("classification store unavailable")

// PersisterConfig configures Persister.
type PersisterConfig struct {
	Retry *retry.RetryConfig
}

// Persister upserts valid results. The store upsert is idempotent so the
// same results may be applied any number of times.
type Persister struct {
	store     outbound.ClassificationStore
	artifacts outbound.ArtifactStore
	clock     clock.Clock
	retrier   *retry.RetryExecutor
}

type persistenceBackup struct {
	JobID   string                `json:"job_id"`
	SavedAt time.Time             `json:"saved_at"`
	Error   string                `json:"error"`
	Results []entity.ParsedResult `json:"results"`
}

// NewPersister creates a persister. Without a retry policy the upsert gets
// three quick attempts.
func NewPersister(
	store outbound.ClassificationStore,
	artifacts outbound.ArtifactStore,
	clk clock.Clock,
	config PersisterConfig,
) *Persister {
	if config.Retry == nil {
		config.Retry = &retry.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Persister{
		store:     store,
		artifacts: artifacts,
		clock:     clk,
		retrier:   retry.NewRetryExecutor(config.Retry).WithClock(clk),
	}
}

// PersistOutcome is the result of one Persist call.
type PersistOutcome struct {
	Written int
	// Errors holds one persistence entry per result that matched no stored
	// record. Those records were not written.
	Errors []entity.ErrorEntry
}

// Persist writes results in one upsert. Results for unknown record ids are
// returned as error entries and do not fail the write. On store failure the
// results are written to a backup artifact and the returned error wraps
// ErrPersistenceUnavailable.
func (p *Persister) Persist(ctx context.Context, jobID string, results []entity.ParsedResult) (PersistOutcome, error) {
	var outcome PersistOutcome
	if len(results) == 0 {
		return outcome, nil
	}

	var report outbound.WriteReport
	err := p.retrier.Execute(ctx, func(ctx context.Context) error {
		r, err := p.store.UpsertClassifications(ctx, results)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err == nil {
		outcome.Written = report.Written
		now := p.clock.Now()
		for _, id := range report.Missing {
			outcome.Errors = append(outcome.Errors, entity.NewRecordError(
				id, jobID, entity.ErrorKindPersistence, "record not found in store", "", now))
		}
		if len(report.Missing) > 0 {
			slogger.Warn(ctx, "Results reference unknown records", slogger.Fields2(
				"job_id", jobID,
				"missing", report.Missing,
			))
		}
		slogger.Info(ctx, "Persisted classification results", slogger.Fields2("job_id", jobID, "rows", outcome.Written))
		return outcome, nil
	}

	backup := persistenceBackup{JobID: jobID, SavedAt: p.clock.Now().UTC(), Error: err.Error(), Results: results}
	data, marshalErr := json.MarshalIndent(backup, "", "  ")
	if marshalErr != nil {
		return outcome, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, errors.Join(err, marshalErr))
	}

	location, backupErr := p.artifacts.Write(ctx, "db_backup_"+jobID, "json", data)
	if backupErr != nil {
		slogger.ErrorWithError(ctx, backupErr, "Failed to back up unsaved results", slogger.Field("job_id", jobID))
		return outcome, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, errors.Join(err, backupErr))
	}

	slogger.Warn(ctx, "Store unavailable, results backed up", slogger.Fields3(
		"job_id", jobID,
		"results", len(results),
		"backup", location,
	))
	return outcome, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
}
