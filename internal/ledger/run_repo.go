package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
	"github.com/orbtools/orb-workflow/internal/domain/workflow"
	"github.com/orbtools/orb-workflow/pkg/database"
)

// RunRepository persists workflow run records for status reporting
type RunRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewRunRepository creates a run repository
func NewRunRepository(db *database.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new run record
func (r *RunRepository) Create(ctx context.Context, run *entity.WorkflowRun) error {
	extracted, verified, err := marshalSnapshots(run)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			run_id, item_key, source, document_path, stage,
			failure_reason, failure_message, customer_id, subscription_id,
			extracted_data, verified_data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Item.Key, string(run.Item.Source), run.Item.DocumentPath,
		run.Stage.String(), failureReason(run), failureMessage(run),
		run.CustomerID, run.SubscriptionID, extracted, verified,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a run record
func (r *RunRepository) Update(ctx context.Context, run *entity.WorkflowRun) error {
	extracted, verified, err := marshalSnapshots(run)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_runs SET
			stage = ?, failure_reason = ?, failure_message = ?,
			customer_id = ?, subscription_id = ?,
			extracted_data = ?, verified_data = ?, updated_at = ?
		WHERE run_id = ?`,
		run.Stage.String(), failureReason(run), failureMessage(run),
		run.CustomerID, run.SubscriptionID, extracted, verified,
		run.UpdatedAt, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s not found", run.RunID)
	}
	return nil
}

// GetByRunID fetches one run record
func (r *RunRepository) GetByRunID(ctx context.Context, runID string) (*entity.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, item_key, source, document_path, stage,
			failure_reason, failure_message, customer_id, subscription_id,
			extracted_data, verified_data, created_at, updated_at
		FROM workflow_runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns runs ordered newest-first, optionally filtered by stage
func (r *RunRepository) List(ctx context.Context, stage workflow.Stage, limit int) ([]*entity.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT run_id, item_key, source, document_path, stage,
			failure_reason, failure_message, customer_id, subscription_id,
			extracted_data, verified_data, created_at, updated_at
		FROM workflow_runs`
	args := []any{}
	if stage != "" {
		query += " WHERE stage = ?"
		args = append(args, stage.String())
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*entity.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*entity.WorkflowRun, error) {
	var run entity.WorkflowRun
	var source, stage, reason, message, extracted, verified string

	err := s.Scan(
		&run.RunID, &run.Item.Key, &source, &run.Item.DocumentPath, &stage,
		&reason, &message, &run.CustomerID, &run.SubscriptionID,
		&extracted, &verified, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Item.Source = entity.Source(source)
	run.Stage = workflow.Stage(stage)

	if reason != "" {
		run.Failure = &entity.Failure{
			Reason:  entity.FailureReason(reason),
			Message: message,
		}
	}
	if extracted != "" {
		if err := json.Unmarshal([]byte(extracted), &run.ExtractedData); err != nil {
			return nil, fmt.Errorf("corrupt extracted data for run %s: %w", run.RunID, err)
		}
	}
	if verified != "" {
		if err := json.Unmarshal([]byte(verified), &run.VerifiedData); err != nil {
			return nil, fmt.Errorf("corrupt verified data for run %s: %w", run.RunID, err)
		}
	}
	return &run, nil
}

func marshalSnapshots(run *entity.WorkflowRun) (string, string, error) {
	extracted := ""
	if run.ExtractedData != nil {
		data, err := json.Marshal(run.ExtractedData)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal extracted data: %w", err)
		}
		extracted = string(data)
	}

	verified := ""
	if run.VerifiedData != nil {
		data, err := json.Marshal(run.VerifiedData)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal verified data: %w", err)
		}
		verified = string(data)
	}
	return extracted, verified, nil
}

func failureReason(run *entity.WorkflowRun) string {
	if run.Failure == nil {
		return ""
	}
	return string(run.Failure.Reason)
}

func failureMessage(run *entity.WorkflowRun) string {
	if run.Failure == nil {
		return ""
	}
	return run.Failure.Message
}
