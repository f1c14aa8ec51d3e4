package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
	"github.com/orbtools/orb-workflow/internal/domain/workflow"
)

const sheetName = "Onboarding"

// RunLister reads terminal runs for reporting
type RunLister interface {
	List(ctx context.Context, stage workflow.Stage, limit int) ([]*entity.WorkflowRun, error)
}

// Exporter writes an onboarding summary workbook of finished runs
type Exporter struct {
	runs      RunLister
	outputDir string
	logger    *zap.Logger
}

// NewExporter creates a report exporter
func NewExporter(runs RunLister, outputDir string, logger *zap.Logger) *Exporter {
	return &Exporter{
		runs:      runs,
		outputDir: outputDir,
		logger:    logger,
	}
}

// Export writes the workbook and returns its path. One row per terminal run.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	succeeded, err := e.runs.List(ctx, workflow.StageSucceeded, 1000)
	if err != nil {
		return "", fmt.Errorf("failed to list succeeded runs: %w", err)
	}
	failed, err := e.runs.List(ctx, workflow.StageFailed, 1000)
	if err != nil {
		return "", fmt.Errorf("failed to list failed runs: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headers := []string{"Run ID", "Item", "Source", "Stage", "Customer ID", "Subscription ID", "Failure Reason", "Failure Message", "Finished At"}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return "", fmt.Errorf("failed to write header: %w", err)
		}
	}

	row := 2
	for _, run := range append(succeeded, failed...) {
		reason, message := "", ""
		if run.Failure != nil {
			reason = string(run.Failure.Reason)
			message = run.Failure.Message
		}

		values := []any{
			run.RunID,
			run.Item.Key,
			string(run.Item.Source),
			run.Stage.String(),
			run.CustomerID,
			run.SubscriptionID,
			reason,
			message,
			run.UpdatedAt.Format(time.RFC3339),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return "", fmt.Errorf("failed to write row %d: %w", row, err)
			}
		}
		row++
	}

	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(e.outputDir, fmt.Sprintf("onboarding_%s.xlsx", time.Now().Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	e.logger.Info("Onboarding report written",
		zap.String("path", path),
		zap.Int("run_count", row-2))
	return path, nil
}
