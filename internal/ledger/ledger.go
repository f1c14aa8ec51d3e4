package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
	"github.com/orbtools/orb-workflow/pkg/database"
)

// Ledger records which work items have been handled. An item appears here
// exactly once, after its run reaches a terminal stage.
type Ledger struct {
	db     *database.DB
	logger *zap.Logger
}

// NewLedger creates a handled-items ledger
func NewLedger(db *database.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

// IsHandled reports whether the item key has already been handled
func (l *Ledger) IsHandled(ctx context.Context, itemKey string) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_items WHERE item_key = ?", itemKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return count > 0, nil
}

// MarkHandled records the item as handled. Marking the same key again is a
// no-op, so a terminal run updates the ledger at most once.
func (l *Ledger) MarkHandled(ctx context.Context, item entity.WorkItem) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_items (item_key, source) VALUES (?, ?)",
		item.Key, string(item.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to mark item handled: %w", err)
	}

	l.logger.Debug("Item marked handled",
		zap.String("item_key", item.Key),
		zap.String("source", string(item.Source)))
	return nil
}
