package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

// FileSource yields file-drop work items without blocking
type FileSource interface {
	Next() (entity.WorkItem, bool)
}

// EmailSource fetches pending email work items; it is a remote call and is
// rate-limited by the driver
type EmailSource interface {
	Poll(ctx context.Context) ([]entity.WorkItem, error)
}

// Ledger answers whether an item was already handled
type Ledger interface {
	IsHandled(ctx context.Context, itemKey string) (bool, error)
}

// Runner executes one work item to a terminal stage
type Runner interface {
	Execute(ctx context.Context, item entity.WorkItem) (*entity.WorkflowRun, error)
}

// Config holds driver tuning
type Config struct {
	IdleWait          time.Duration
	EmailPollInterval time.Duration
}

// Driver discovers work items and launches one concurrent run per unseen
// item key. It never waits for a launched run before continuing discovery.
type Driver struct {
	files  FileSource
	emails EmailSource
	ledger Ledger
	runner Runner
	cfg    Config
	logger *zap.Logger

	// Runtime state
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	isRunning     bool
	inflight      map[string]bool
	lastEmailPoll time.Time
	launchedCount int
	runWG         sync.WaitGroup
}

// NewDriver creates a workflow driver
func NewDriver(files FileSource, emails EmailSource, ledger Ledger, runner Runner, cfg Config, logger *zap.Logger) *Driver {
	if cfg.IdleWait == 0 {
		cfg.IdleWait = 5 * time.Second
	}
	if cfg.EmailPollInterval == 0 {
		cfg.EmailPollInterval = time.Minute
	}
	return &Driver{
		files:    files,
		emails:   emails,
		ledger:   ledger,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Name returns the worker name
func (d *Driver) Name() string {
	return "workflow-driver"
}

// Start begins the discovery loop
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("driver already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.isRunning = true
	d.mu.Unlock()

	d.logger.Info("Driver started",
		zap.Duration("idle_wait", d.cfg.IdleWait),
		zap.Duration("email_poll_interval", d.cfg.EmailPollInterval))

	go d.discoveryLoop()
	return nil
}

// Stop terminates discovery. In-flight runs are abandoned; their items stay
// unmarked in the ledger and get re-discovered on the next start.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = false
	launched := d.launchedCount
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	d.logger.Info("Driver stopped", zap.Int("launched_count", launched))
}

// Wait blocks until all launched runs have returned
func (d *Driver) Wait() {
	d.runWG.Wait()
}

// discoveryLoop ticks until stopped; a tick that dispatched work is followed
// immediately by another, an idle tick waits
func (d *Driver) discoveryLoop() {
	for {
		dispatched := d.tick()

		if !dispatched {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(d.cfg.IdleWait):
			}
			continue
		}

		select {
		case <-d.ctx.Done():
			return
		default:
		}
	}
}

// tick checks both sources once and reports whether anything was dispatched
func (d *Driver) tick() bool {
	dispatched := false

	// File source is cheap and checked every tick
	for {
		item, ok := d.files.Next()
		if !ok {
			break
		}
		if d.launch(item) {
			dispatched = true
		}
	}

	// Email source is a remote call and polled at its own cadence
	if d.emails != nil && time.Since(d.lastEmailPoll) >= d.cfg.EmailPollInterval {
		d.lastEmailPoll = time.Now()
		items, err := d.emails.Poll(d.ctx)
		if err != nil {
			d.logger.Error("Email poll failed", zap.Error(err))
		}
		for _, item := range items {
			if d.launch(item) {
				dispatched = true
			}
		}
	}

	return dispatched
}

// launch starts a run for the item unless its key is handled or in flight
func (d *Driver) launch(item entity.WorkItem) bool {
	d.mu.Lock()
	if d.inflight[item.Key] {
		d.mu.Unlock()
		return false
	}
	d.inflight[item.Key] = true
	d.mu.Unlock()

	handled, err := d.ledger.IsHandled(d.ctx, item.Key)
	if err != nil {
		d.logger.Error("Ledger check failed",
			zap.String("item_key", item.Key),
			zap.Error(err))
		d.release(item.Key)
		return false
	}
	if handled {
		d.logger.Debug("Item already handled, skipping", zap.String("item_key", item.Key))
		d.release(item.Key)
		return false
	}

	d.mu.Lock()
	d.launchedCount++
	d.mu.Unlock()

	d.runWG.Add(1)
	go func() {
		defer d.runWG.Done()
		defer d.release(item.Key)

		// One run's panic must never take down the driver or other runs
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Run panicked",
					zap.String("item_key", item.Key),
					zap.Any("panic", r))
			}
		}()

		if _, err := d.runner.Execute(d.ctx, item); err != nil {
			d.logger.Error("Run failed to execute",
				zap.String("item_key", item.Key),
				zap.Error(err))
		}
	}()

	d.logger.Info("Run launched",
		zap.String("item_key", item.Key),
		zap.String("source", string(item.Source)))
	return true
}

// release removes the item key from the in-flight set
func (d *Driver) release(itemKey string) {
	d.mu.Lock()
	delete(d.inflight, itemKey)
	d.mu.Unlock()
}

// InflightCount returns the number of runs currently executing
func (d *Driver) InflightCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.inflight)
}
