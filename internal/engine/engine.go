package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/billing"
	"github.com/orbtools/orb-workflow/internal/domain/entity"
	"github.com/orbtools/orb-workflow/internal/domain/workflow"
	"github.com/orbtools/orb-workflow/internal/verify"
)

// Extractor pulls structured fields out of a document
type Extractor interface {
	Extract(ctx context.Context, documentPath string) (map[string]any, error)
}

// Verifier runs the human verification conversation for a run
type Verifier interface {
	Open(ctx context.Context, run *entity.WorkflowRun, data map[string]any) (*entity.Conversation, int64, error)
	PollReply(ctx context.Context, conv *entity.Conversation, marker int64, timeout time.Duration) (*verify.Reply, error)
	SendFollowup(ctx context.Context, conv *entity.Conversation, text string) (int64, error)
}

// Interpreter classifies a human reply against the candidate data
type Interpreter interface {
	Interpret(ctx context.Context, reply string, data map[string]any) (verify.Outcome, map[string]any, error)
}

// Validator normalizes a field map into provision-ready billing data
type Validator interface {
	Validate(data map[string]any) (*entity.BillingData, error)
}

// Provisioner creates the customer and subscription
type Provisioner interface {
	Provision(ctx context.Context, data *entity.BillingData) (*billing.ProvisionOutcome, error)
}

// RunStore persists run records for status reporting
type RunStore interface {
	Create(ctx context.Context, run *entity.WorkflowRun) error
	Update(ctx context.Context, run *entity.WorkflowRun) error
}

// HandledLedger records terminally processed items
type HandledLedger interface {
	MarkHandled(ctx context.Context, item entity.WorkItem) error
}

// Config holds engine tuning
type Config struct {
	ReplyTimeout time.Duration
	MaxRetries   int
}

// Engine drives one work item through extraction, verification, validation
// and provisioning. Each Execute call owns its run exclusively; concurrent
// calls for different items share nothing but the collaborators.
type Engine struct {
	extractor   Extractor
	verifier    Verifier
	interpreter Interpreter
	validator   Validator
	provisioner Provisioner
	runs        RunStore
	ledger      HandledLedger
	cfg         Config
	logger      *zap.Logger
}

// NewEngine creates a workflow engine
func NewEngine(
	extractor Extractor,
	verifier Verifier,
	interpreter Interpreter,
	validator Validator,
	provisioner Provisioner,
	runs RunStore,
	ledger HandledLedger,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Engine{
		extractor:   extractor,
		verifier:    verifier,
		interpreter: interpreter,
		validator:   validator,
		provisioner: provisioner,
		runs:        runs,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute drives one item to a terminal stage and returns the finished run.
// Collaborator failures become tagged run failures; the returned error is
// reserved for infrastructure problems that prevent the run from existing.
func (e *Engine) Execute(ctx context.Context, item entity.WorkItem) (*entity.WorkflowRun, error) {
	run := entity.NewRun(item)
	machine := NewRunMachine()

	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	logger := e.logger.With(
		zap.String("run_id", run.RunID),
		zap.String("item_key", item.Key))
	logger.Info("Run started", zap.String("source", string(item.Source)))

	// candidate is the data under discussion: extracted at first, then
	// rewritten by human change requests until approved.
	var candidate map[string]any
	var billingData *entity.BillingData
	var validationReason string

	for !machine.Stage().IsTerminal() {
		run.Stage = machine.Stage()
		e.persist(ctx, run, logger)

		switch machine.Stage() {
		case workflow.StageExtracting:
			data, err := e.extractor.Extract(ctx, item.DocumentPath)
			if err != nil {
				e.fail(ctx, run, machine, entity.FailureExtractionError, err.Error(), logger)
				continue
			}
			run.ExtractedData = data
			candidate = data
			e.fire(ctx, machine, workflow.TriggerExtracted, logger)

		case workflow.StageAwaitingVerification:
			outcome := e.awaitVerification(ctx, run, machine, &candidate, logger)
			if outcome != nil {
				e.fail(ctx, run, machine, outcome.Reason, outcome.Message, logger)
			}

		case workflow.StageValidating:
			data, err := e.validator.Validate(run.VerifiedData)
			if err != nil {
				validationReason = err.Error()
				logger.Info("Validation failed", zap.String("reason", validationReason))
				e.fire(ctx, machine, workflow.TriggerRequestRevision, logger)
				continue
			}
			billingData = data
			e.fire(ctx, machine, workflow.TriggerValidationPassed, logger)

		case workflow.StageAwaitingRevision:
			run.ChangeCycles++
			if run.ChangeCycles > e.cfg.MaxRetries {
				e.fail(ctx, run, machine, entity.FailureValidationErrorExhausted,
					fmt.Sprintf("no approved data after %d revision cycles: %s", e.cfg.MaxRetries, validationReason),
					logger)
				continue
			}

			text := fmt.Sprintf("The data could not be validated: %s. Please reply with the corrections.", validationReason)
			marker, err := e.verifier.SendFollowup(ctx, run.Conversation, text)
			if err != nil {
				e.fail(ctx, run, machine, entity.FailureInternalError,
					fmt.Sprintf("failed to send revision request: %v", err), logger)
				continue
			}
			run.LastMarker = marker
			run.VerifiedData = nil
			e.fire(ctx, machine, workflow.TriggerRevisionSent, logger)

		case workflow.StageProvisioning:
			outcome, err := e.provisioner.Provision(ctx, billingData)
			if outcome != nil {
				run.CustomerID = outcome.CustomerID
				run.SubscriptionID = outcome.SubscriptionID
			}
			if err != nil {
				e.fail(ctx, run, machine, entity.FailureProvisioningError, err.Error(), logger)
				continue
			}
			e.fire(ctx, machine, workflow.TriggerProvisioned, logger)

		default:
			e.fail(ctx, run, machine, entity.FailureInternalError,
				fmt.Sprintf("unexpected stage %s", machine.Stage()), logger)
		}
	}

	run.Stage = machine.Stage()
	e.persist(ctx, run, logger)

	if err := e.ledger.MarkHandled(ctx, item); err != nil {
		logger.Error("Failed to update ledger", zap.Error(err))
	}

	if run.Stage == workflow.StageSucceeded {
		logger.Info("Run succeeded",
			zap.String("customer_id", run.CustomerID),
			zap.String("subscription_id", run.SubscriptionID))
	} else {
		logger.Warn("Run failed",
			zap.String("reason", string(run.Failure.Reason)),
			zap.String("message", run.Failure.Message))
	}

	return run, nil
}

// failure is an intermediate result from the verification wait
type failure struct {
	Reason  entity.FailureReason
	Message string
}

// awaitVerification opens the conversation if needed, then waits for a reply
// and acts on it. Returns nil when the machine advanced, or the failure to
// apply.
func (e *Engine) awaitVerification(ctx context.Context, run *entity.WorkflowRun, machine workflow.StateMachine, candidate *map[string]any, logger *zap.Logger) *failure {
	// The conversation opens once per run; revision cycles reuse it
	if run.Conversation == nil {
		conv, marker, err := e.verifier.Open(ctx, run, *candidate)
		if err != nil {
			return &failure{entity.FailureVerificationError, fmt.Sprintf("failed to open conversation: %v", err)}
		}
		run.Conversation = conv
		run.LastMarker = marker
		e.persist(ctx, run, logger)
	}

	for {
		reply, err := e.verifier.PollReply(ctx, run.Conversation, run.LastMarker, e.cfg.ReplyTimeout)
		if err != nil {
			return &failure{entity.FailureVerificationError, fmt.Sprintf("reply poll failed: %v", err)}
		}
		if reply == nil {
			return &failure{entity.FailureVerificationTimeout,
				fmt.Sprintf("no reply within %s", e.cfg.ReplyTimeout)}
		}
		run.LastMarker = reply.Marker

		outcome, updated, err := e.interpreter.Interpret(ctx, reply.Text, *candidate)
		if err != nil {
			return &failure{entity.FailureVerificationError, fmt.Sprintf("reply interpretation failed: %v", err)}
		}

		switch outcome {
		case verify.OutcomeApproved:
			run.VerifiedData = *candidate
			e.fire(ctx, machine, workflow.TriggerVerified, logger)
			return nil

		case verify.OutcomeChanges:
			*candidate = updated
			run.VerifiedData = updated
			logger.Info("Change request applied", zap.Int("field_count", len(updated)))
			e.fire(ctx, machine, workflow.TriggerVerified, logger)
			return nil

		default:
			// Unclear replies get a clarification and do not consume the
			// revision budget; the wait starts over.
			marker, err := e.verifier.SendFollowup(ctx, run.Conversation,
				"Sorry, I couldn't act on that. Reply \"approve\" to continue, or describe the exact changes needed.")
			if err != nil {
				return &failure{entity.FailureInternalError,
					fmt.Sprintf("failed to send clarification: %v", err)}
			}
			run.LastMarker = marker
		}
	}
}

// fail moves the run to the failed stage with a tagged reason. When a
// conversation exists the failure is also explained in-thread.
func (e *Engine) fail(ctx context.Context, run *entity.WorkflowRun, machine workflow.StateMachine, reason entity.FailureReason, message string, logger *zap.Logger) {
	run.Failure = &entity.Failure{Reason: reason, Message: message}
	e.fire(ctx, machine, workflow.TriggerFail, logger)

	if run.Conversation != nil && reason != entity.FailureInternalError {
		text := fmt.Sprintf("This request could not be completed (%s): %s", reason, message)
		if marker, err := e.verifier.SendFollowup(ctx, run.Conversation, text); err == nil {
			run.LastMarker = marker
		}
	}
}

// fire executes a trigger; a rejected trigger is a programming error in the
// stage graph and downgrades the run rather than panicking
func (e *Engine) fire(ctx context.Context, machine workflow.StateMachine, trigger workflow.Trigger, logger *zap.Logger) {
	if err := machine.Fire(ctx, trigger); err != nil {
		logger.Error("Stage transition rejected",
			zap.String("trigger", trigger.String()),
			zap.String("stage", machine.Stage().String()),
			zap.Error(err))
	}
}

// persist saves the run record, logging rather than failing the run when the
// store is unavailable
func (e *Engine) persist(ctx context.Context, run *entity.WorkflowRun, logger *zap.Logger) {
	run.UpdatedAt = time.Now()
	if err := e.runs.Update(ctx, run); err != nil {
		logger.Warn("Failed to persist run record", zap.Error(err))
	}
}
