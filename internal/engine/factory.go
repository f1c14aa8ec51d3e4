package engine

import (
	"github.com/orbtools/orb-workflow/internal/domain/workflow"
)

// NewRunMachine builds the state machine for one billing setup run.
// Every non-terminal stage can fail; the only loop-back edge is the
// revision cycle returning to verification.
func NewRunMachine() workflow.StateMachine {
	builder := workflow.NewBuilder()

	builder.Configure(workflow.StageExtracting).
		Permit(workflow.TriggerExtracted, workflow.StageAwaitingVerification).
		Permit(workflow.TriggerFail, workflow.StageFailed)

	builder.Configure(workflow.StageAwaitingVerification).
		Permit(workflow.TriggerVerified, workflow.StageValidating).
		Permit(workflow.TriggerFail, workflow.StageFailed)

	builder.Configure(workflow.StageValidating).
		Permit(workflow.TriggerValidationPassed, workflow.StageProvisioning).
		Permit(workflow.TriggerRequestRevision, workflow.StageAwaitingRevision).
		Permit(workflow.TriggerFail, workflow.StageFailed)

	builder.Configure(workflow.StageAwaitingRevision).
		Permit(workflow.TriggerRevisionSent, workflow.StageAwaitingVerification).
		Permit(workflow.TriggerFail, workflow.StageFailed)

	builder.Configure(workflow.StageProvisioning).
		Permit(workflow.TriggerProvisioned, workflow.StageSucceeded).
		Permit(workflow.TriggerFail, workflow.StageFailed)

	return builder.Build(workflow.StageExtracting)
}
