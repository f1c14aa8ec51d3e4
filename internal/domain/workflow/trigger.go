package workflow

// Trigger represents an event that can cause a stage transition
type Trigger string

const (
	TriggerExtracted        Trigger = "EXTRACTED"
	TriggerVerified         Trigger = "VERIFIED"
	TriggerValidationPassed Trigger = "VALIDATION_PASSED"
	TriggerRequestRevision  Trigger = "REQUEST_REVISION"
	TriggerRevisionSent     Trigger = "REVISION_SENT"
	TriggerProvisioned      Trigger = "PROVISIONED"
	TriggerFail             Trigger = "FAIL"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
