package workflow

// Stage represents a stage in the billing setup lifecycle of a single run
type Stage string

const (
	StageExtracting           Stage = "EXTRACTING"
	StageAwaitingVerification Stage = "AWAITING_VERIFICATION"
	StageValidating           Stage = "VALIDATING"
	StageAwaitingRevision     Stage = "AWAITING_REVISION"
	StageProvisioning         Stage = "PROVISIONING"
	StageSucceeded            Stage = "SUCCEEDED"
	StageFailed               Stage = "FAILED"
)

var validStages = map[Stage]bool{
	StageExtracting:           true,
	StageAwaitingVerification: true,
	StageValidating:           true,
	StageAwaitingRevision:     true,
	StageProvisioning:         true,
	StageSucceeded:            true,
	StageFailed:               true,
}

var terminalStages = map[Stage]bool{
	StageSucceeded: true,
	StageFailed:    true,
}

// IsTerminal returns true if the stage is a terminal stage (no further transitions allowed)
func (s Stage) IsTerminal() bool {
	return terminalStages[s]
}

// String returns the string representation of the stage
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a valid lifecycle stage
func (s Stage) IsValid() bool {
	return validStages[s]
}
