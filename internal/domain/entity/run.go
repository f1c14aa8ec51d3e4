package entity

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/orbtools/orb-workflow/internal/domain/workflow"
)

// FailureReason tags a failed run with the category of its failure
type FailureReason string

const (
	FailureExtractionError          FailureReason = "extraction-error"
	FailureVerificationTimeout      FailureReason = "verification-timeout"
	FailureVerificationError        FailureReason = "verification-error"
	FailureValidationErrorExhausted FailureReason = "validation-error-exhausted"
	FailureProvisioningError        FailureReason = "provisioning-error"
	FailureInternalError            FailureReason = "internal-error"
)

// Conversation is the handle to a verification thread in the chat transport.
// It is opened once per run and reused for every follow-up and poll.
type Conversation struct {
	ChatID        string `json:"chat_id"`
	RootMessageID string `json:"root_message_id"`
}

// Failure describes why a run ended in the failed stage
type Failure struct {
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
}

// WorkflowRun is the full state of one item's journey through the pipeline
type WorkflowRun struct {
	RunID          string         `json:"run_id"`
	Item           WorkItem       `json:"item"`
	Stage          workflow.Stage `json:"stage"`
	ExtractedData  map[string]any `json:"extracted_data,omitempty"`
	VerifiedData   map[string]any `json:"verified_data,omitempty"`
	Conversation   *Conversation  `json:"conversation,omitempty"`
	LastMarker     int64          `json:"last_marker"`
	ChangeCycles   int            `json:"change_cycles"`
	Failure        *Failure       `json:"failure,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewRun creates a run for an item, starting in the extraction stage
func NewRun(item WorkItem) *WorkflowRun {
	base := strings.TrimSuffix(filepath.Base(item.DocumentPath), filepath.Ext(item.DocumentPath))
	now := time.Now()
	return &WorkflowRun{
		RunID:     fmt.Sprintf("%s_%s_%d", item.Source, base, now.Unix()),
		Item:      item,
		Stage:     workflow.StageExtracting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BillingData is the validated, provision-ready form of a run's fields
type BillingData struct {
	CustomerName  string   `json:"customer_name"`
	CustomerEmail string   `json:"customer_email"`
	PlanID        string   `json:"plan_id"`
	SeatCount     int      `json:"seat_count"`
	Addons        []string `json:"addons,omitempty"`
}
