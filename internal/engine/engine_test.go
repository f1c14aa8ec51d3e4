package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/billing"
	"github.com/orbtools/orb-workflow/internal/domain/entity"
	"github.com/orbtools/orb-workflow/internal/domain/workflow"
	"github.com/orbtools/orb-workflow/internal/verify"
)

type fakeExtractor struct {
	data map[string]any
	err  error
}

func (f *fakeExtractor) Extract(ctx context.Context, documentPath string) (map[string]any, error) {
	return f.data, f.err
}

type pollResult struct {
	reply *verify.Reply
	err   error
}

type fakeVerifier struct {
	mu             sync.Mutex
	opens          int
	openMarker     int64
	polls          []pollResult
	pollMarkers    []int64
	followups      []string
	followupMarker int64
	followupErr    error
}

func (f *fakeVerifier) Open(ctx context.Context, run *entity.WorkflowRun, data map[string]any) (*entity.Conversation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return &entity.Conversation{ChatID: "chat_1", RootMessageID: fmt.Sprintf("root_%d", f.opens)}, f.openMarker, nil
}

func (f *fakeVerifier) PollReply(ctx context.Context, conv *entity.Conversation, marker int64, timeout time.Duration) (*verify.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollMarkers = append(f.pollMarkers, marker)
	if len(f.polls) == 0 {
		return nil, nil
	}
	next := f.polls[0]
	f.polls = f.polls[1:]
	return next.reply, next.err
}

func (f *fakeVerifier) SendFollowup(ctx context.Context, conv *entity.Conversation, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followupErr != nil {
		return 0, f.followupErr
	}
	f.followups = append(f.followups, text)
	f.followupMarker += 10
	return f.followupMarker, nil
}

type fakeInterpreter struct {
	fn func(reply string, data map[string]any) (verify.Outcome, map[string]any, error)
}

func (f *fakeInterpreter) Interpret(ctx context.Context, reply string, data map[string]any) (verify.Outcome, map[string]any, error) {
	return f.fn(reply, data)
}

type fakeProvisioner struct {
	outcome  *billing.ProvisionOutcome
	err      error
	received []*entity.BillingData
}

func (f *fakeProvisioner) Provision(ctx context.Context, data *entity.BillingData) (*billing.ProvisionOutcome, error) {
	f.received = append(f.received, data)
	return f.outcome, f.err
}

type memStore struct {
	mu     sync.Mutex
	stages []workflow.Stage
}

func (s *memStore) Create(ctx context.Context, run *entity.WorkflowRun) error {
	return nil
}

func (s *memStore) Update(ctx context.Context, run *entity.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, run.Stage)
	return nil
}

type memLedger struct {
	mu     sync.Mutex
	marked map[string]int
}

func (l *memLedger) MarkHandled(ctx context.Context, item entity.WorkItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.marked == nil {
		l.marked = make(map[string]int)
	}
	l.marked[item.Key]++
	return nil
}

// approveInterpreter approves anything containing "approve" and treats the
// rest as unclear
func approveInterpreter() *fakeInterpreter {
	return &fakeInterpreter{fn: func(reply string, data map[string]any) (verify.Outcome, map[string]any, error) {
		if strings.Contains(strings.ToLower(reply), "approve") {
			return verify.OutcomeApproved, nil, nil
		}
		return verify.OutcomeUnclear, nil, nil
	}}
}

func testItem() entity.WorkItem {
	return entity.WorkItem{
		Key:          "signup_acme.txt",
		Source:       entity.SourceFile,
		DocumentPath: "/tmp/signup_acme.txt",
	}
}

func newTestEngine(t *testing.T, extractor Extractor, verifier Verifier, interpreter Interpreter, provisioner Provisioner, maxRetries int) (*Engine, *memStore, *memLedger) {
	t.Helper()
	store := &memStore{}
	handled := &memLedger{}
	eng := NewEngine(
		extractor,
		verifier,
		interpreter,
		billing.NewValidator(zap.NewNop()),
		provisioner,
		store,
		handled,
		Config{ReplyTimeout: time.Second, MaxRetries: maxRetries},
		zap.NewNop(),
	)
	return eng, store, handled
}

func TestExecute_ApprovedRunSucceeds(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name":  "Acme",
		"customer_email": "a@x.com",
		"plan_type":      "Pro Plan",
		"user_count":     float64(3),
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls:      []pollResult{{reply: &verify.Reply{Text: "approve", Marker: 150}}},
	}
	provisioner := &fakeProvisioner{outcome: &billing.ProvisionOutcome{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	}}

	eng, store, handled := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageSucceeded, run.Stage)
	assert.Equal(t, "cus_1", run.CustomerID)
	assert.Equal(t, "sub_1", run.SubscriptionID)
	assert.Nil(t, run.Failure)

	// Approved data reaches validation verbatim
	require.Len(t, provisioner.received, 1)
	assert.Equal(t, "Acme", provisioner.received[0].CustomerName)
	assert.Equal(t, "a@x.com", provisioner.received[0].CustomerEmail)
	assert.Equal(t, "plan_pro_monthly", provisioner.received[0].PlanID)
	assert.Equal(t, 3, provisioner.received[0].SeatCount)

	// Stage sequence: every intermediate stage visited in order, no loop
	assert.Equal(t, []workflow.Stage{
		workflow.StageExtracting,
		workflow.StageAwaitingVerification,
		workflow.StageValidating,
		workflow.StageProvisioning,
		workflow.StageSucceeded,
	}, dedup(store.stages))

	assert.Equal(t, 1, handled.marked[testItem().Key])
}

func TestExecute_ExtractionErrorFails(t *testing.T) {
	extractor := &fakeExtractor{err: errors.New("unreadable document")}
	verifier := &fakeVerifier{}
	provisioner := &fakeProvisioner{}

	eng, _, handled := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageFailed, run.Stage)
	require.NotNil(t, run.Failure)
	assert.Equal(t, entity.FailureExtractionError, run.Failure.Reason)
	assert.Equal(t, 0, verifier.opens)
	assert.Empty(t, provisioner.received)
	assert.Equal(t, 1, handled.marked[testItem().Key])
}

func TestExecute_ValidationFailureLoopsBack(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name": "Acme",
		"plan_type":     "basic",
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls: []pollResult{
			{reply: &verify.Reply{Text: "approve", Marker: 150}},
			{reply: &verify.Reply{Text: "email is a@x.com", Marker: 250}},
		},
	}
	interpreter := &fakeInterpreter{fn: func(reply string, data map[string]any) (verify.Outcome, map[string]any, error) {
		if strings.Contains(reply, "approve") {
			return verify.OutcomeApproved, nil, nil
		}
		updated := map[string]any{}
		for k, v := range data {
			updated[k] = v
		}
		updated["customer_email"] = "a@x.com"
		return verify.OutcomeChanges, updated, nil
	}}
	provisioner := &fakeProvisioner{outcome: &billing.ProvisionOutcome{
		CustomerID:     "cus_2",
		SubscriptionID: "sub_2",
	}}

	eng, _, handled := newTestEngine(t, extractor, verifier, interpreter, provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageSucceeded, run.Stage)
	assert.Equal(t, 1, run.ChangeCycles)

	// Revision explains what was missing, in the same conversation
	require.NotEmpty(t, verifier.followups)
	assert.Contains(t, verifier.followups[0], "missing required fields: customer email")
	assert.Equal(t, 1, verifier.opens, "revision rounds must reuse the conversation")

	// Corrected data reaches provisioning
	require.Len(t, provisioner.received, 1)
	assert.Equal(t, "a@x.com", provisioner.received[0].CustomerEmail)

	assert.Equal(t, 1, handled.marked[testItem().Key])
}

func TestExecute_VerificationTimeoutFails(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name":  "Acme",
		"customer_email": "a@x.com",
		"plan_type":      "basic",
	}}
	verifier := &fakeVerifier{openMarker: 100} // no replies configured
	provisioner := &fakeProvisioner{}

	eng, _, handled := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageFailed, run.Stage)
	require.NotNil(t, run.Failure)
	assert.Equal(t, entity.FailureVerificationTimeout, run.Failure.Reason)
	assert.Empty(t, provisioner.received, "no provisioning call after timeout")
	assert.Equal(t, 1, handled.marked[testItem().Key])
}

func TestExecute_TransportErrorIsNotTimeout(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name":  "Acme",
		"customer_email": "a@x.com",
		"plan_type":      "basic",
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls:      []pollResult{{err: errors.New("token fetch failed")}},
	}
	provisioner := &fakeProvisioner{}

	eng, _, _ := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	require.NotNil(t, run.Failure)
	assert.Equal(t, entity.FailureVerificationError, run.Failure.Reason)
}

func TestExecute_ChangeRequestRevalidates(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name":  "Acme",
		"customer_email": "a@x.com",
		"plan_type":      "basic",
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls:      []pollResult{{reply: &verify.Reply{Text: "change plan to enterprise", Marker: 150}}},
	}
	interpreter := &fakeInterpreter{fn: func(reply string, data map[string]any) (verify.Outcome, map[string]any, error) {
		updated := map[string]any{}
		for k, v := range data {
			updated[k] = v
		}
		updated["plan_type"] = "enterprise"
		return verify.OutcomeChanges, updated, nil
	}}
	provisioner := &fakeProvisioner{outcome: &billing.ProvisionOutcome{
		CustomerID:     "cus_3",
		SubscriptionID: "sub_3",
	}}

	eng, _, _ := newTestEngine(t, extractor, verifier, interpreter, provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageSucceeded, run.Stage)
	require.Len(t, provisioner.received, 1)
	assert.Equal(t, "plan_enterprise_yearly", provisioner.received[0].PlanID)
}

func TestExecute_SubscriptionFailureRecordsCustomer(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name":  "Acme",
		"customer_email": "a@x.com",
		"plan_type":      "basic",
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls:      []pollResult{{reply: &verify.Reply{Text: "approve", Marker: 150}}},
	}
	provisioner := &fakeProvisioner{
		outcome: &billing.ProvisionOutcome{CustomerID: "cus_orphan"},
		err:     errors.New("subscription quota exceeded"),
	}

	eng, _, handled := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageFailed, run.Stage)
	require.NotNil(t, run.Failure)
	assert.Equal(t, entity.FailureProvisioningError, run.Failure.Reason)
	assert.Equal(t, "cus_orphan", run.CustomerID, "orphaned customer id recorded in failure context")
	assert.Empty(t, run.SubscriptionID)
	assert.Equal(t, 1, handled.marked[testItem().Key])
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	// Email never provided, so validation keeps failing
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name": "Acme",
		"plan_type":     "basic",
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls: []pollResult{
			{reply: &verify.Reply{Text: "approve", Marker: 150}},
			{reply: &verify.Reply{Text: "approve", Marker: 250}},
			{reply: &verify.Reply{Text: "approve", Marker: 350}},
		},
	}
	provisioner := &fakeProvisioner{}

	eng, _, handled := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 1)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, workflow.StageFailed, run.Stage)
	require.NotNil(t, run.Failure)
	assert.Equal(t, entity.FailureValidationErrorExhausted, run.Failure.Reason)
	assert.Empty(t, provisioner.received)
	assert.Equal(t, 1, handled.marked[testItem().Key], "exactly one ledger update per run")
}

func TestExecute_MarkerAdvancesPastOwnFollowups(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name":  "Acme",
		"customer_email": "a@x.com",
		"plan_type":      "basic",
	}}
	verifier := &fakeVerifier{
		openMarker: 100,
		polls: []pollResult{
			{reply: &verify.Reply{Text: "hmm not sure", Marker: 150}},
			{reply: &verify.Reply{Text: "approve", Marker: 250}},
		},
	}
	provisioner := &fakeProvisioner{outcome: &billing.ProvisionOutcome{
		CustomerID:     "cus_4",
		SubscriptionID: "sub_4",
	}}

	eng, _, _ := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)
	assert.Equal(t, workflow.StageSucceeded, run.Stage)

	// First poll starts at the open marker; after the clarification
	// follow-up, the next poll starts at the follow-up's own marker so the
	// bot never re-reads its own message.
	require.Len(t, verifier.pollMarkers, 2)
	assert.Equal(t, int64(100), verifier.pollMarkers[0])
	assert.Equal(t, verifier.followupMarker, verifier.pollMarkers[1])
	assert.Equal(t, 0, run.ChangeCycles, "clarifications do not consume the revision budget")
}

func TestExecute_RevisionSendFailureIsInternalError(t *testing.T) {
	extractor := &fakeExtractor{data: map[string]any{
		"customer_name": "Acme",
		"plan_type":     "basic",
	}}
	verifier := &fakeVerifier{
		openMarker:  100,
		polls:       []pollResult{{reply: &verify.Reply{Text: "approve", Marker: 150}}},
		followupErr: errors.New("thread gone"),
	}
	provisioner := &fakeProvisioner{}

	eng, _, _ := newTestEngine(t, extractor, verifier, approveInterpreter(), provisioner, 5)

	run, err := eng.Execute(context.Background(), testItem())
	require.NoError(t, err)

	require.NotNil(t, run.Failure)
	assert.Equal(t, entity.FailureInternalError, run.Failure.Reason)
}

// dedup collapses consecutive duplicate stages from persistence snapshots
func dedup(stages []workflow.Stage) []workflow.Stage {
	var out []workflow.Stage
	for _, s := range stages {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}
