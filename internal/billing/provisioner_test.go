package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

type scriptedInvoker struct {
	results map[string]map[string]any
	errs    map[string]error
	calls   []string
	inputs  map[string]map[string]any
}

func (s *scriptedInvoker) Invoke(ctx context.Context, toolkit, tool string, inputs map[string]any) (map[string]any, error) {
	s.calls = append(s.calls, tool)
	if s.inputs == nil {
		s.inputs = make(map[string]map[string]any)
	}
	s.inputs[tool] = inputs
	if err := s.errs[tool]; err != nil {
		return nil, err
	}
	return s.results[tool], nil
}

func billingData() *entity.BillingData {
	return &entity.BillingData{
		CustomerName:  "Acme",
		CustomerEmail: "a@x.com",
		PlanID:        "plan_pro_monthly",
		SeatCount:     3,
		Addons:        []string{"sso"},
	}
}

func TestProvisioner_CreatesCustomerThenSubscription(t *testing.T) {
	invoker := &scriptedInvoker{results: map[string]map[string]any{
		"CreateCustomer":     {"customer_id": "cus_1"},
		"CreateSubscription": {"subscription_id": "sub_1"},
	}}
	p := NewProvisioner(invoker, zap.NewNop())

	outcome, err := p.Provision(context.Background(), billingData())
	require.NoError(t, err)
	assert.Equal(t, "cus_1", outcome.CustomerID)
	assert.Equal(t, "sub_1", outcome.SubscriptionID)

	// Strict ordering: customer before subscription, id threaded through
	require.Equal(t, []string{"CreateCustomer", "CreateSubscription"}, invoker.calls)
	assert.Equal(t, "cus_1", invoker.inputs["CreateSubscription"]["customer_id"])
	assert.Equal(t, "plan_pro_monthly", invoker.inputs["CreateSubscription"]["plan_id"])
}

func TestProvisioner_CustomerFailureStopsEarly(t *testing.T) {
	invoker := &scriptedInvoker{errs: map[string]error{
		"CreateCustomer": errors.New("email taken"),
	}}
	p := NewProvisioner(invoker, zap.NewNop())

	outcome, err := p.Provision(context.Background(), billingData())
	require.Error(t, err)
	assert.Empty(t, outcome.CustomerID)
	assert.Equal(t, []string{"CreateCustomer"}, invoker.calls, "no subscription attempt without a customer")
}

func TestProvisioner_SubscriptionFailureKeepsCustomerID(t *testing.T) {
	invoker := &scriptedInvoker{
		results: map[string]map[string]any{
			"CreateCustomer": {"customer_id": "cus_orphan"},
		},
		errs: map[string]error{
			"CreateSubscription": errors.New("quota exceeded"),
		},
	}
	p := NewProvisioner(invoker, zap.NewNop())

	outcome, err := p.Provision(context.Background(), billingData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cus_orphan")
	assert.Equal(t, "cus_orphan", outcome.CustomerID)
	assert.Empty(t, outcome.SubscriptionID)
}

func TestProvisioner_MissingIDInOutput(t *testing.T) {
	invoker := &scriptedInvoker{results: map[string]map[string]any{
		"CreateCustomer": {"unexpected": "shape"},
	}}
	p := NewProvisioner(invoker, zap.NewNop())

	_, err := p.Provision(context.Background(), billingData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing customer_id")
}
