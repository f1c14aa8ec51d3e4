package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

const billingToolkit = "OrbToolkit"

// ToolInvoker executes named tools on the remote worker
type ToolInvoker interface {
	Invoke(ctx context.Context, toolkit, tool string, inputs map[string]any) (map[string]any, error)
}

// ProvisionOutcome carries the ids created during provisioning. CustomerID is
// set even when the subscription call fails, so the failure context records
// the orphaned customer.
type ProvisionOutcome struct {
	CustomerID     string
	SubscriptionID string
}

// Provisioner creates the customer and subscription through the tool worker
type Provisioner struct {
	invoker ToolInvoker
	logger  *zap.Logger
}

// NewProvisioner creates a billing provisioner
func NewProvisioner(invoker ToolInvoker, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		invoker: invoker,
		logger:  logger,
	}
}

// Provision creates the customer first, then the subscription against it.
// The partial outcome is returned alongside the error.
func (p *Provisioner) Provision(ctx context.Context, data *entity.BillingData) (*ProvisionOutcome, error) {
	outcome := &ProvisionOutcome{}

	customerOut, err := p.invoker.Invoke(ctx, billingToolkit, "CreateCustomer", map[string]any{
		"name":  data.CustomerName,
		"email": data.CustomerEmail,
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to create customer: %w", err)
	}

	customerID, err := extractID(customerOut, "customer_id")
	if err != nil {
		return outcome, fmt.Errorf("create customer: %w", err)
	}
	outcome.CustomerID = customerID

	p.logger.Info("Customer created",
		zap.String("customer_id", customerID),
		zap.String("customer", data.CustomerName))

	subscriptionOut, err := p.invoker.Invoke(ctx, billingToolkit, "CreateSubscription", map[string]any{
		"customer_id": customerID,
		"plan_id":     data.PlanID,
		"seat_count":  data.SeatCount,
		"addons":      data.Addons,
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to create subscription for customer %s: %w", customerID, err)
	}

	subscriptionID, err := extractID(subscriptionOut, "subscription_id")
	if err != nil {
		return outcome, fmt.Errorf("create subscription: %w", err)
	}
	outcome.SubscriptionID = subscriptionID

	p.logger.Info("Subscription created",
		zap.String("customer_id", customerID),
		zap.String("subscription_id", subscriptionID),
		zap.String("plan_id", data.PlanID))

	return outcome, nil
}

// extractID pulls a non-empty string id out of a tool output value
func extractID(output map[string]any, key string) (string, error) {
	value, ok := output[key]
	if !ok {
		// Some tools nest the payload one level down
		if inner, ok := output["value"].(map[string]any); ok {
			value = inner[key]
		}
	}
	id, ok := value.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("tool output missing %s", key)
	}
	return id, nil
}
