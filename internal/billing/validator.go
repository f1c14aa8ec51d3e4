package billing

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

// fieldSynonyms maps each canonical field to the keys extraction and human
// edits are known to produce, in lookup order. Adding a new alias is a
// one-line change here.
var fieldSynonyms = map[string][]string{
	"name": {
		"customer_name", "customername", "company", "customer",
	},
	"email": {
		"customer_email", "customeremail", "contact_email", "contact email",
		"contactemail", "email", "email/contact",
	},
	"plan": {
		"plan_type", "subscriptionplan", "subscription plan",
		"subscription_plan_type", "subscription/plan_type", "plan", "subscription",
	},
	"seats": {
		"user_count", "numusers", "number_of_users", "number_of_seats/users",
		"seats", "users",
	},
	"addons": {
		"addons", "add_ons", "add-ons",
	},
}

// planIDs maps normalized plan names to provisionable plan identifiers
var planIDs = map[string]string{
	"basic":      "plan_basic_monthly",
	"pro":        "plan_pro_monthly",
	"enterprise": "plan_enterprise_yearly",
}

// Validator normalizes verified field maps into provision-ready billing data
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a billing data validator
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// Validate resolves synonyms, maps the plan, and checks required fields.
// The returned error message names the missing canonical fields so it can be
// sent back to the verification thread as-is.
func (v *Validator) Validate(data map[string]any) (*entity.BillingData, error) {
	name := lookupString(data, fieldSynonyms["name"])
	email := lookupString(data, fieldSynonyms["email"])
	plan := lookupString(data, fieldSynonyms["plan"])

	var missing []string
	if name == "" {
		missing = append(missing, "customer name")
	}
	if email == "" {
		missing = append(missing, "customer email")
	}

	planID := ""
	planProblem := ""
	if plan == "" {
		missing = append(missing, "plan type")
	} else {
		planID = resolvePlanID(plan)
		if planID == "" {
			planProblem = fmt.Sprintf("unknown plan type %q (expected basic, pro, or enterprise)", plan)
		}
	}

	// Report every problem at once so the human can fix them in one reply
	if len(missing) > 0 {
		msg := fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))
		if planProblem != "" {
			msg += "; " + planProblem
		}
		return nil, fmt.Errorf("%s", msg)
	}
	if planProblem != "" {
		return nil, fmt.Errorf("%s", planProblem)
	}

	seats := lookupInt(data, fieldSynonyms["seats"], 1)
	if seats < 1 {
		seats = 1
	}

	result := &entity.BillingData{
		CustomerName:  name,
		CustomerEmail: email,
		PlanID:        planID,
		SeatCount:     seats,
		Addons:        lookupStringList(data, fieldSynonyms["addons"]),
	}

	v.logger.Debug("Billing data validated",
		zap.String("customer", result.CustomerName),
		zap.String("plan_id", result.PlanID),
		zap.Int("seats", result.SeatCount))

	return result, nil
}

// resolvePlanID normalizes a human plan name to a plan identifier
func resolvePlanID(plan string) string {
	normalized := strings.ToLower(strings.TrimSpace(plan))
	normalized = strings.TrimSuffix(normalized, " plan")
	return planIDs[normalized]
}

// lookupString returns the first non-empty string value among the keys
func lookupString(data map[string]any, keys []string) string {
	for _, key := range keys {
		if value, ok := data[key]; ok {
			if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// lookupInt returns the first parseable integer value among the keys
func lookupInt(data map[string]any, keys []string, fallback int) int {
	for _, key := range keys {
		value, ok := data[key]
		if !ok {
			continue
		}
		switch n := value.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case string:
			if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return parsed
			}
		}
	}
	return fallback
}

// lookupStringList returns the first list-like value among the keys
func lookupStringList(data map[string]any, keys []string) []string {
	for _, key := range keys {
		value, ok := data[key]
		if !ok {
			continue
		}
		switch list := value.(type) {
		case []string:
			return list
		case []any:
			var out []string
			for _, item := range list {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		case string:
			if strings.TrimSpace(list) == "" {
				return nil
			}
			parts := strings.Split(list, ",")
			var out []string
			for _, part := range parts {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					out = append(out, trimmed)
				}
			}
			return out
		}
	}
	return nil
}
