package bond

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateMetrics rejects metrics outside their documented ranges.
func ValidateMetrics(m Metrics) error {
	return structError(validate.Struct(m))
}

// ValidatePatch rejects a partial update carrying out-of-range fields.
func ValidatePatch(p MetricsPatch) error {
	if p.Empty() {
		return NewValidationError("metrics", "no fields to update")
	}
	return structError(validate.Struct(p))
}

// ValidateIdentity rejects empty user or agent ids.
func ValidateIdentity(userID, agentID string) error {
	if strings.TrimSpace(userID) == "" {
		return NewValidationError("user_id", "required")
	}
	if strings.TrimSpace(agentID) == "" {
		return NewValidationError("agent_id", "required")
	}
	return nil
}

// ValidateTier rejects unknown tiers.
func ValidateTier(t Tier) error {
	if !t.Valid() {
		return NewValidationError("tier", fmt.Sprintf("unknown tier %d", int(t)))
	}
	return nil
}

// structError converts the first validator failure into a ValidationError.
func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewValidationError(toSnake(fe.Field()), fmt.Sprintf("failed %q (value %v)", fe.ActualTag(), fe.Value()))
	}
	return NewValidationError("metrics", err.Error())
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
