package aggregator

import (
	"fmt"
	"strings"

	"github.com/addonfed/core/model"
)

// NoProvidersError is returned when zero providers are eligible for
// the requested resource kind (SPEC_FULL.md §4.5/§7).
type NoProvidersError struct {
	Resource model.ResourceKind
}

func (e *NoProvidersError) Error() string {
	return fmt.Sprintf("aggregator: no eligible providers for resource %q", e.Resource)
}

// AllFailedError is returned when at least one provider was eligible
// but none of them succeeded.
type AllFailedError struct {
	Outcomes map[string]model.Outcome
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for id, outcome := range e.Outcomes {
		parts = append(parts, fmt.Sprintf("%s=%s", id, outcome))
	}
	return fmt.Sprintf("aggregator: all providers failed: %s", strings.Join(parts, ", "))
}
