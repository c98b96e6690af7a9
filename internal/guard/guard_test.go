package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/frostline-dev/sigil/api/schemas"
)

// The guard is a pure function over (state, isMutation); the whole decision
// table fits in one test.
func TestCanExecuteTable(t *testing.T) {
	tests := []struct {
		name        string
		state       schemas.CapabilityState
		isMutation  bool
		wantAllowed bool
		wantReason  schemas.ReasonCode
	}{
		{"available read", schemas.CapabilityAvailable, false, true, schemas.ReasonExecutionAllowed},
		{"available mutation", schemas.CapabilityAvailable, true, true, schemas.ReasonExecutionAllowed},
		{"degraded read", schemas.CapabilityDegraded, false, true, schemas.ReasonReadAllowedDegraded},
		{"degraded mutation", schemas.CapabilityDegraded, true, false, schemas.ReasonMutationBlockedDegraded},
		{"unavailable read", schemas.CapabilityUnavailable, false, false, schemas.ReasonCapabilityUnavailable},
		{"unavailable mutation", schemas.CapabilityUnavailable, true, false, schemas.ReasonCapabilityUnavailable},
		{"unknown state read", schemas.CapabilityState("bogus"), false, false, schemas.ReasonCapabilityUnavailable},
		{"unknown state mutation", schemas.CapabilityState("bogus"), true, false, schemas.ReasonCapabilityUnavailable},
		{"zero value state", schemas.CapabilityState(""), true, false, schemas.ReasonCapabilityUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := CanExecute(schemas.CapabilityResolutionResult{
				OperationID: "set_credits",
				State:       tc.state,
			}, tc.isMutation)

			assert.Equal(t, tc.wantAllowed, decision.Allowed)
			assert.Equal(t, tc.wantReason, decision.Reason)
			if !decision.Allowed {
				assert.NotEmpty(t, decision.Message)
			}
		})
	}
}
