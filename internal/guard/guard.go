// Package guard is the single fail-closed choke point between a capability
// decision and any state change in the target process. Every mutation path
// in the engine must pass through CanExecute; centralizing the gate in one
// pure function keeps it provably un-bypassable and exhaustively testable
// offline.
package guard

import (
	"fmt"

	"github.com/frostline-dev/sigil/api/schemas"
)

// CanExecute decides whether an operation may proceed given its capability
// resolution and whether it mutates the target. It has no side effects and
// no hidden state.
//
// The policy is deliberately blunt:
//   - Unavailable denies everything, reads included.
//   - Degraded allows reads and denies mutations.
//   - Available allows unconditionally.
//
// Any state value outside the known three is treated as Unavailable; an
// unrecognized state is exactly the kind of uncertainty fail-closed exists
// for.
func CanExecute(capability schemas.CapabilityResolutionResult, isMutation bool) schemas.SdkExecutionDecision {
	switch capability.State {
	case schemas.CapabilityAvailable:
		return schemas.SdkExecutionDecision{
			Allowed: true,
			Reason:  schemas.ReasonExecutionAllowed,
		}

	case schemas.CapabilityDegraded:
		if isMutation {
			return schemas.SdkExecutionDecision{
				Allowed: false,
				Reason:  schemas.ReasonMutationBlockedDegraded,
				Message: fmt.Sprintf("operation %q is degraded; mutations are blocked until required anchors resolve", capability.OperationID),
			}
		}
		return schemas.SdkExecutionDecision{
			Allowed: true,
			Reason:  schemas.ReasonReadAllowedDegraded,
		}

	default:
		return schemas.SdkExecutionDecision{
			Allowed: false,
			Reason:  schemas.ReasonCapabilityUnavailable,
			Message: fmt.Sprintf("operation %q is unavailable: %s", capability.OperationID, capability.Reason),
		}
	}
}
