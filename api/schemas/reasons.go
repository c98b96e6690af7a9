package schemas

// ReasonCode is a stable, machine-readable token explaining why a resolution,
// guard, or route decision came out the way it did. Using a custom type
// ensures only the predefined constants can flow where a ReasonCode is
// expected, which keeps the audit trail greppable.
type ReasonCode string

const (
	// -- Capability resolution --
	ReasonFingerprintMapMissing     ReasonCode = "FINGERPRINT_MAP_MISSING"
	ReasonOperationNotMapped        ReasonCode = "OPERATION_NOT_MAPPED"
	ReasonRequiredAnchorsMissing    ReasonCode = "REQUIRED_ANCHORS_MISSING"
	ReasonAllRequiredAnchorsPresent ReasonCode = "ALL_REQUIRED_ANCHORS_PRESENT"

	// -- Execution guard --
	ReasonExecutionAllowed        ReasonCode = "EXECUTION_ALLOWED"
	ReasonReadAllowedDegraded     ReasonCode = "READ_ALLOWED_IN_DEGRADED_MODE"
	ReasonMutationBlockedDegraded ReasonCode = "MUTATION_BLOCKED_BY_CAPABILITY_STATE"
	ReasonCapabilityUnavailable   ReasonCode = "CAPABILITY_UNAVAILABLE"

	// -- Backend routing --
	ReasonBackendSelected           ReasonCode = "BACKEND_SELECTED"
	ReasonBackendUnavailable        ReasonCode = "CAPABILITY_BACKEND_UNAVAILABLE"
	ReasonRequiredCapabilityMissing ReasonCode = "CAPABILITY_REQUIRED_MISSING"
	ReasonHostMismatch              ReasonCode = "HOST_MISMATCH"

	// -- Runtime adapter --
	ReasonProcessNotAttached ReasonCode = "PROCESS_NOT_ATTACHED"
	ReasonSymbolUnresolved   ReasonCode = "SYMBOL_UNRESOLVED"
	ReasonSanityCheckFailed  ReasonCode = "SANITY_CHECK_FAILED"
	ReasonReadbackMismatch   ReasonCode = "READBACK_MISMATCH"
	ReasonSessionBusy        ReasonCode = "SESSION_BUSY"
	ReasonActionUnknown      ReasonCode = "ACTION_UNKNOWN"
	ReasonExecutionFailure   ReasonCode = "EXECUTION_FAILURE"
	ReasonExecutionOK        ReasonCode = "EXECUTION_OK"

	// -- Bridge hook lifecycle (reported by the external mutation service) --
	ReasonHookOK           ReasonCode = "HOOK_OK"
	ReasonHookNotInstalled ReasonCode = "HOOK_NOT_INSTALLED"
	ReasonRollbackSuccess  ReasonCode = "ROLLBACK_SUCCESS"
)
