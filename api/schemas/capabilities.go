package schemas

// -- Capability model --
//
// A capability anchor is the atomic unit of "this operation needs this byte
// location to be known". Operations declare required and optional anchor
// sets; the capability map persists those declarations per binary
// fingerprint, and the resolver turns them into a tri-state decision.

// AnchorKind classifies what an anchor points at.
type AnchorKind string

const (
	AnchorData  AnchorKind = "data"
	AnchorCode  AnchorKind = "code"
	AnchorPatch AnchorKind = "patch"
)

// CapabilityAnchor is a named, fingerprint-scoped requirement: a byte
// location an operation depends on.
type CapabilityAnchor struct {
	ID       string     `json:"id"`
	Kind     AnchorKind `json:"kind"`
	Pattern  string     `json:"pattern,omitempty"`
	Required bool       `json:"required"`
}

// CapabilityOperationMap lists, for one operation id, which anchors must and
// which may be resolvable.
type CapabilityOperationMap struct {
	OperationID     string   `json:"operation_id"`
	RequiredAnchors []string `json:"required_anchors"`
	OptionalAnchors []string `json:"optional_anchors,omitempty"`
}

// CapabilityMap is the persisted, fingerprint-keyed table of operation
// requirements plus a default-profile hint. Schema-versioned so old
// documents can be rejected instead of misread.
type CapabilityMap struct {
	SchemaVersion  int                               `json:"schema_version"`
	FingerprintID  string                            `json:"fingerprint_id"`
	DefaultProfile string                            `json:"default_profile,omitempty"`
	Operations     map[string]CapabilityOperationMap `json:"operations"`
	Anchors        map[string]CapabilityAnchor       `json:"anchors,omitempty"`
}

// CapabilityState is the tri-state outcome of capability resolution.
type CapabilityState string

const (
	CapabilityAvailable   CapabilityState = "available"
	CapabilityDegraded    CapabilityState = "degraded"
	CapabilityUnavailable CapabilityState = "unavailable"
)

// CapabilityResolutionResult is the full decision for one (profile,
// operation) pair against one fingerprint.
//
// Invariant: State == CapabilityAvailable implies MissingAnchors is empty.
type CapabilityResolutionResult struct {
	ProfileID      string          `json:"profile_id"`
	OperationID    string          `json:"operation_id"`
	State          CapabilityState `json:"state"`
	Reason         ReasonCode      `json:"reason"`
	Confidence     float64         `json:"confidence"`
	MatchedAnchors []string        `json:"matched_anchors,omitempty"`
	MissingAnchors []string        `json:"missing_anchors,omitempty"`
}

// SdkExecutionDecision is the pure output of the execution guard: no side
// effects, no hidden state, just the verdict and why.
type SdkExecutionDecision struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reason"`
	Message string     `json:"message,omitempty"`
}

// -- Backend capability probing --

// BackendKind identifies one of the closed set of mutation strategies. The
// set is small and safety-critical; exhaustiveness over it must stay
// statically checkable, so it is deliberately not an open registry.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendBridge BackendKind = "bridge"
	BackendHelper BackendKind = "helper"
	BackendSave   BackendKind = "save"
)

// ProbeState is the opaque three-state summary of what a backend reported
// for a feature. The bridge backend's hook install/fail/rollback internals
// live behind its wire protocol; this is all of it we model.
type ProbeState string

const (
	ProbeVerified     ProbeState = "verified"
	ProbeExperimental ProbeState = "experimental"
	ProbeUnavailable  ProbeState = "unavailable"
)

// BackendCapability is one feature's availability as probed on one backend.
type BackendCapability struct {
	FeatureID  string      `json:"feature_id"`
	Backend    BackendKind `json:"backend"`
	State      ProbeState  `json:"state"`
	Confidence float64     `json:"confidence"`
	Reason     ReasonCode  `json:"reason"`
}

// CapabilityReport collects per-feature backend capabilities for one attach
// session. A re-attach invalidates the report along with everything else.
type CapabilityReport struct {
	SessionID    string                         `json:"session_id"`
	Capabilities map[string][]BackendCapability `json:"capabilities"`
}

// For returns the probed capability of feature on backend, if any.
func (r CapabilityReport) For(featureID string, backend BackendKind) (BackendCapability, bool) {
	for _, c := range r.Capabilities[featureID] {
		if c.Backend == backend {
			return c, true
		}
	}
	return BackendCapability{}, false
}

// BackendRouteDecision is the router's verdict: whether the request may
// proceed at all and, if so, which backend takes it. Diagnostics carry
// enough context to reconstruct the decision from an audit record.
type BackendRouteDecision struct {
	Allowed     bool              `json:"allowed"`
	Backend     BackendKind       `json:"backend,omitempty"`
	Reason      ReasonCode        `json:"reason"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}

// -- Hook lifecycle mirror --

// HookState mirrors the external mutation service's per-hook lifecycle as
// reported over the wire. Sigil never installs hooks itself; it only records
// what the service said happened.
type HookState string

const (
	HookNotInstalled HookState = "not_installed"
	HookInstalled    HookState = "installed"
	HookFailed       HookState = "failed"
	HookRolledBack   HookState = "rolled_back"
)
