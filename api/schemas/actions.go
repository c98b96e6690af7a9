package schemas

// -- Actions --

// ExecutionKind determines which mutation strategy an action needs: a plain
// symbol write, a byte-level code patch, a call through the scripted-hook
// bridge, or a save-file edit.
type ExecutionKind string

const (
	ExecDirectWrite ExecutionKind = "direct_write"
	ExecCodePatch   ExecutionKind = "code_patch"
	ExecHelper      ExecutionKind = "helper"
	ExecSave        ExecutionKind = "save"
)

// RuntimeMode selects whether an execution actually mutates the target or
// stops after the gating decisions.
type RuntimeMode string

const (
	ModeLive   RuntimeMode = "live"
	ModeDryRun RuntimeMode = "dry_run"
)

// CodePatchSpec is the byte-level patch an ExecCodePatch action applies at
// the action's resolved symbol. Original bytes are captured on enable and
// restored on disable; PatchBytes uses the same hex token format as
// signature patterns, wildcards excluded.
type CodePatchSpec struct {
	PatchBytes string `json:"patch_bytes"`
}

// ActionSpec is one operator-visible action a profile declares.
type ActionSpec struct {
	ID       string         `json:"id"`
	Kind     ExecutionKind  `json:"kind"`
	Symbol   string         `json:"symbol,omitempty"`
	Patch    *CodePatchSpec `json:"patch,omitempty"`
	Feature  string         `json:"feature"`
	Readback bool           `json:"readback,omitempty"`
}

// ActionPayload is the scalar payload an execution carries. Which field is
// meaningful depends on the action's value type; Lock requests a freeze loop
// that keeps re-asserting the value.
type ActionPayload struct {
	IntValue   int32   `json:"int_value,omitempty"`
	FloatValue float32 `json:"float_value,omitempty"`
	Enable     bool    `json:"enable,omitempty"`
	Lock       bool    `json:"lock,omitempty"`
}

// ActionExecutionRequest asks the runtime adapter to perform one action.
type ActionExecutionRequest struct {
	RequestID string        `json:"request_id"`
	ActionID  string        `json:"action_id"`
	ProfileID string        `json:"profile_id"`
	Payload   ActionPayload `json:"payload"`
	Mode      RuntimeMode   `json:"mode"`
}

// ActionExecutionResult reports what happened. Expected domain failures
// (unresolved symbol, denied capability, blocked mutation) arrive here as a
// reason code, never as an error from the adapter.
type ActionExecutionResult struct {
	RequestID     string            `json:"request_id"`
	ActionID      string            `json:"action_id"`
	Succeeded     bool              `json:"succeeded"`
	Reason        ReasonCode        `json:"reason"`
	Message       string            `json:"message,omitempty"`
	Backend       BackendKind       `json:"backend,omitempty"`
	AddressSource AddressSource     `json:"address_source,omitempty"`
	Diagnostics   map[string]string `json:"diagnostics,omitempty"`
}
