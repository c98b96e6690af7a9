// Package backends implements the closed set of mutation strategies the
// router can choose from: direct process memory, the external mutation
// service (bridge), the scripted-hook helper path, and the save-file editor.
//
// The set is deliberately not an open plugin registry. It is small and
// safety-critical, and dispatch over it happens by explicit switch on
// schemas.BackendKind so exhaustiveness stays statically checkable.
package backends

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// Request is the one envelope every backend understands: the session, the
// action being executed, its scalar payload, the resolved target symbol (for
// memory strategies), and the resolved anchor map (for bridge strategies).
type Request struct {
	Session schemas.AttachSession
	Action  schemas.ActionSpec
	Payload schemas.ActionPayload
	Symbol  schemas.SymbolInfo
	Anchors map[string]schemas.Address
}

// Result is what a backend reports back. Domain failures arrive as a reason
// code with Succeeded=false; the error return on Execute is reserved for
// transport/OS failures the adapter converts at its boundary.
type Result struct {
	Succeeded   bool
	Reason      schemas.ReasonCode
	Message     string
	HookState   schemas.HookState
	Diagnostics map[string]string
}

// Set holds the four fixed backend implementations. A nil member means the
// strategy is not configured for this deployment; the router treats it as
// unavailable.
type Set struct {
	Memory *MemoryBackend
	Bridge *BridgeBackend
	Helper *HelperBackend
	Save   *SaveBackend
}

// Execute dispatches the request to the backend of the given kind. The
// switch is exhaustive over schemas.BackendKind.
func (s *Set) Execute(ctx context.Context, kind schemas.BackendKind, req Request) (Result, error) {
	switch kind {
	case schemas.BackendMemory:
		if s.Memory == nil {
			return Result{}, errors.New("memory backend not configured")
		}
		return s.Memory.Execute(ctx, req)
	case schemas.BackendBridge:
		if s.Bridge == nil {
			return Result{}, errors.New("bridge backend not configured")
		}
		return s.Bridge.Execute(ctx, req)
	case schemas.BackendHelper:
		if s.Helper == nil {
			return Result{}, errors.New("helper backend not configured")
		}
		return s.Helper.Execute(ctx, req)
	case schemas.BackendSave:
		if s.Save == nil {
			return Result{}, errors.New("save backend not configured")
		}
		return s.Save.Execute(ctx, req)
	default:
		return Result{}, errors.New("unknown backend kind: " + string(kind))
	}
}

// BuildReport probes every configured backend for every feature and collects
// the results into the session's capability report. Probe failures degrade
// to ProbeUnavailable entries; a backend that cannot even answer a probe is
// by definition not a backend we route mutations to.
func (s *Set) BuildReport(ctx context.Context, logger *zap.Logger, session schemas.AttachSession, features []string) schemas.CapabilityReport {
	report := schemas.CapabilityReport{
		SessionID:    session.ID,
		Capabilities: make(map[string][]schemas.BackendCapability, len(features)),
	}

	for _, feature := range features {
		var caps []schemas.BackendCapability
		if s.Memory != nil {
			caps = append(caps, s.Memory.Probe(ctx, session, feature))
		}
		if s.Bridge != nil {
			caps = append(caps, s.Bridge.Probe(ctx, session, feature))
		}
		if s.Helper != nil {
			caps = append(caps, s.Helper.Probe(ctx, session, feature))
		}
		if s.Save != nil {
			caps = append(caps, s.Save.Probe(ctx, session, feature))
		}
		report.Capabilities[feature] = caps

		for _, c := range caps {
			logger.Debug("Backend probe",
				zap.String("feature", feature),
				zap.String("backend", string(c.Backend)),
				zap.String("state", string(c.State)),
				zap.Float64("confidence", c.Confidence))
		}
	}
	return report
}
