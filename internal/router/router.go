// Package router picks which mutation strategy serves a request, or refuses
// to pick one. It consumes the profile's declared preferences, the attached
// process's detected host role, the per-backend capability report, and the
// capability resolutions for the profile's required capabilities. Like the
// guard, it decides and explains; it never touches the target itself.
package router

import (
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// Input is everything one routing decision needs.
type Input struct {
	Action       schemas.ActionSpec
	Profile      schemas.TrainerProfile
	Process      schemas.ProcessMetadata
	Report       schemas.CapabilityReport
	Capabilities map[string]schemas.CapabilityResolutionResult
}

// Router makes backend route decisions.
type Router struct {
	logger *zap.Logger
}

// New creates a Router.
func New(logger *zap.Logger) (*Router, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Router{logger: logger.Named("router")}, nil
}

// Route decides whether the request may proceed and which backend takes it.
// Denials are ordered from cheapest to most specific: required capabilities
// first, host role second, backend fitness last.
func (r *Router) Route(in Input) schemas.BackendRouteDecision {
	diags := map[string]string{
		"feature":   in.Action.Feature,
		"action":    in.Action.ID,
		"host_role": string(in.Process.HostRole),
	}

	// A profile-declared required capability that did not resolve Available
	// vetoes every backend; no strategy can conjure a missing anchor.
	for _, required := range in.Profile.RequiredCapabilities {
		res, ok := in.Capabilities[required]
		if !ok || res.State != schemas.CapabilityAvailable {
			diags["missing_capability"] = required
			r.logger.Warn("Route denied: required capability not available",
				zap.String("action", in.Action.ID),
				zap.String("capability", required))
			return schemas.BackendRouteDecision{
				Allowed:     false,
				Reason:      schemas.ReasonRequiredCapabilityMissing,
				Diagnostics: diags,
			}
		}
	}

	// Save actions never need the live process; they bypass the host check
	// and route to the save backend unconditionally.
	if in.Action.Kind == schemas.ExecSave {
		return r.allow(schemas.BackendSave, in, diags)
	}

	if in.Profile.HostPreference == schemas.HostGameHostOnly && in.Process.HostRole != schemas.HostRoleGameHost {
		r.logger.Warn("Route denied: attached to wrong host",
			zap.String("action", in.Action.ID),
			zap.String("host_role", string(in.Process.HostRole)))
		return schemas.BackendRouteDecision{
			Allowed:     false,
			Reason:      schemas.ReasonHostMismatch,
			Diagnostics: diags,
		}
	}

	if in.Profile.BackendPreference != "" && in.Profile.BackendPreference != schemas.PreferAuto {
		return r.routePinned(in, diags)
	}
	return r.routeAuto(in, diags)
}

// routePinned honors an explicit backend preference, provided that
// backend's probe reported the feature usable.
func (r *Router) routePinned(in Input, diags map[string]string) schemas.BackendRouteDecision {
	kind, ok := preferredKind(in.Profile.BackendPreference)
	if !ok {
		diags["preference"] = string(in.Profile.BackendPreference)
		return schemas.BackendRouteDecision{
			Allowed:     false,
			Reason:      schemas.ReasonBackendUnavailable,
			Diagnostics: diags,
		}
	}

	if cap, ok := in.Report.For(in.Action.Feature, kind); ok && cap.State != schemas.ProbeUnavailable {
		return r.allow(kind, in, diags)
	}
	diags["pinned_backend"] = string(kind)
	return schemas.BackendRouteDecision{
		Allowed:     false,
		Reason:      schemas.ReasonBackendUnavailable,
		Diagnostics: diags,
	}
}

// routeAuto is the fallback ladder: the external mutation service when it
// verified the feature, direct memory for plain write/patch actions, the
// script host for helper actions.
func (r *Router) routeAuto(in Input, diags map[string]string) schemas.BackendRouteDecision {
	if cap, ok := in.Report.For(in.Action.Feature, schemas.BackendBridge); ok && cap.State == schemas.ProbeVerified {
		return r.allow(schemas.BackendBridge, in, diags)
	}

	switch in.Action.Kind {
	case schemas.ExecDirectWrite, schemas.ExecCodePatch:
		if cap, ok := in.Report.For(in.Action.Feature, schemas.BackendMemory); ok && cap.State != schemas.ProbeUnavailable {
			return r.allow(schemas.BackendMemory, in, diags)
		}
	case schemas.ExecHelper:
		if cap, ok := in.Report.For(in.Action.Feature, schemas.BackendHelper); ok && cap.State != schemas.ProbeUnavailable {
			return r.allow(schemas.BackendHelper, in, diags)
		}
	}

	r.logger.Warn("Route denied: no backend can serve the request",
		zap.String("action", in.Action.ID),
		zap.String("feature", in.Action.Feature),
		zap.String("kind", string(in.Action.Kind)))
	return schemas.BackendRouteDecision{
		Allowed:     false,
		Reason:      schemas.ReasonBackendUnavailable,
		Diagnostics: diags,
	}
}

func (r *Router) allow(kind schemas.BackendKind, in Input, diags map[string]string) schemas.BackendRouteDecision {
	diags["backend"] = string(kind)
	if cap, ok := in.Report.For(in.Action.Feature, kind); ok {
		diags["probe_state"] = string(cap.State)
		diags["confidence"] = strconv.FormatFloat(cap.Confidence, 'f', 2, 64)
	}
	r.logger.Debug("Route allowed",
		zap.String("action", in.Action.ID),
		zap.String("backend", string(kind)))
	return schemas.BackendRouteDecision{
		Allowed:     true,
		Backend:     kind,
		Reason:      schemas.ReasonBackendSelected,
		Diagnostics: diags,
	}
}

// preferredKind maps a profile preference onto a backend kind.
func preferredKind(pref schemas.BackendPreference) (schemas.BackendKind, bool) {
	switch pref {
	case schemas.PreferMemory:
		return schemas.BackendMemory, true
	case schemas.PreferBridge:
		return schemas.BackendBridge, true
	case schemas.PreferHelper:
		return schemas.BackendHelper, true
	case schemas.PreferSave:
		return schemas.BackendSave, true
	default:
		return "", false
	}
}
