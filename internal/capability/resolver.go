// Package capability decides whether the low-level anchors an operation
// needs are actually present for the attached binary. Decisions are keyed by
// binary fingerprint: a capability map recorded for one build says nothing
// about another, and a fingerprint with no map at all yields a hard
// Unavailable rather than a guess.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// SchemaVersion is the capability-map document version this resolver
// understands. Documents with any other version are treated as missing.
const SchemaVersion = 1

// optionalDecay is the total confidence an Available result can lose to
// missing optional anchors. The decay is linear in the missing fraction:
// confidence = 1 - optionalDecay * missing/total. Linear was chosen over a
// stepped curve because it is the simplest deterministic function that is
// monotonically non-increasing in the number of missing anchors.
const optionalDecay = 0.5

// Resolver answers "can this operation run against this binary" questions.
type Resolver struct {
	logger *zap.Logger
	store  schemas.CapabilityMapStore
}

// New creates a Resolver backed by the given map store.
func New(logger *zap.Logger, store schemas.CapabilityMapStore) (*Resolver, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if store == nil {
		return nil, errors.New("capability map store cannot be nil")
	}
	return &Resolver{
		logger: logger.Named("capability"),
		store:  store,
	}, nil
}

// Resolve computes the capability decision for one (profile, operation) pair
// given the set of symbol names already resolved this session. Expected
// domain conditions (missing map, unmapped operation, missing anchors) come
// back inside the result; the error return is reserved for store failures.
func (r *Resolver) Resolve(ctx context.Context, fingerprint schemas.BinaryFingerprint, profileID, operationID string, resolvedAnchors map[string]bool) (schemas.CapabilityResolutionResult, error) {
	result := schemas.CapabilityResolutionResult{
		ProfileID:   profileID,
		OperationID: operationID,
	}

	capMap, ok, err := r.loadMap(ctx, fingerprint.ID)
	if err != nil {
		return result, fmt.Errorf("loading capability map for fingerprint %q: %w", fingerprint.ID, err)
	}
	if !ok {
		result.State = schemas.CapabilityUnavailable
		result.Reason = schemas.ReasonFingerprintMapMissing
		result.Confidence = 0
		return result, nil
	}

	op, ok := capMap.Operations[operationID]
	if !ok {
		result.State = schemas.CapabilityUnavailable
		result.Reason = schemas.ReasonOperationNotMapped
		result.Confidence = 0
		return result, nil
	}

	matched, missing := partition(op.RequiredAnchors, resolvedAnchors)
	result.MatchedAnchors = matched
	result.MissingAnchors = missing

	if len(missing) > 0 {
		result.State = schemas.CapabilityUnavailable
		result.Reason = schemas.ReasonRequiredAnchorsMissing
		// Confidence tracks how much of the requirement set is present,
		// so a one-anchor near-miss scores higher than a total blank.
		result.Confidence = float64(len(matched)) / float64(len(op.RequiredAnchors))
		r.logger.Warn("Required anchors missing",
			zap.String("operation", operationID),
			zap.Strings("missing", missing))
		return result, nil
	}

	matchedOpt, missingOpt := partition(op.OptionalAnchors, resolvedAnchors)
	result.MatchedAnchors = append(result.MatchedAnchors, matchedOpt...)
	result.State = schemas.CapabilityAvailable
	result.Reason = schemas.ReasonAllRequiredAnchorsPresent
	result.Confidence = 1.0
	if len(op.OptionalAnchors) > 0 {
		frac := float64(len(missingOpt)) / float64(len(op.OptionalAnchors))
		result.Confidence = 1.0 - optionalDecay*frac
	}
	return result, nil
}

// DefaultProfile resolves the fingerprint's default profile hint for
// auto-selection flows. ok is false when no map exists or none was hinted.
func (r *Resolver) DefaultProfile(ctx context.Context, fingerprintID string) (string, bool, error) {
	capMap, ok, err := r.loadMap(ctx, fingerprintID)
	if err != nil {
		return "", false, fmt.Errorf("loading capability map for fingerprint %q: %w", fingerprintID, err)
	}
	if !ok || capMap.DefaultProfile == "" {
		return "", false, nil
	}
	return capMap.DefaultProfile, true, nil
}

// loadMap fetches and version-checks the fingerprint's capability map. A
// wrong-version document is reported as missing; refusing to half-read an
// old schema is part of the fail-closed posture.
func (r *Resolver) loadMap(ctx context.Context, fingerprintID string) (schemas.CapabilityMap, bool, error) {
	capMap, ok, err := r.store.Load(ctx, fingerprintID)
	if err != nil || !ok {
		return schemas.CapabilityMap{}, false, err
	}
	if capMap.SchemaVersion != SchemaVersion {
		r.logger.Warn("Capability map has unsupported schema version",
			zap.String("fingerprint", fingerprintID),
			zap.Int("version", capMap.SchemaVersion))
		return schemas.CapabilityMap{}, false, nil
	}
	return capMap, true, nil
}

// partition splits anchor names into present and missing, both sorted.
func partition(anchors []string, resolved map[string]bool) (matched, missing []string) {
	for _, anchor := range anchors {
		if resolved[anchor] {
			matched = append(matched, anchor)
		} else {
			missing = append(missing, anchor)
		}
	}
	sort.Strings(matched)
	sort.Strings(missing)
	return matched, missing
}
