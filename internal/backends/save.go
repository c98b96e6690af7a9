package backends

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// SaveEditor is the out-of-scope save/patch-pack subsystem, seen from here
// as a single apply call. Its codec and diff/apply pipeline live elsewhere.
type SaveEditor interface {
	// Apply performs the save-file edit for a feature and reports whether
	// it was committed.
	Apply(ctx context.Context, featureID string, payload schemas.ActionPayload) error
	// Supports reports whether the editor knows the feature at all.
	Supports(featureID string) bool
}

// SaveBackend routes save-kind actions into the save editor. It touches no
// process memory; a save edit lands when the game next loads the file.
type SaveBackend struct {
	logger *zap.Logger
	editor SaveEditor
}

// NewSaveBackend creates a SaveBackend over the given editor.
func NewSaveBackend(logger *zap.Logger, editor SaveEditor) (*SaveBackend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if editor == nil {
		return nil, errors.New("save editor cannot be nil")
	}
	return &SaveBackend{
		logger: logger.Named("backend.save"),
		editor: editor,
	}, nil
}

// Probe reports verified for features the editor supports: a save edit is
// deterministic file surgery, not a live-memory gamble.
func (s *SaveBackend) Probe(_ context.Context, _ schemas.AttachSession, feature string) schemas.BackendCapability {
	cap := schemas.BackendCapability{
		FeatureID: feature,
		Backend:   schemas.BackendSave,
	}
	if !s.editor.Supports(feature) {
		cap.State = schemas.ProbeUnavailable
		cap.Reason = schemas.ReasonBackendUnavailable
		return cap
	}
	cap.State = schemas.ProbeVerified
	cap.Confidence = 0.9
	cap.Reason = schemas.ReasonBackendSelected
	return cap
}

// Execute applies the save edit.
func (s *SaveBackend) Execute(ctx context.Context, req Request) (Result, error) {
	if err := s.editor.Apply(ctx, req.Action.Feature, req.Payload); err != nil {
		return Result{}, fmt.Errorf("save edit for feature %q: %w", req.Action.Feature, err)
	}
	s.logger.Info("Save edit applied", zap.String("feature", req.Action.Feature))
	return Result{Succeeded: true, Reason: schemas.ReasonExecutionOK}, nil
}
