package backends

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// HelperBackend runs "helper" actions: scripted in-engine routines reached
// through the same mutation-service wire as the bridge, but executed by the
// service's script host rather than an installed hook. It shares the
// bridge's transport and hook mirror instead of keeping a second connection
// discipline.
type HelperBackend struct {
	logger *zap.Logger
	bridge *BridgeBackend
}

// NewHelperBackend creates a HelperBackend piggybacking on the bridge
// client.
func NewHelperBackend(logger *zap.Logger, bridge *BridgeBackend) (*HelperBackend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if bridge == nil {
		return nil, errors.New("bridge backend cannot be nil")
	}
	return &HelperBackend{
		logger: logger.Named("backend.helper"),
		bridge: bridge,
	}, nil
}

// Probe reports the script host's view of the feature. Helper routines are
// never better than experimental: they run game script, and game script can
// be mutated by mods in ways no probe can verify.
func (h *HelperBackend) Probe(ctx context.Context, session schemas.AttachSession, feature string) schemas.BackendCapability {
	cap := h.bridge.Probe(ctx, session, feature)
	cap.Backend = schemas.BackendHelper
	if cap.State == schemas.ProbeVerified {
		cap.State = schemas.ProbeExperimental
		cap.Confidence = 0.6
	}
	return cap
}

// Execute sends the helper invocation over the wire.
func (h *HelperBackend) Execute(ctx context.Context, req Request) (Result, error) {
	return h.bridge.execute(ctx, "helper", req)
}
