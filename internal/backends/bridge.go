package backends

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dialer opens a connection to the external mutation service. The service's
// framing below is its public contract; its hook install/fail/rollback
// internals stay on the far side of the wire.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// NetDialer dials the mutation service over TCP on its configured local
// endpoint.
type NetDialer struct {
	Endpoint string
	Timeout  time.Duration
}

// Dial implements Dialer.
func (d NetDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing mutation service at %s: %w", d.Endpoint, err)
	}
	return conn, nil
}

// Wire frames: one JSON object per line in each direction, one round trip
// per connection. Connections are scoped resources; a dial failure or a
// broken frame surfaces as an error, never as a fabricated success.
type bridgeRequest struct {
	Command   string            `json:"command"` // "execute", "helper" or "probe"
	FeatureID string            `json:"featureId"`
	ProfileID string            `json:"profileId"`
	Anchors   map[string]string `json:"anchors,omitempty"` // anchor id -> hex address
	IntValue  int32             `json:"intValue,omitempty"`
	Lock      bool              `json:"lockValue,omitempty"`
}

type bridgeResponse struct {
	Succeeded   bool              `json:"succeeded"`
	ReasonCode  string            `json:"reasonCode"`
	HookState   string            `json:"hookState"`
	ProbeState  string            `json:"probeState,omitempty"`
	Message     string            `json:"message,omitempty"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}

// BridgeBackend reaches the external mutation service over its request/
// response protocol and mirrors the hook states it reports. It is the
// preferred strategy whenever the service verifies the feature, because the
// service owns safe install/rollback of its hooks.
type BridgeBackend struct {
	logger *zap.Logger
	dialer Dialer

	// hooksMu guards the mirrored per-hook lifecycle states.
	hooksMu sync.Mutex
	hooks   map[string]schemas.HookState
}

// NewBridgeBackend creates a BridgeBackend over the given dialer.
func NewBridgeBackend(logger *zap.Logger, dialer Dialer) (*BridgeBackend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if dialer == nil {
		return nil, errors.New("bridge dialer cannot be nil")
	}
	return &BridgeBackend{
		logger: logger.Named("backend.bridge"),
		dialer: dialer,
		hooks:  make(map[string]schemas.HookState),
	}, nil
}

// Probe asks the service whether it can serve the feature. An unreachable
// service is simply unavailable; the router will fall back.
func (b *BridgeBackend) Probe(ctx context.Context, session schemas.AttachSession, feature string) schemas.BackendCapability {
	cap := schemas.BackendCapability{
		FeatureID: feature,
		Backend:   schemas.BackendBridge,
	}

	resp, err := b.roundTrip(ctx, bridgeRequest{
		Command:   "probe",
		FeatureID: feature,
		ProfileID: session.ProfileID,
	})
	if err != nil {
		b.logger.Debug("Bridge probe failed", zap.String("feature", feature), zap.Error(err))
		cap.State = schemas.ProbeUnavailable
		cap.Reason = schemas.ReasonBackendUnavailable
		return cap
	}

	switch schemas.ProbeState(resp.ProbeState) {
	case schemas.ProbeVerified:
		cap.State = schemas.ProbeVerified
		cap.Confidence = 0.95
	case schemas.ProbeExperimental:
		cap.State = schemas.ProbeExperimental
		cap.Confidence = 0.6
	default:
		cap.State = schemas.ProbeUnavailable
	}
	cap.Reason = schemas.ReasonCode(resp.ReasonCode)
	return cap
}

// Execute sends the mutation to the service and records the reported hook
// state.
func (b *BridgeBackend) Execute(ctx context.Context, req Request) (Result, error) {
	return b.execute(ctx, "execute", req)
}

func (b *BridgeBackend) execute(ctx context.Context, command string, req Request) (Result, error) {
	anchors := make(map[string]string, len(req.Anchors))
	for id, addr := range req.Anchors {
		anchors[id] = "0x" + strconv.FormatUint(addr, 16)
	}

	resp, err := b.roundTrip(ctx, bridgeRequest{
		Command:   command,
		FeatureID: req.Action.Feature,
		ProfileID: req.Session.ProfileID,
		Anchors:   anchors,
		IntValue:  req.Payload.IntValue,
		Lock:      req.Payload.Lock,
	})
	if err != nil {
		return Result{}, fmt.Errorf("bridge %s for feature %q: %w", command, req.Action.Feature, err)
	}

	hookState := schemas.HookState(resp.HookState)
	b.recordHook(req.Action.Feature, hookState)

	return Result{
		Succeeded:   resp.Succeeded,
		Reason:      schemas.ReasonCode(resp.ReasonCode),
		Message:     resp.Message,
		HookState:   hookState,
		Diagnostics: resp.Diagnostics,
	}, nil
}

// HookStateFor returns the last hook state the service reported for a
// feature. Features never executed report HookNotInstalled.
func (b *BridgeBackend) HookStateFor(feature string) schemas.HookState {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	if state, ok := b.hooks[feature]; ok {
		return state
	}
	return schemas.HookNotInstalled
}

func (b *BridgeBackend) recordHook(feature string, state schemas.HookState) {
	switch state {
	case schemas.HookInstalled, schemas.HookFailed, schemas.HookRolledBack, schemas.HookNotInstalled:
	default:
		// Unknown wire value: keep the mirror honest rather than inventing
		// a lifecycle state the service never claimed.
		return
	}
	b.hooksMu.Lock()
	b.hooks[feature] = state
	b.hooksMu.Unlock()
}

// roundTrip dials, sends one frame, reads one frame, and closes. The
// connection is released on every exit path.
func (b *BridgeBackend) roundTrip(ctx context.Context, req bridgeRequest) (bridgeResponse, error) {
	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("dialing mutation service: %w", err)
	}
	defer conn.Close()

	frame, err := json.Marshal(req)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("encoding bridge request: %w", err)
	}
	frame = append(frame, '\n')
	if _, err := conn.Write(frame); err != nil {
		return bridgeResponse{}, fmt.Errorf("writing bridge request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return bridgeResponse{}, fmt.Errorf("reading bridge response: %w", err)
	}

	var resp bridgeResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return bridgeResponse{}, fmt.Errorf("decoding bridge response: %w", err)
	}
	return resp, nil
}
