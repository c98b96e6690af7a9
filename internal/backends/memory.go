package backends

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/patterns"
)

// MemoryBackend mutates the target through plain out-of-process memory
// writes: direct value writes and byte-level code patches. Process handles
// are opened per call and closed on every exit path; nothing is cached
// across calls.
type MemoryBackend struct {
	logger *zap.Logger
	opener schemas.ProcessOpener

	// patchesMu guards the captured-original table for code patches.
	patchesMu sync.Mutex
	patches   map[schemas.Address][]byte
}

// NewMemoryBackend creates a MemoryBackend over the given process opener.
func NewMemoryBackend(logger *zap.Logger, opener schemas.ProcessOpener) (*MemoryBackend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opener == nil {
		return nil, errors.New("process opener cannot be nil")
	}
	return &MemoryBackend{
		logger:  logger.Named("backend.memory"),
		opener:  opener,
		patches: make(map[schemas.Address][]byte),
	}, nil
}

// Probe checks that the target's main module is readable at all. Direct
// memory access either works or it does not; there is no experimental tier.
func (m *MemoryBackend) Probe(ctx context.Context, session schemas.AttachSession, feature string) schemas.BackendCapability {
	cap := schemas.BackendCapability{
		FeatureID: feature,
		Backend:   schemas.BackendMemory,
	}

	handle, err := m.opener.Open(ctx, session.Process.PID)
	if err != nil {
		cap.State = schemas.ProbeUnavailable
		cap.Reason = schemas.ReasonBackendUnavailable
		return cap
	}
	defer handle.Close()

	var probe [4]byte
	if _, err := handle.ReadMemory(session.Process.ModuleBase, probe[:]); err != nil {
		cap.State = schemas.ProbeUnavailable
		cap.Reason = schemas.ReasonBackendUnavailable
		return cap
	}

	cap.State = schemas.ProbeVerified
	cap.Confidence = 0.9
	cap.Reason = schemas.ReasonBackendSelected
	return cap
}

// Execute performs a direct write or a code patch, depending on the action
// kind.
func (m *MemoryBackend) Execute(ctx context.Context, req Request) (Result, error) {
	switch req.Action.Kind {
	case schemas.ExecDirectWrite:
		return m.directWrite(ctx, req)
	case schemas.ExecCodePatch:
		return m.codePatch(ctx, req)
	default:
		return Result{
			Succeeded: false,
			Reason:    schemas.ReasonExecutionFailure,
			Message:   fmt.Sprintf("memory backend cannot execute %q actions", req.Action.Kind),
		}, nil
	}
}

func (m *MemoryBackend) directWrite(ctx context.Context, req Request) (Result, error) {
	data, err := EncodeValue(req.Symbol.ValueType, req.Payload)
	if err != nil {
		return Result{Succeeded: false, Reason: schemas.ReasonExecutionFailure, Message: err.Error()}, nil
	}

	handle, err := m.opener.Open(ctx, req.Session.Process.PID)
	if err != nil {
		return Result{}, fmt.Errorf("opening process %d: %w", req.Session.Process.PID, err)
	}
	defer handle.Close()

	if _, err := handle.WriteMemory(req.Symbol.Address, data); err != nil {
		return Result{}, fmt.Errorf("writing %d bytes at %#x: %w", len(data), req.Symbol.Address, err)
	}

	m.logger.Debug("Direct write committed",
		zap.String("symbol", req.Symbol.Name),
		zap.Uint64("address", req.Symbol.Address),
		zap.Int("bytes", len(data)))

	return Result{Succeeded: true, Reason: schemas.ReasonExecutionOK}, nil
}

// codePatch applies or removes a byte patch. Original bytes are captured on
// first enable and restored on disable; enabling an already-enabled patch is
// a no-op rather than a second capture, so the stored original can never be
// the patch itself.
func (m *MemoryBackend) codePatch(ctx context.Context, req Request) (Result, error) {
	if req.Action.Patch == nil {
		return Result{Succeeded: false, Reason: schemas.ReasonExecutionFailure, Message: "action has no patch spec"}, nil
	}
	patch, err := patchBytes(req.Action.Patch.PatchBytes)
	if err != nil {
		return Result{Succeeded: false, Reason: schemas.ReasonExecutionFailure, Message: err.Error()}, nil
	}
	addr := req.Symbol.Address

	handle, err := m.opener.Open(ctx, req.Session.Process.PID)
	if err != nil {
		return Result{}, fmt.Errorf("opening process %d: %w", req.Session.Process.PID, err)
	}
	defer handle.Close()

	m.patchesMu.Lock()
	defer m.patchesMu.Unlock()

	if req.Payload.Enable {
		if _, applied := m.patches[addr]; applied {
			return Result{Succeeded: true, Reason: schemas.ReasonExecutionOK, Message: "patch already applied"}, nil
		}

		original := make([]byte, len(patch))
		if _, err := handle.ReadMemory(addr, original); err != nil {
			return Result{}, fmt.Errorf("capturing original bytes at %#x: %w", addr, err)
		}
		if _, err := handle.WriteMemory(addr, patch); err != nil {
			return Result{}, fmt.Errorf("applying patch at %#x: %w", addr, err)
		}
		m.patches[addr] = original

		m.logger.Info("Code patch applied",
			zap.String("symbol", req.Symbol.Name),
			zap.Uint64("address", addr),
			zap.Int("bytes", len(patch)))
		return Result{Succeeded: true, Reason: schemas.ReasonExecutionOK}, nil
	}

	original, applied := m.patches[addr]
	if !applied {
		return Result{Succeeded: true, Reason: schemas.ReasonExecutionOK, Message: "patch not applied"}, nil
	}
	if _, err := handle.WriteMemory(addr, original); err != nil {
		return Result{}, fmt.Errorf("restoring original bytes at %#x: %w", addr, err)
	}
	delete(m.patches, addr)

	m.logger.Info("Code patch restored",
		zap.String("symbol", req.Symbol.Name),
		zap.Uint64("address", addr))
	return Result{Succeeded: true, Reason: schemas.ReasonExecutionOK}, nil
}

// ReadValue reads and decodes the symbol's current value through a scoped
// handle. The adapter uses this for sanity checks and readback verification
// regardless of which backend performed the write.
func (m *MemoryBackend) ReadValue(ctx context.Context, pid int, symbol schemas.SymbolInfo) (float64, error) {
	handle, err := m.opener.Open(ctx, pid)
	if err != nil {
		return 0, fmt.Errorf("opening process %d: %w", pid, err)
	}
	defer handle.Close()

	var buf [4]byte
	if _, err := handle.ReadMemory(symbol.Address, buf[:]); err != nil {
		return 0, fmt.Errorf("reading %s at %#x: %w", symbol.Name, symbol.Address, err)
	}

	switch symbol.ValueType {
	case schemas.ValueInt32:
		return float64(int32(binary.LittleEndian.Uint32(buf[:]))), nil
	case schemas.ValueFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))), nil
	default:
		return 0, fmt.Errorf("symbol %s has non-scalar value type %q", symbol.Name, symbol.ValueType)
	}
}

// EncodeValue renders the payload's scalar as the little-endian bytes the
// symbol's value type demands.
func EncodeValue(vt schemas.ValueType, payload schemas.ActionPayload) ([]byte, error) {
	buf := make([]byte, 4)
	switch vt {
	case schemas.ValueInt32:
		binary.LittleEndian.PutUint32(buf, uint32(payload.IntValue))
	case schemas.ValueFloat32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(payload.FloatValue))
	default:
		return nil, fmt.Errorf("cannot encode value type %q", vt)
	}
	return buf, nil
}

// PayloadScalar returns the payload's scalar as a float64 for comparison
// against a readback, per the value type.
func PayloadScalar(vt schemas.ValueType, payload schemas.ActionPayload) (float64, error) {
	switch vt {
	case schemas.ValueInt32:
		return float64(payload.IntValue), nil
	case schemas.ValueFloat32:
		return float64(payload.FloatValue), nil
	default:
		return 0, fmt.Errorf("value type %q has no scalar payload", vt)
	}
}

// patchBytes parses the patch byte string, rejecting wildcards: a patch must
// spell out every byte it writes.
func patchBytes(s string) ([]byte, error) {
	pattern, err := patterns.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("malformed patch bytes: %w", err)
	}
	out := make([]byte, len(pattern))
	for i, tok := range pattern {
		if tok.Wildcard {
			return nil, errors.New("patch bytes cannot contain wildcards")
		}
		out[i] = tok.Byte
	}
	return out, nil
}
