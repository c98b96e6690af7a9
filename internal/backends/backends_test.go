package backends

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// -- Fakes --

// fakeProcess is an in-memory address space shared by every handle opened on
// it, so a write through one scoped handle is visible to the next.
type fakeProcess struct {
	mem       map[schemas.Address][]byte // region base -> bytes
	openErr   error
	openCount int
	liveCount int
}

func (p *fakeProcess) Open(_ context.Context, _ int) (schemas.ProcessHandle, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.openCount++
	p.liveCount++
	return &fakeHandle{proc: p}, nil
}

type fakeHandle struct {
	proc   *fakeProcess
	closed bool
}

func (h *fakeHandle) locate(addr schemas.Address, n int) ([]byte, bool) {
	for base, data := range h.proc.mem {
		if addr >= base && addr+schemas.Address(n) <= base+schemas.Address(len(data)) {
			off := addr - base
			return data[off : off+schemas.Address(n)], true
		}
	}
	return nil, false
}

func (h *fakeHandle) ReadMemory(addr schemas.Address, buf []byte) (int, error) {
	src, ok := h.locate(addr, len(buf))
	if !ok {
		return 0, errors.New("unmapped read")
	}
	return copy(buf, src), nil
}

func (h *fakeHandle) WriteMemory(addr schemas.Address, data []byte) (int, error) {
	dst, ok := h.locate(addr, len(data))
	if !ok {
		return 0, errors.New("unmapped write")
	}
	return copy(dst, data), nil
}

func (h *fakeHandle) Close() error {
	if !h.closed {
		h.closed = true
		h.proc.liveCount--
	}
	return nil
}

// fakeDialer hands out one-shot connections with a canned response and
// captures the request frame.
type fakeDialer struct {
	response string
	dialErr  error
	lastReq  []byte
}

func (d *fakeDialer) Dial(_ context.Context) (io.ReadWriteCloser, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &fakeConn{dialer: d, reader: bytes.NewReader([]byte(d.response))}, nil
}

type fakeConn struct {
	dialer *fakeDialer
	reader *bytes.Reader
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { c.dialer.lastReq = append(c.dialer.lastReq, p...); return len(p), nil }
func (c *fakeConn) Close() error                { return nil }

func testSession() schemas.AttachSession {
	return schemas.AttachSession{
		ID:        "sess-1",
		ProfileID: "swfoc-steam",
		Process:   schemas.ProcessMetadata{PID: 4242, ModuleBase: 0x400000, ModuleSize: 0x1000},
	}
}

// -- Memory backend --

func newMemoryFixture(t *testing.T) (*MemoryBackend, *fakeProcess) {
	t.Helper()
	proc := &fakeProcess{mem: map[schemas.Address][]byte{0x400000: make([]byte, 0x1000)}}
	m, err := NewMemoryBackend(zap.NewNop(), proc)
	require.NoError(t, err)
	return m, proc
}

func TestMemoryDirectWriteInt32(t *testing.T) {
	m, proc := newMemoryFixture(t)

	res, err := m.Execute(context.Background(), Request{
		Session: testSession(),
		Action:  schemas.ActionSpec{ID: "set_credits", Kind: schemas.ExecDirectWrite},
		Payload: schemas.ActionPayload{IntValue: 99999},
		Symbol:  schemas.SymbolInfo{Name: "credits", Address: 0x400010, ValueType: schemas.ValueInt32},
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, schemas.ReasonExecutionOK, res.Reason)

	got := binary.LittleEndian.Uint32(proc.mem[0x400000][0x10:])
	assert.Equal(t, uint32(99999), got)
	// Handles are scoped per call, never cached.
	assert.Zero(t, proc.liveCount)
}

func TestMemoryDirectWriteFloat32(t *testing.T) {
	m, proc := newMemoryFixture(t)

	_, err := m.Execute(context.Background(), Request{
		Session: testSession(),
		Action:  schemas.ActionSpec{Kind: schemas.ExecDirectWrite},
		Payload: schemas.ActionPayload{FloatValue: 1.5},
		Symbol:  schemas.SymbolInfo{Name: "speed", Address: 0x400020, ValueType: schemas.ValueFloat32},
	})
	require.NoError(t, err)

	bits := binary.LittleEndian.Uint32(proc.mem[0x400000][0x20:])
	assert.Equal(t, float32(1.5), math.Float32frombits(bits))
}

func TestMemoryWriteUnmappedAddressIsError(t *testing.T) {
	m, proc := newMemoryFixture(t)

	_, err := m.Execute(context.Background(), Request{
		Session: testSession(),
		Action:  schemas.ActionSpec{Kind: schemas.ExecDirectWrite},
		Payload: schemas.ActionPayload{IntValue: 1},
		Symbol:  schemas.SymbolInfo{Address: 0xDEAD0000, ValueType: schemas.ValueInt32},
	})
	assert.Error(t, err)
	assert.Zero(t, proc.liveCount, "handle must be closed on the error path too")
}

func TestMemoryCodePatchCaptureAndRestore(t *testing.T) {
	m, proc := newMemoryFixture(t)
	copy(proc.mem[0x400000][0x30:], []byte{0x75, 0x08}) // jnz +8

	req := Request{
		Session: testSession(),
		Action: schemas.ActionSpec{
			Kind:   schemas.ExecCodePatch,
			Symbol: "instant_build",
			Patch:  &schemas.CodePatchSpec{PatchBytes: "90 90"},
		},
		Symbol: schemas.SymbolInfo{Name: "instant_build", Address: 0x400030},
	}

	// Enable: patch applied, original captured.
	req.Payload = schemas.ActionPayload{Enable: true}
	res, err := m.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, []byte{0x90, 0x90}, proc.mem[0x400000][0x30:0x32])

	// Second enable is a no-op, not a re-capture of the NOPs.
	res, err = m.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)

	// Disable: original bytes restored.
	req.Payload = schemas.ActionPayload{Enable: false}
	res, err = m.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, []byte{0x75, 0x08}, proc.mem[0x400000][0x30:0x32])

	// Disable again: nothing to restore, still a success.
	res, err = m.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Zero(t, proc.liveCount)
}

func TestMemoryCodePatchRejectsWildcards(t *testing.T) {
	m, _ := newMemoryFixture(t)

	res, err := m.Execute(context.Background(), Request{
		Session: testSession(),
		Action: schemas.ActionSpec{
			Kind:  schemas.ExecCodePatch,
			Patch: &schemas.CodePatchSpec{PatchBytes: "90 ??"},
		},
		Payload: schemas.ActionPayload{Enable: true},
		Symbol:  schemas.SymbolInfo{Address: 0x400030},
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, schemas.ReasonExecutionFailure, res.Reason)
}

func TestMemoryReadValue(t *testing.T) {
	m, proc := newMemoryFixture(t)
	binary.LittleEndian.PutUint32(proc.mem[0x400000][0x40:], uint32(12345))

	v, err := m.ReadValue(context.Background(), 4242, schemas.SymbolInfo{
		Name: "credits", Address: 0x400040, ValueType: schemas.ValueInt32,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(12345), v)
	assert.Zero(t, proc.liveCount)
}

func TestMemoryProbe(t *testing.T) {
	m, _ := newMemoryFixture(t)
	cap := m.Probe(context.Background(), testSession(), "set_credits")
	assert.Equal(t, schemas.ProbeVerified, cap.State)
	assert.Equal(t, schemas.BackendMemory, cap.Backend)

	broken := &fakeProcess{openErr: errors.New("access denied")}
	m2, err := NewMemoryBackend(zap.NewNop(), broken)
	require.NoError(t, err)
	cap = m2.Probe(context.Background(), testSession(), "set_credits")
	assert.Equal(t, schemas.ProbeUnavailable, cap.State)
}

// -- Bridge backend --

func TestBridgeExecuteRoundTrip(t *testing.T) {
	dialer := &fakeDialer{response: `{"succeeded":true,"reasonCode":"HOOK_OK","hookState":"installed","diagnostics":{"featureId":"set_credits"}}` + "\n"}
	b, err := NewBridgeBackend(zap.NewNop(), dialer)
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), Request{
		Session: testSession(),
		Action:  schemas.ActionSpec{Feature: "set_credits"},
		Payload: schemas.ActionPayload{IntValue: 50000, Lock: true},
		Anchors: map[string]schemas.Address{"credits": 0x400010},
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, schemas.ReasonHookOK, res.Reason)
	assert.Equal(t, schemas.HookInstalled, res.HookState)
	assert.Equal(t, schemas.HookInstalled, b.HookStateFor("set_credits"))

	// The request frame carries the feature, anchors and payload.
	var sent bridgeRequest
	require.NoError(t, json.Unmarshal(dialer.lastReq, &sent))
	assert.Equal(t, "execute", sent.Command)
	assert.Equal(t, "set_credits", sent.FeatureID)
	assert.Equal(t, "swfoc-steam", sent.ProfileID)
	assert.Equal(t, "0x400010", sent.Anchors["credits"])
	assert.Equal(t, int32(50000), sent.IntValue)
	assert.True(t, sent.Lock)
}

func TestBridgeDialFailure(t *testing.T) {
	b, err := NewBridgeBackend(zap.NewNop(), &fakeDialer{dialErr: errors.New("pipe not found")})
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), Request{Action: schemas.ActionSpec{Feature: "f"}})
	assert.Error(t, err)

	cap := b.Probe(context.Background(), testSession(), "f")
	assert.Equal(t, schemas.ProbeUnavailable, cap.State)
	assert.Equal(t, schemas.HookNotInstalled, b.HookStateFor("f"))
}

func TestBridgeProbeStates(t *testing.T) {
	tests := []struct {
		probeState string
		want       schemas.ProbeState
	}{
		{"verified", schemas.ProbeVerified},
		{"experimental", schemas.ProbeExperimental},
		{"unavailable", schemas.ProbeUnavailable},
		{"garbage", schemas.ProbeUnavailable},
	}
	for _, tc := range tests {
		dialer := &fakeDialer{response: `{"succeeded":true,"reasonCode":"HOOK_OK","hookState":"not_installed","probeState":"` + tc.probeState + `"}` + "\n"}
		b, err := NewBridgeBackend(zap.NewNop(), dialer)
		require.NoError(t, err)
		cap := b.Probe(context.Background(), testSession(), "f")
		assert.Equal(t, tc.want, cap.State, "probeState=%s", tc.probeState)
	}
}

func TestBridgeHookRollbackMirrored(t *testing.T) {
	dialer := &fakeDialer{response: `{"succeeded":false,"reasonCode":"ROLLBACK_SUCCESS","hookState":"rolled_back","message":"hook verification failed, rolled back"}` + "\n"}
	b, err := NewBridgeBackend(zap.NewNop(), dialer)
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), Request{Action: schemas.ActionSpec{Feature: "toggle_fog"}})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, schemas.HookRolledBack, res.HookState)
	assert.Equal(t, schemas.HookRolledBack, b.HookStateFor("toggle_fog"))
}

// -- Helper backend --

func TestHelperProbeDemotesVerified(t *testing.T) {
	dialer := &fakeDialer{response: `{"succeeded":true,"reasonCode":"HOOK_OK","hookState":"not_installed","probeState":"verified"}` + "\n"}
	bridge, err := NewBridgeBackend(zap.NewNop(), dialer)
	require.NoError(t, err)
	h, err := NewHelperBackend(zap.NewNop(), bridge)
	require.NoError(t, err)

	cap := h.Probe(context.Background(), testSession(), "spawn_unit")
	assert.Equal(t, schemas.BackendHelper, cap.Backend)
	assert.Equal(t, schemas.ProbeExperimental, cap.State)
}

func TestHelperExecuteUsesHelperCommand(t *testing.T) {
	dialer := &fakeDialer{response: `{"succeeded":true,"reasonCode":"HOOK_OK","hookState":"not_installed"}` + "\n"}
	bridge, err := NewBridgeBackend(zap.NewNop(), dialer)
	require.NoError(t, err)
	h, err := NewHelperBackend(zap.NewNop(), bridge)
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), Request{Action: schemas.ActionSpec{Feature: "spawn_unit"}})
	require.NoError(t, err)

	var sent bridgeRequest
	require.NoError(t, json.Unmarshal(dialer.lastReq, &sent))
	assert.Equal(t, "helper", sent.Command)
}

// -- Save backend --

type fakeSaveEditor struct {
	supported map[string]bool
	applied   []string
	applyErr  error
}

func (e *fakeSaveEditor) Apply(_ context.Context, featureID string, _ schemas.ActionPayload) error {
	if e.applyErr != nil {
		return e.applyErr
	}
	e.applied = append(e.applied, featureID)
	return nil
}

func (e *fakeSaveEditor) Supports(featureID string) bool { return e.supported[featureID] }

func TestSaveBackend(t *testing.T) {
	editor := &fakeSaveEditor{supported: map[string]bool{"set_credits": true}}
	s, err := NewSaveBackend(zap.NewNop(), editor)
	require.NoError(t, err)

	cap := s.Probe(context.Background(), testSession(), "set_credits")
	assert.Equal(t, schemas.ProbeVerified, cap.State)
	cap = s.Probe(context.Background(), testSession(), "unknown")
	assert.Equal(t, schemas.ProbeUnavailable, cap.State)

	res, err := s.Execute(context.Background(), Request{Action: schemas.ActionSpec{Feature: "set_credits"}})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, []string{"set_credits"}, editor.applied)
}

// -- Set dispatch --

func TestSetExecuteDispatchAndNilBackends(t *testing.T) {
	m, _ := newMemoryFixture(t)
	set := &Set{Memory: m}

	_, err := set.Execute(context.Background(), schemas.BackendBridge, Request{})
	assert.Error(t, err)

	_, err = set.Execute(context.Background(), schemas.BackendKind("bogus"), Request{})
	assert.Error(t, err)

	res, err := set.Execute(context.Background(), schemas.BackendMemory, Request{
		Session: testSession(),
		Action:  schemas.ActionSpec{Kind: schemas.ExecDirectWrite},
		Payload: schemas.ActionPayload{IntValue: 7},
		Symbol:  schemas.SymbolInfo{Address: 0x400050, ValueType: schemas.ValueInt32},
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
}

func TestBuildReport(t *testing.T) {
	m, _ := newMemoryFixture(t)
	editor := &fakeSaveEditor{supported: map[string]bool{"set_credits": true}}
	save, err := NewSaveBackend(zap.NewNop(), editor)
	require.NoError(t, err)

	set := &Set{Memory: m, Save: save}
	report := set.BuildReport(context.Background(), zap.NewNop(), testSession(), []string{"set_credits"})

	require.Len(t, report.Capabilities["set_credits"], 2)
	memCap, ok := report.For("set_credits", schemas.BackendMemory)
	require.True(t, ok)
	assert.Equal(t, schemas.ProbeVerified, memCap.State)
	saveCap, ok := report.For("set_credits", schemas.BackendSave)
	require.True(t, ok)
	assert.Equal(t, schemas.ProbeVerified, saveCap.State)
}
