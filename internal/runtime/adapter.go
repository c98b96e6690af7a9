// Package runtime implements the adapter that owns the attach lifecycle and
// every read, write, and action execution against the target process. It is
// the single integration point for the resolvers, the execution guard, the
// backend router, and the backend set: nothing else in sigil touches a live
// process except through an attached adapter.
//
// The adapter is a small state machine (detached -> attaching -> attached)
// with exactly one live session at a time. Session operations are serialized:
// reads and writes queue on the session lock, while Execute rejects a
// contended request with a SESSION_BUSY result so an operator UI never
// stacks up mutations behind a stuck one. Freeze loops run outside the
// session lock with their own scoped handles.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/backends"
	"github.com/frostline-dev/sigil/internal/capability"
	"github.com/frostline-dev/sigil/internal/guard"
	"github.com/frostline-dev/sigil/internal/router"
	"github.com/frostline-dev/sigil/internal/sigresolve"
)

// State is the adapter's lifecycle position.
type State string

const (
	StateDetached  State = "detached"
	StateAttaching State = "attaching"
	StateAttached  State = "attached"
)

// readbackTolerance bounds the float comparison between a written value and
// its readback. Scalars written here are exact int32/float32 values, so the
// tolerance only has to absorb the float32 -> float64 widening.
const readbackTolerance = 1e-6

// Config holds the adapter's tunables.
type Config struct {
	// FreezeInterval is how often a locked value is re-asserted.
	FreezeInterval time.Duration `mapstructure:"freeze_interval"`
}

// Deps are the adapter's collaborators. Logger through Backends are
// mandatory; Audit and Telemetry may be nil, in which case the adapter
// simply does not emit.
type Deps struct {
	Logger        *zap.Logger
	Locator       schemas.ProcessLocator
	Profiles      schemas.ProfileRepository
	Fingerprinter schemas.Fingerprinter
	Imager        schemas.ModuleImager
	Signatures    *sigresolve.Resolver
	Capabilities  *capability.Resolver
	Router        *router.Router
	Backends      *backends.Set
	Audit         schemas.AuditSink
	Telemetry     schemas.TelemetryCounter
}

func (d Deps) validate() error {
	switch {
	case d.Logger == nil:
		return errors.New("logger cannot be nil")
	case d.Locator == nil:
		return errors.New("process locator cannot be nil")
	case d.Profiles == nil:
		return errors.New("profile repository cannot be nil")
	case d.Fingerprinter == nil:
		return errors.New("fingerprinter cannot be nil")
	case d.Imager == nil:
		return errors.New("module imager cannot be nil")
	case d.Signatures == nil:
		return errors.New("signature resolver cannot be nil")
	case d.Capabilities == nil:
		return errors.New("capability resolver cannot be nil")
	case d.Router == nil:
		return errors.New("router cannot be nil")
	case d.Backends == nil:
		return errors.New("backend set cannot be nil")
	case d.Backends.Memory == nil:
		return errors.New("backend set has no memory backend")
	}
	return nil
}

// Adapter drives one attach session at a time.
type Adapter struct {
	logger *zap.Logger
	cfg    Config
	deps   Deps

	// mu serializes every session operation and guards the fields below.
	mu      sync.Mutex
	state   State
	session schemas.AttachSession
	profile schemas.TrainerProfile
	report  schemas.CapabilityReport

	freezes *freezeManager
}

// New creates a detached Adapter.
func New(cfg Config, deps Deps) (*Adapter, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger.Named("runtime")
	return &Adapter{
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		state:   StateDetached,
		freezes: newFreezeManager(logger, cfg.FreezeInterval),
	}, nil
}

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Session returns a copy of the live session, if attached.
func (a *Adapter) Session() (schemas.AttachSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, a.state == StateAttached
}

// Report returns the backend capability report of the live session.
func (a *Adapter) Report() (schemas.CapabilityReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report, a.state == StateAttached
}

// Attach loads the profile, locates and fingerprints the target, snapshots
// its main module, resolves the symbol map, and probes every configured
// backend. Any failure rolls the adapter back to detached; there is no
// half-attached state.
func (a *Adapter) Attach(ctx context.Context, profileID string) (schemas.AttachSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateDetached {
		return schemas.AttachSession{}, domainErr(schemas.ReasonSessionBusy,
			"session %s is already attached", a.session.ID)
	}
	a.state = StateAttaching
	attached := false
	defer func() {
		if !attached {
			a.resetLocked()
		}
	}()

	profile, err := a.deps.Profiles.Load(ctx, profileID)
	if err != nil {
		return schemas.AttachSession{}, fmt.Errorf("loading profile %q: %w", profileID, err)
	}

	proc, err := a.deps.Locator.Locate(ctx, profile)
	if err != nil {
		return schemas.AttachSession{}, fmt.Errorf("locating process for profile %q: %w", profileID, err)
	}

	fingerprint, err := a.deps.Fingerprinter.Fingerprint(ctx, proc)
	if err != nil {
		return schemas.AttachSession{}, fmt.Errorf("fingerprinting %s (pid %d): %w", proc.MainModule, proc.PID, err)
	}

	base, image, err := a.deps.Imager.ModuleImage(ctx, proc, proc.MainModule)
	if err != nil {
		return schemas.AttachSession{}, fmt.Errorf("capturing module image of %s: %w", proc.MainModule, err)
	}
	proc.ModuleBase = base

	symbols, err := a.deps.Signatures.Resolve(sigresolve.Input{
		BuildLabel:      profile.GameBuild,
		Sets:            profile.SignatureSets,
		FallbackOffsets: profile.FallbackOffsets,
		ModuleBase:      base,
		Image:           image,
	})
	if err != nil {
		return schemas.AttachSession{}, fmt.Errorf("resolving symbols for profile %q: %w", profileID, err)
	}

	session := schemas.AttachSession{
		ID:          uuid.NewString(),
		ProfileID:   profile.ID,
		Process:     proc,
		Fingerprint: fingerprint,
		Symbols:     symbols,
		AttachedAt:  time.Now().UTC(),
	}

	a.session = session
	a.profile = profile
	a.report = a.deps.Backends.BuildReport(ctx, a.logger, session, profileFeatures(profile))
	a.state = StateAttached
	attached = true

	a.logger.Info("Attached to target",
		zap.String("session", session.ID),
		zap.String("profile", profile.ID),
		zap.Int("pid", proc.PID),
		zap.String("fingerprint", fingerprint.ID),
		zap.Int("symbols", symbols.Len()),
		zap.Int("resolved", len(symbols.ResolvedNames())))
	a.count("attach.ok")

	return session, nil
}

// Detach tears down the session: every freeze loop is stopped and drained
// before the session state is cleared. Detaching a detached adapter is a
// no-op.
func (a *Adapter) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateDetached {
		return
	}

	a.freezes.StopAll()
	a.logger.Info("Detached from target", zap.String("session", a.session.ID))
	a.resetLocked()
	a.count("detach.ok")
}

// Close is Detach under the name io.Closer-style callers expect.
func (a *Adapter) Close() error {
	a.Detach()
	return nil
}

func (a *Adapter) resetLocked() {
	a.state = StateDetached
	a.session = schemas.AttachSession{}
	a.profile = schemas.TrainerProfile{}
	a.report = schemas.CapabilityReport{}
}

// Read returns the current scalar value of a resolved symbol.
func (a *Adapter) Read(ctx context.Context, symbolName string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAttached {
		return 0, domainErr(schemas.ReasonProcessNotAttached, "no attached session")
	}
	sym, err := a.symbolLocked(symbolName)
	if err != nil {
		return 0, err
	}

	value, err := a.deps.Backends.Memory.ReadValue(ctx, a.session.Process.PID, sym)
	if err != nil {
		return 0, wrapErr(schemas.ReasonExecutionFailure, err, "reading %s", symbolName)
	}
	return value, nil
}

// Write performs a sanity-checked, readback-verified direct write to a
// resolved symbol. For critical symbols a failed sanity check or readback
// triggers exactly one re-resolution of the symbol and one retry; the second
// failure is terminal.
func (a *Adapter) Write(ctx context.Context, symbolName string, payload schemas.ActionPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAttached {
		return domainErr(schemas.ReasonProcessNotAttached, "no attached session")
	}
	sym, err := a.symbolLocked(symbolName)
	if err != nil {
		return err
	}

	_, err = a.writeLocked(ctx, sym, payload, true)
	return err
}

// symbolLocked looks up a symbol and enforces the unresolved-symbol gate.
func (a *Adapter) symbolLocked(name string) (schemas.SymbolInfo, error) {
	sym, ok := a.session.Symbols.Lookup(name)
	if !ok {
		return schemas.SymbolInfo{}, domainErr(schemas.ReasonSymbolUnresolved, "unknown symbol %q", name)
	}
	if !sym.Resolved() {
		return schemas.SymbolInfo{}, domainErr(schemas.ReasonSymbolUnresolved, "symbol %q did not resolve", name)
	}
	return sym, nil
}

// writeLocked is the one direct-write path: sanity pre-check, write, optional
// readback, and the critical-symbol single-retry loop. It returns the address
// source of the symbol that finally took the write.
func (a *Adapter) writeLocked(ctx context.Context, sym schemas.SymbolInfo, payload schemas.ActionPayload, verify bool) (schemas.AddressSource, error) {
	retried := false
	for {
		err := a.attemptWrite(ctx, sym, payload, verify)
		if err == nil {
			return sym.Source, nil
		}

		// Only stale-address evidence earns the retry, and only once,
		// and only for symbols marked critical.
		reason := ReasonOf(err)
		retryable := reason == schemas.ReasonSanityCheckFailed || reason == schemas.ReasonReadbackMismatch
		if !retryable || !sym.Critical || retried {
			return sym.Source, err
		}

		fresh, rerr := a.reresolveLocked(ctx, sym.Name)
		if rerr != nil {
			a.logger.Warn("Critical symbol re-resolution failed",
				zap.String("symbol", sym.Name), zap.Error(rerr))
			return sym.Source, err
		}
		if !fresh.Resolved() {
			return sym.Source, err
		}

		a.logger.Info("Critical symbol re-resolved, retrying write",
			zap.String("symbol", sym.Name),
			zap.Uint64("old_address", sym.Address),
			zap.Uint64("new_address", fresh.Address))
		a.session.Symbols = a.session.Symbols.WithSymbol(fresh)
		a.count("write.reresolve")
		sym = fresh
		retried = true
	}
}

func (a *Adapter) attemptWrite(ctx context.Context, sym schemas.SymbolInfo, payload schemas.ActionPayload, verify bool) error {
	mem := a.deps.Backends.Memory

	if sym.Sanity != nil {
		current, err := mem.ReadValue(ctx, a.session.Process.PID, sym)
		if err != nil {
			return wrapErr(schemas.ReasonExecutionFailure, err, "sanity read of %s", sym.Name)
		}
		if !sym.Sanity.Contains(current) {
			return domainErr(schemas.ReasonSanityCheckFailed,
				"%s reads %g, outside sanity range [%g, %g]",
				sym.Name, current, sym.Sanity.Min, sym.Sanity.Max)
		}
	}

	res, err := mem.Execute(ctx, backends.Request{
		Session: a.session,
		Action:  schemas.ActionSpec{Kind: schemas.ExecDirectWrite, Symbol: sym.Name},
		Payload: payload,
		Symbol:  sym,
	})
	if err != nil {
		return wrapErr(schemas.ReasonExecutionFailure, err, "writing %s", sym.Name)
	}
	if !res.Succeeded {
		return domainErr(res.Reason, "writing %s: %s", sym.Name, res.Message)
	}

	if !verify {
		return nil
	}
	return a.verifyReadback(ctx, sym, payload)
}

// verifyReadback re-reads a symbol through the memory backend and compares
// it against the payload that was just written.
func (a *Adapter) verifyReadback(ctx context.Context, sym schemas.SymbolInfo, payload schemas.ActionPayload) error {
	want, err := backends.PayloadScalar(sym.ValueType, payload)
	if err != nil {
		return wrapErr(schemas.ReasonExecutionFailure, err, "readback of %s", sym.Name)
	}
	got, err := a.deps.Backends.Memory.ReadValue(ctx, a.session.Process.PID, sym)
	if err != nil {
		return wrapErr(schemas.ReasonExecutionFailure, err, "readback of %s", sym.Name)
	}
	if math.Abs(got-want) > readbackTolerance {
		return domainErr(schemas.ReasonReadbackMismatch,
			"%s reads %g after writing %g", sym.Name, got, want)
	}
	return nil
}

// reresolveLocked re-runs signature resolution for one symbol against a fresh
// module snapshot.
func (a *Adapter) reresolveLocked(ctx context.Context, name string) (schemas.SymbolInfo, error) {
	proc := a.session.Process
	base, image, err := a.deps.Imager.ModuleImage(ctx, proc, proc.MainModule)
	if err != nil {
		return schemas.SymbolInfo{}, fmt.Errorf("recapturing module image: %w", err)
	}
	return a.deps.Signatures.ResolveSymbol(sigresolve.Input{
		BuildLabel:      a.profile.GameBuild,
		Sets:            a.profile.SignatureSets,
		FallbackOffsets: a.profile.FallbackOffsets,
		ModuleBase:      base,
		Image:           image,
	}, name)
}

// Execute runs one profile action through the full gate stack: capability
// resolution, backend routing, the execution guard, and finally the routed
// backend. Expected domain failures come back as a reason-coded result, never
// as a panic or a half-applied mutation. A contended session rejects the
// request with SESSION_BUSY instead of queueing mutations.
func (a *Adapter) Execute(ctx context.Context, req schemas.ActionExecutionRequest) schemas.ActionExecutionResult {
	result := schemas.ActionExecutionResult{
		RequestID: req.RequestID,
		ActionID:  req.ActionID,
	}

	if !a.mu.TryLock() {
		result.Reason = schemas.ReasonSessionBusy
		result.Message = "another session operation is in progress"
		a.logger.Warn("Execute rejected: session busy", zap.String("action", req.ActionID))
		a.count("execute.busy")
		return result
	}
	defer a.mu.Unlock()

	return a.finish(ctx, a.executeLocked(ctx, req, result))
}

func (a *Adapter) executeLocked(ctx context.Context, req schemas.ActionExecutionRequest, result schemas.ActionExecutionResult) schemas.ActionExecutionResult {
	if a.state != StateAttached {
		result.Reason = schemas.ReasonProcessNotAttached
		result.Message = "no attached session"
		return result
	}

	action, ok := a.profile.Action(req.ActionID)
	if !ok {
		result.Reason = schemas.ReasonActionUnknown
		result.Message = fmt.Sprintf("profile %s declares no action %q", a.profile.ID, req.ActionID)
		return result
	}

	resolvedAnchors := make(map[string]bool)
	anchors := make(map[string]schemas.Address)
	for _, name := range a.session.Symbols.ResolvedNames() {
		resolvedAnchors[name] = true
		if info, ok := a.session.Symbols.Lookup(name); ok {
			anchors[name] = info.Address
		}
	}

	capRes, err := a.deps.Capabilities.Resolve(ctx, a.session.Fingerprint, a.profile.ID, action.Feature, resolvedAnchors)
	if err != nil {
		result.Reason = schemas.ReasonExecutionFailure
		result.Message = fmt.Sprintf("capability resolution failed: %v", err)
		return result
	}

	capabilities := map[string]schemas.CapabilityResolutionResult{action.Feature: capRes}
	for _, required := range a.profile.RequiredCapabilities {
		if _, done := capabilities[required]; done {
			continue
		}
		res, err := a.deps.Capabilities.Resolve(ctx, a.session.Fingerprint, a.profile.ID, required, resolvedAnchors)
		if err != nil {
			result.Reason = schemas.ReasonExecutionFailure
			result.Message = fmt.Sprintf("capability resolution failed: %v", err)
			return result
		}
		capabilities[required] = res
	}

	route := a.deps.Router.Route(router.Input{
		Action:       action,
		Profile:      a.profile,
		Process:      a.session.Process,
		Report:       a.report,
		Capabilities: capabilities,
	})
	a.auditRoute(ctx, action.Feature, route)
	if !route.Allowed {
		result.Reason = route.Reason
		result.Message = "routing denied"
		result.Diagnostics = route.Diagnostics
		return result
	}
	result.Backend = route.Backend

	// Dry runs exercise the gates but never mutate, so the guard sees them
	// as non-mutating: a degraded capability still lets an operator preview
	// the decision.
	isMutation := req.Mode != schemas.ModeDryRun
	decision := guard.CanExecute(capRes, isMutation)
	if !decision.Allowed {
		result.Reason = decision.Reason
		result.Message = decision.Message
		return result
	}

	var sym schemas.SymbolInfo
	if action.Symbol != "" {
		sym, err = a.symbolLocked(action.Symbol)
		if err != nil {
			result.Reason = ReasonOf(err)
			result.Message = err.Error()
			return result
		}
		result.AddressSource = sym.Source
	}

	if req.Mode == schemas.ModeDryRun {
		result.Succeeded = true
		result.Reason = schemas.ReasonExecutionAllowed
		result.Message = "dry run, no mutation performed"
		result.Diagnostics = route.Diagnostics
		return result
	}

	if action.Symbol != "" {
		// A running freeze loop would race the write and its readback, so
		// it stops before any mutation of the symbol and restarts only if
		// the payload still asks for a lock.
		a.freezes.Stop(action.Symbol)
	}

	if route.Backend == schemas.BackendMemory && action.Kind == schemas.ExecDirectWrite {
		source, err := a.writeLocked(ctx, sym, req.Payload, action.Readback)
		result.AddressSource = source
		if err != nil {
			result.Reason = ReasonOf(err)
			result.Message = err.Error()
			return result
		}
		result.Succeeded = true
		result.Reason = schemas.ReasonExecutionOK
		if req.Payload.Lock {
			a.startFreeze(action, req.Payload)
		}
		return result
	}

	res, source, err := a.routedExecuteLocked(ctx, route.Backend, action, req.Payload, sym, anchors)
	if action.Symbol != "" {
		result.AddressSource = source
	}
	if err != nil {
		result.Reason = ReasonOf(err)
		result.Message = err.Error()
		return result
	}

	result.Succeeded = res.Succeeded
	result.Reason = res.Reason
	result.Message = res.Message
	result.Diagnostics = res.Diagnostics
	if res.HookState != "" {
		if result.Diagnostics == nil {
			result.Diagnostics = make(map[string]string, 1)
		}
		result.Diagnostics["hook_state"] = string(res.HookState)
	}
	return result
}

// routedExecuteLocked sends the request to the routed backend. When the
// action declares readback verification against a resolved symbol, the
// symbol is re-read through the memory backend instead of trusting the
// backend's claimed result; a mismatch on a critical symbol earns the same
// single re-resolve+retry as a direct write. Save edits land in the save
// file, not in process memory, so they are exempt from readback.
func (a *Adapter) routedExecuteLocked(ctx context.Context, kind schemas.BackendKind, action schemas.ActionSpec, payload schemas.ActionPayload, sym schemas.SymbolInfo, anchors map[string]schemas.Address) (backends.Result, schemas.AddressSource, error) {
	retried := false
	for {
		res, err := a.deps.Backends.Execute(ctx, kind, backends.Request{
			Session: a.session,
			Action:  action,
			Payload: payload,
			Symbol:  sym,
			Anchors: anchors,
		})
		if err != nil {
			return res, sym.Source, wrapErr(schemas.ReasonExecutionFailure, err, "executing %s via %s", action.ID, kind)
		}
		if !res.Succeeded || !action.Readback || action.Symbol == "" || kind == schemas.BackendSave {
			return res, sym.Source, nil
		}

		err = a.verifyReadback(ctx, sym, payload)
		if err == nil {
			return res, sym.Source, nil
		}
		if ReasonOf(err) != schemas.ReasonReadbackMismatch || !sym.Critical || retried {
			return res, sym.Source, err
		}

		fresh, rerr := a.reresolveLocked(ctx, sym.Name)
		if rerr != nil {
			a.logger.Warn("Critical symbol re-resolution failed",
				zap.String("symbol", sym.Name), zap.Error(rerr))
			return res, sym.Source, err
		}
		if !fresh.Resolved() {
			return res, sym.Source, err
		}

		a.logger.Info("Critical symbol re-resolved, retrying backend execution",
			zap.String("symbol", sym.Name),
			zap.Uint64("old_address", sym.Address),
			zap.Uint64("new_address", fresh.Address))
		a.session.Symbols = a.session.Symbols.WithSymbol(fresh)
		// The retried request must carry the fresh address, not the stale
		// anchor the backend just missed with.
		anchors[fresh.Name] = fresh.Address
		a.count("write.reresolve")
		sym = fresh
		retried = true
	}
}

// startFreeze begins the freeze loop for a direct-write action. The loop's
// write closure captures its own copy of everything it needs and takes no
// adapter locks.
func (a *Adapter) startFreeze(action schemas.ActionSpec, payload schemas.ActionPayload) {
	sym, ok := a.session.Symbols.Lookup(action.Symbol)
	if !ok || !sym.Resolved() {
		return
	}
	mem := a.deps.Backends.Memory
	session := a.session
	a.freezes.Start(action.Symbol, func(ctx context.Context) error {
		res, err := mem.Execute(ctx, backends.Request{
			Session: session,
			Action:  schemas.ActionSpec{Kind: schemas.ExecDirectWrite, Symbol: sym.Name},
			Payload: payload,
			Symbol:  sym,
		})
		if err != nil {
			return err
		}
		if !res.Succeeded {
			return fmt.Errorf("freeze write of %s: %s", sym.Name, res.Message)
		}
		return nil
	})
}

// FrozenSymbols lists the symbols with an active freeze loop.
func (a *Adapter) FrozenSymbols() []string {
	frozen := a.freezes.Frozen()
	sort.Strings(frozen)
	return frozen
}

// Unfreeze stops the freeze loop for one symbol, if any.
func (a *Adapter) Unfreeze(symbolName string) {
	a.freezes.Stop(symbolName)
}

// finish records the outcome with the audit sink and telemetry. Called with
// the session lock held.
func (a *Adapter) finish(ctx context.Context, result schemas.ActionExecutionResult) schemas.ActionExecutionResult {
	if result.Succeeded {
		a.count("execute.ok")
	} else {
		a.count("execute.denied")
	}

	a.logger.Info("Action executed",
		zap.String("request", result.RequestID),
		zap.String("action", result.ActionID),
		zap.Bool("succeeded", result.Succeeded),
		zap.String("reason", string(result.Reason)),
		zap.String("backend", string(result.Backend)))

	if a.deps.Audit != nil {
		if err := a.deps.Audit.RecordExecution(ctx, a.session, result); err != nil {
			a.logger.Warn("Audit sink rejected execution record", zap.Error(err))
		}
	}
	return result
}

func (a *Adapter) auditRoute(ctx context.Context, featureID string, decision schemas.BackendRouteDecision) {
	if a.deps.Audit == nil {
		return
	}
	if err := a.deps.Audit.RecordRoute(ctx, a.session, featureID, decision); err != nil {
		a.logger.Warn("Audit sink rejected route record", zap.Error(err))
	}
}

func (a *Adapter) count(name string) {
	if a.deps.Telemetry != nil {
		a.deps.Telemetry.Inc("runtime." + name)
	}
}

// profileFeatures collects the distinct feature ids a profile can possibly
// route, for backend probing at attach time.
func profileFeatures(profile schemas.TrainerProfile) []string {
	seen := make(map[string]struct{})
	for _, action := range profile.Actions {
		if action.Feature != "" {
			seen[action.Feature] = struct{}{}
		}
	}
	for _, required := range profile.RequiredCapabilities {
		seen[required] = struct{}{}
	}
	features := make([]string, 0, len(seen))
	for feature := range seen {
		features = append(features, feature)
	}
	sort.Strings(features)
	return features
}
