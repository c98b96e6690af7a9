// Package schemas defines the shared data model of the sigil engine: the
// types exchanged between the runtime adapter, the resolvers, the backends,
// and the external collaborators (process locator, profile repository,
// fingerprinting service). Keeping these in one leaf package lets every
// internal component depend on the model without depending on each other.
package schemas

import (
	"time"
)

// -- Addressing --

// Address is a virtual address inside the target process. It is a uint64
// rather than uintptr so that a 32-bit build of sigil can still address the
// full space of a 64-bit target.
type Address = uint64

// AddressNotFound is the sentinel returned by pattern searches that did not
// match anywhere in the haystack.
const AddressNotFound Address = 0

// AddressMode selects how the final symbol address is derived from a
// signature hit.
type AddressMode string

const (
	// AddrHitPlusOffset resolves to the hit address plus the literal offset.
	AddrHitPlusOffset AddressMode = "hit_plus_offset"
	// AddrReadAbsolute32 reads a 4-byte absolute pointer stored `offset`
	// bytes past the hit and resolves to that pointer value.
	AddrReadAbsolute32 AddressMode = "read_absolute32_at_offset"
	// AddrReadRipRelative32 reads a 4-byte signed displacement `offset`
	// bytes past the hit and adds it to the address immediately following
	// the displacement field (x86-64 RIP-relative addressing).
	AddrReadRipRelative32 AddressMode = "read_rip_relative32_at_offset"
)

// AddressSource records how a symbol's address was obtained. Downstream
// reliability scoring keys off this: a Fallback address is usable but must
// never masquerade as a signature hit.
type AddressSource string

const (
	SourceSignature AddressSource = "signature"
	SourceFallback  AddressSource = "fallback"
	SourceNone      AddressSource = "none"
)

// SymbolHealth is the coarse health label attached to a resolved symbol.
type SymbolHealth string

const (
	HealthHealthy    SymbolHealth = "healthy"
	HealthDegraded   SymbolHealth = "degraded"
	HealthUnresolved SymbolHealth = "unresolved"
)

// ValueType is the interpretation of the bytes at a symbol's address.
type ValueType string

const (
	ValueInt32   ValueType = "int32"
	ValueFloat32 ValueType = "float32"
	ValueBytes   ValueType = "bytes"
)

// -- Signatures --

// SignatureSpec describes one named byte-pattern lookup: where to scan, what
// to scan for, and how to turn a hit into a final address. The Pattern string
// uses two-digit hex tokens separated by spaces, with "??" as the wildcard
// (e.g. "8B 0D ?? ?? ?? ?? 85 C9").
type SignatureSpec struct {
	Name      string       `json:"name" mapstructure:"name"`
	Pattern   string       `json:"pattern" mapstructure:"pattern"`
	Offset    int          `json:"offset" mapstructure:"offset"`
	Mode      AddressMode  `json:"mode" mapstructure:"mode"`
	Module    string       `json:"module,omitempty" mapstructure:"module"`
	ValueType ValueType    `json:"value_type" mapstructure:"value_type"`
	Critical  bool         `json:"critical,omitempty" mapstructure:"critical"`
	Sanity    *SanityRange `json:"sanity,omitempty" mapstructure:"sanity"`
}

// SanityRange is the inclusive value range a symbol's current value must fall
// in before a write is allowed to proceed. A value outside the range is
// treated as evidence that the resolved address is stale.
type SanityRange struct {
	Min float64 `json:"min" mapstructure:"min"`
	Max float64 `json:"max" mapstructure:"max"`
}

// Contains reports whether v falls inside the range.
func (r SanityRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// SignatureSet groups the signature specs for one game-build label. Sets are
// consulted in declared order; an empty BuildLabel matches any build.
type SignatureSet struct {
	BuildLabel string          `json:"build_label,omitempty" mapstructure:"build_label"`
	Specs      []SignatureSpec `json:"specs" mapstructure:"specs"`
}

// -- Symbols --

// SymbolInfo is the resolved view of one named symbol for the lifetime of an
// attach session.
//
// Invariant: Source == SourceNone means Address is meaningless and any
// execute against the symbol fails with SYMBOL_UNRESOLVED.
type SymbolInfo struct {
	Name          string        `json:"name"`
	Address       Address       `json:"address"`
	ValueType     ValueType     `json:"value_type"`
	Source        AddressSource `json:"source"`
	Confidence    float64       `json:"confidence"`
	Health        SymbolHealth  `json:"health"`
	LastValidated time.Time     `json:"last_validated"`
	Critical      bool          `json:"critical,omitempty"`
	Sanity        *SanityRange  `json:"sanity,omitempty"`
}

// Resolved reports whether the symbol carries a usable address.
func (s SymbolInfo) Resolved() bool {
	return s.Source == SourceSignature || s.Source == SourceFallback
}

// SymbolMap is the immutable name -> SymbolInfo table built once per attach.
// A re-attach produces a fresh map; nothing ever mutates an existing one, so
// it is safe to share across goroutines without locking.
type SymbolMap struct {
	symbols map[string]SymbolInfo
}

// NewSymbolMap copies the given symbols into a new immutable map.
func NewSymbolMap(symbols map[string]SymbolInfo) *SymbolMap {
	copied := make(map[string]SymbolInfo, len(symbols))
	for name, info := range symbols {
		copied[name] = info
	}
	return &SymbolMap{symbols: copied}
}

// Lookup returns the symbol info for name and whether the name is known.
func (m *SymbolMap) Lookup(name string) (SymbolInfo, bool) {
	if m == nil {
		return SymbolInfo{}, false
	}
	info, ok := m.symbols[name]
	return info, ok
}

// ResolvedNames returns the names of all symbols with a usable address, in
// no particular order.
func (m *SymbolMap) ResolvedNames() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.symbols))
	for name, info := range m.symbols {
		if info.Resolved() {
			names = append(names, name)
		}
	}
	return names
}

// Snapshot returns a copy of the full name -> info table, for reporting.
func (m *SymbolMap) Snapshot() map[string]SymbolInfo {
	if m == nil {
		return nil
	}
	copied := make(map[string]SymbolInfo, len(m.symbols))
	for name, info := range m.symbols {
		copied[name] = info
	}
	return copied
}

// Len returns the total number of symbols in the map, resolved or not.
func (m *SymbolMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.symbols)
}

// WithSymbol returns a copy of the map with one symbol replaced. The receiver
// is left untouched; this is the only sanctioned way to "update" a symbol
// (used by the critical-write re-resolution path).
func (m *SymbolMap) WithSymbol(info SymbolInfo) *SymbolMap {
	copied := make(map[string]SymbolInfo, m.Len()+1)
	if m != nil {
		for name, existing := range m.symbols {
			copied[name] = existing
		}
	}
	copied[info.Name] = info
	return &SymbolMap{symbols: copied}
}

// -- Process identity --

// HostRole distinguishes the launcher shell from the actual game host. Some
// mutation strategies are only meaningful against the game host; routing a
// hook install into the launcher corrupts nothing but accomplishes nothing.
type HostRole string

const (
	HostRoleUnknown  HostRole = "unknown"
	HostRoleLauncher HostRole = "launcher"
	HostRoleGameHost HostRole = "game_host"
)

// ProcessMetadata is what the (external) process locator hands us about the
// target: enough to open handles, fingerprint the module, and decide routing.
type ProcessMetadata struct {
	PID         int      `json:"pid"`
	Path        string   `json:"path"`
	CommandLine string   `json:"command_line"`
	HostRole    HostRole `json:"host_role"`
	MainModule  string   `json:"main_module"`
	ModuleBase  Address  `json:"module_base"`
	ModuleSize  uint64   `json:"module_size"`
}

// BinaryFingerprint is the deterministic identity of an attached module.
// Immutable once captured; a changed fingerprint invalidates every cached
// capability decision keyed by it.
type BinaryFingerprint struct {
	ID            string    `json:"id"`
	ModuleName    string    `json:"module_name"`
	Version       string    `json:"version"`
	FileVersion   string    `json:"file_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	LoadedModules []string  `json:"loaded_modules,omitempty"`
}

// -- Profiles --

// BackendPreference pins, or declines to pin, a mutation strategy.
type BackendPreference string

const (
	PreferAuto   BackendPreference = "auto"
	PreferMemory BackendPreference = "memory"
	PreferBridge BackendPreference = "bridge"
	PreferHelper BackendPreference = "helper"
	PreferSave   BackendPreference = "save"
)

// HostPreference declares which process the profile's actions must run
// against.
type HostPreference string

const (
	HostAny          HostPreference = "any"
	HostGameHostOnly HostPreference = "game_host"
)

// TrainerProfile is the loaded profile document for one game/mod variant.
// Loading and schema validation are owned by the (external) profile
// repository; this engine only consumes the validated result.
type TrainerProfile struct {
	ID                   string            `json:"id"`
	GameBuild            string            `json:"game_build"`
	SignatureSets        []SignatureSet    `json:"signature_sets"`
	FallbackOffsets      map[string]uint64 `json:"fallback_offsets,omitempty"`
	Actions              []ActionSpec      `json:"actions"`
	BackendPreference    BackendPreference `json:"backend_preference"`
	HostPreference       HostPreference    `json:"host_preference"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
}

// Action returns the action spec with the given id, if declared.
func (p TrainerProfile) Action(id string) (ActionSpec, bool) {
	for _, a := range p.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// -- Sessions --

// AttachSession binds one profile to one live process for the duration of an
// attach. Created only by a successful Attach, cleared by Detach; at most one
// live session per adapter instance.
type AttachSession struct {
	ID          string            `json:"id"`
	ProfileID   string            `json:"profile_id"`
	Process     ProcessMetadata   `json:"process"`
	Fingerprint BinaryFingerprint `json:"fingerprint"`
	Symbols     *SymbolMap        `json:"-"`
	AttachedAt  time.Time         `json:"attached_at"`
}
