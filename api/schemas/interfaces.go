package schemas

import (
	"context"
	"io"
)

// -- External collaborator interfaces --
//
// Process discovery, profile loading, fingerprinting, and the save/patch-pack
// subsystem are out of scope for this engine. They are consumed strictly
// through the interfaces below, which keeps the whole engine testable against
// in-memory fakes.

// ProcessLocator finds the target process for a profile. Implementations own
// the policy of launcher-vs-game-host detection and expose the verdict in
// ProcessMetadata.HostRole.
type ProcessLocator interface {
	// Locate resolves the process a profile should attach to.
	Locate(ctx context.Context, profile TrainerProfile) (ProcessMetadata, error)
}

// ProfileRepository loads and validates trainer profiles. A profile returned
// from Load is schema-valid by contract.
type ProfileRepository interface {
	// Load fetches the profile with the given id.
	Load(ctx context.Context, profileID string) (TrainerProfile, error)
}

// Fingerprinter captures the deterministic identity of the attached module.
type Fingerprinter interface {
	// Fingerprint hashes and describes the main module of the process.
	Fingerprint(ctx context.Context, proc ProcessMetadata) (BinaryFingerprint, error)
}

// -- Process memory access --

// MemoryReader reads from the target process's address space. Like
// io.ReaderAt, but the offset is an Address so all of 64-bit memory is
// reachable.
type MemoryReader interface {
	// ReadMemory fills buf from addr and returns the bytes read. A short
	// read without an error is not possible; partial failures return the
	// count alongside the error.
	ReadMemory(addr Address, buf []byte) (int, error)
}

// MemoryWriter writes into the target process's address space.
type MemoryWriter interface {
	// WriteMemory copies data to addr and returns the bytes written.
	WriteMemory(addr Address, data []byte) (int, error)
}

// ProcessHandle is a scoped OS handle to the target. Handles are opened for
// a single scan or a single resolve/read/write call and must be closed on
// every exit path; they are never cached across calls.
type ProcessHandle interface {
	MemoryReader
	MemoryWriter
	io.Closer
}

// ProcessOpener opens a scoped handle to a live process.
type ProcessOpener interface {
	// Open acquires a handle to pid. The caller owns the handle and must
	// close it before returning.
	Open(ctx context.Context, pid int) (ProcessHandle, error)
}

// ModuleImager captures an in-memory snapshot of a loaded module, used by
// the signature resolver as its haystack.
type ModuleImager interface {
	// ModuleImage returns the module's load base and a copy of its mapped
	// bytes.
	ModuleImage(ctx context.Context, proc ProcessMetadata, module string) (Address, []byte, error)
}

// -- Capability persistence --

// CapabilityMapStore loads persisted capability maps keyed by fingerprint
// id. A missing map is a normal condition, reported via ok=false rather
// than an error.
type CapabilityMapStore interface {
	// Load returns the capability map for the fingerprint, if one exists.
	Load(ctx context.Context, fingerprintID string) (CapabilityMap, bool, error)
}

// -- Audit & telemetry consumers --

// AuditSink receives every execution result and route decision the adapter
// produces. Implementations must not block the execute path for long; the
// adapter treats sink errors as log-and-continue.
type AuditSink interface {
	// RecordExecution persists one action execution outcome.
	RecordExecution(ctx context.Context, session AttachSession, result ActionExecutionResult) error
	// RecordRoute persists one backend routing decision.
	RecordRoute(ctx context.Context, session AttachSession, featureID string, decision BackendRouteDecision) error
}

// TelemetryCounter is the minimal counter surface the adapter emits into.
type TelemetryCounter interface {
	// Inc increments the named counter by one.
	Inc(name string)
}
