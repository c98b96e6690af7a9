// Package hostproc provides the procfs-backed implementations of the process
// collaborator interfaces: locating a target by name, opening scoped memory
// handles, snapshotting module images, querying memory regions, and
// fingerprinting the main binary. Everything reads through a configurable
// procfs root so tests can run against a synthetic tree.
package hostproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// Host is the factory for procfs-backed collaborators.
type Host struct {
	logger *zap.Logger
	root   string
}

// New creates a Host over the real /proc.
func New(logger *zap.Logger) (*Host, error) {
	return NewWithRoot(logger, "/proc")
}

// NewWithRoot creates a Host over an alternate procfs root. Tests use this
// with a synthetic tree.
func NewWithRoot(logger *zap.Logger, root string) (*Host, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if root == "" {
		return nil, errors.New("procfs root cannot be empty")
	}
	return &Host{logger: logger.Named("hostproc"), root: root}, nil
}

func (h *Host) pidPath(pid int, parts ...string) string {
	return filepath.Join(append([]string{h.root, fmt.Sprintf("%d", pid)}, parts...)...)
}

// Opener returns the scoped-handle opener for this host.
func (h *Host) Opener() schemas.ProcessOpener {
	return &opener{host: h}
}

type opener struct {
	host *Host
}

// Open acquires a read/write handle to the process's memory file. The caller
// owns the handle and must close it; nothing is cached.
func (o *opener) Open(_ context.Context, pid int) (schemas.ProcessHandle, error) {
	f, err := os.OpenFile(o.host.pidPath(pid, "mem"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening memory of pid %d: %w", pid, err)
	}
	return &memHandle{f: f}, nil
}

// memHandle reads and writes process memory through the procfs mem file.
// Addresses map directly to file offsets.
type memHandle struct {
	f *os.File
}

func (m *memHandle) ReadMemory(addr schemas.Address, buf []byte) (int, error) {
	n, err := m.f.ReadAt(buf, int64(addr))
	if err != nil {
		return n, fmt.Errorf("reading %d bytes at %#x: %w", len(buf), addr, err)
	}
	return n, nil
}

func (m *memHandle) WriteMemory(addr schemas.Address, data []byte) (int, error) {
	n, err := m.f.WriteAt(data, int64(addr))
	if err != nil {
		return n, fmt.Errorf("writing %d bytes at %#x: %w", len(data), addr, err)
	}
	return n, nil
}

func (m *memHandle) Close() error {
	return m.f.Close()
}
