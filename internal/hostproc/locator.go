package hostproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// Locator finds a target process by executable name. Which process name a
// profile maps to, and whether that process is the launcher shell or the
// actual game host, is deployment policy the operator supplies.
type Locator struct {
	host        *Host
	processName string
	role        schemas.HostRole
}

// Locator builds a process locator matching the given executable name and
// reporting the given host role.
func (h *Host) Locator(processName string, role schemas.HostRole) *Locator {
	if role == "" {
		role = schemas.HostRoleUnknown
	}
	return &Locator{host: h, processName: processName, role: role}
}

// Locate scans the procfs tree for the lowest-pid process whose executable
// matches the configured name.
func (l *Locator) Locate(_ context.Context, _ schemas.TrainerProfile) (schemas.ProcessMetadata, error) {
	if l.processName == "" {
		return schemas.ProcessMetadata{}, fmt.Errorf("no process name configured")
	}

	entries, err := os.ReadDir(l.host.root)
	if err != nil {
		return schemas.ProcessMetadata{}, fmt.Errorf("reading procfs root: %w", err)
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	for _, pid := range pids {
		path, cmdline, ok := l.host.processIdentity(pid)
		if !ok || filepath.Base(path) != l.processName {
			continue
		}

		meta := schemas.ProcessMetadata{
			PID:         pid,
			Path:        path,
			CommandLine: cmdline,
			HostRole:    l.role,
			MainModule:  filepath.Base(path),
		}
		if mappings, err := l.host.readMaps(pid); err == nil {
			for _, m := range mappings {
				if m.path != "" && filepath.Base(m.path) == meta.MainModule {
					meta.ModuleBase = m.start
					meta.ModuleSize = m.end - m.start
					break
				}
			}
		}

		l.host.logger.Info("Located target process",
			zap.String("name", l.processName),
			zap.Int("pid", pid),
			zap.String("role", string(l.role)))
		return meta, nil
	}
	return schemas.ProcessMetadata{}, fmt.Errorf("no process named %q found", l.processName)
}

// processIdentity resolves the executable path and command line for a pid.
func (h *Host) processIdentity(pid int) (path, cmdline string, ok bool) {
	path, err := os.Readlink(h.pidPath(pid, "exe"))
	if err != nil {
		return "", "", false
	}
	raw, err := os.ReadFile(h.pidPath(pid, "cmdline"))
	if err == nil {
		cmdline = strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " ")
	}
	return path, cmdline, true
}

// Fingerprinter returns the binary fingerprinter for this host.
func (h *Host) Fingerprinter() schemas.Fingerprinter {
	return &fingerprinter{host: h}
}

type fingerprinter struct {
	host *Host
}

// Fingerprint hashes the process's executable. The same binary always yields
// the same id, which is what keys the capability maps.
func (f *fingerprinter) Fingerprint(_ context.Context, proc schemas.ProcessMetadata) (schemas.BinaryFingerprint, error) {
	exe, err := os.Open(f.host.pidPath(proc.PID, "exe"))
	if err != nil {
		return schemas.BinaryFingerprint{}, fmt.Errorf("opening executable of pid %d: %w", proc.PID, err)
	}
	defer exe.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, exe); err != nil {
		return schemas.BinaryFingerprint{}, fmt.Errorf("hashing executable of pid %d: %w", proc.PID, err)
	}

	fp := schemas.BinaryFingerprint{
		ID:         hex.EncodeToString(hash.Sum(nil)[:16]),
		ModuleName: proc.MainModule,
		Timestamp:  time.Now().UTC(),
	}
	if info, err := exe.Stat(); err == nil {
		fp.Version = info.ModTime().UTC().Format("20060102-150405")
	}
	if mappings, err := f.host.readMaps(proc.PID); err == nil {
		fp.LoadedModules = loadedModules(mappings)
	}
	return fp, nil
}

// loadedModules lists the distinct file-backed modules in a memory map.
func loadedModules(mappings []mapping) []string {
	seen := make(map[string]struct{})
	for _, m := range mappings {
		if m.path == "" || strings.HasPrefix(m.path, "[") {
			continue
		}
		seen[filepath.Base(m.path)] = struct{}{}
	}
	modules := make([]string, 0, len(seen))
	for name := range seen {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	return modules
}
