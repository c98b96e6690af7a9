package hostproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/memscan"
)

// maxImageSize caps a module snapshot. A main module larger than this is
// almost certainly a parse error, not a game binary.
const maxImageSize = 512 << 20

// mapping is one parsed line of the procfs maps file.
type mapping struct {
	start schemas.Address
	end   schemas.Address
	perms string
	path  string
}

func (m mapping) readable() bool { return strings.HasPrefix(m.perms, "r") }
func (m mapping) writable() bool { return len(m.perms) > 1 && m.perms[1] == 'w' }

// parseMaps reads a procfs maps listing. Lines it cannot parse are skipped;
// a maps file is the kernel's output, but defensive parsing costs nothing
// here and a single garbled line must not sink the whole snapshot.
func parseMaps(r io.Reader) ([]mapping, error) {
	var out []mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		span := strings.SplitN(fields[0], "-", 2)
		if len(span) != 2 {
			continue
		}
		start, err := strconv.ParseUint(span[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(span[1], 16, 64)
		if err != nil || end <= start {
			continue
		}
		m := mapping{start: start, end: end, perms: fields[1]}
		if len(fields) >= 6 {
			m.path = fields[5]
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading maps: %w", err)
	}
	return out, nil
}

func (h *Host) readMaps(pid int) ([]mapping, error) {
	f, err := os.Open(h.pidPath(pid, "maps"))
	if err != nil {
		return nil, fmt.Errorf("opening maps of pid %d: %w", pid, err)
	}
	defer f.Close()
	return parseMaps(f)
}

// Querier snapshots the process's memory map once and serves region queries
// from that snapshot. A scan works against one consistent view; re-snapshot
// by constructing a new Querier.
type Querier struct {
	mappings []mapping
}

// Querier builds a region querier for the pid from the current maps file.
func (h *Host) Querier(pid int) (*Querier, error) {
	mappings, err := h.readMaps(pid)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("pid %d has an empty memory map", pid)
	}
	return &Querier{mappings: mappings}, nil
}

var errNoMoreRegions = errors.New("no region at or above address")

// QueryRegion returns the region covering addr, or the next one above it.
// The error return signals the end of the address space to the scanner.
func (q *Querier) QueryRegion(addr schemas.Address) (memscan.Region, error) {
	for _, m := range q.mappings {
		if m.end <= addr {
			continue
		}
		return memscan.Region{
			Base:      m.start,
			Size:      m.end - m.start,
			Committed: true,
			Readable:  m.readable(),
			Writable:  m.writable(),
		}, nil
	}
	return memscan.Region{}, errNoMoreRegions
}

// Imager returns the module snapshotter for this host.
func (h *Host) Imager() schemas.ModuleImager {
	return &imager{host: h}
}

type imager struct {
	host *Host
}

// ModuleImage snapshots every mapping backed by the named module into one
// contiguous byte image. Unreadable stretches stay zeroed; the signature
// resolver treats zeros like any other non-matching bytes.
func (im *imager) ModuleImage(ctx context.Context, proc schemas.ProcessMetadata, module string) (schemas.Address, []byte, error) {
	mappings, err := im.host.readMaps(proc.PID)
	if err != nil {
		return 0, nil, err
	}

	var span []mapping
	for _, m := range mappings {
		if m.path != "" && filepath.Base(m.path) == module {
			span = append(span, m)
		}
	}
	if len(span) == 0 {
		return 0, nil, fmt.Errorf("module %q is not mapped in pid %d", module, proc.PID)
	}

	base := span[0].start
	end := span[len(span)-1].end
	size := end - base
	if size > maxImageSize {
		return 0, nil, fmt.Errorf("module %q spans %d bytes, refusing to snapshot", module, size)
	}

	handle, err := im.host.Opener().Open(ctx, proc.PID)
	if err != nil {
		return 0, nil, err
	}
	defer handle.Close()

	image := make([]byte, size)
	for _, m := range span {
		if !m.readable() {
			continue
		}
		// A partially readable mapping still contributes what it has.
		_, _ = handle.ReadMemory(m.start, image[m.start-base:m.end-base])
	}
	return base, image, nil
}
