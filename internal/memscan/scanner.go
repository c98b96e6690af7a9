// Package memscan enumerates a target process's committed virtual-memory
// regions and chunk-scans them for candidate values. It exists to generate
// fallback/calibration candidates for the signature tooling; nothing in this
// package ever commits a mutation.
package memscan

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/frostline-dev/sigil/api/schemas"
)

// chunkSize is the fixed read granularity. Reads never span a chunk except
// for the small straddle carry; a failed chunk read skips that chunk rather
// than aborting the whole scan.
const chunkSize = 64 * 1024

// straddleCarry extends each chunk read so a 4-byte value sitting across a
// chunk boundary is still seen exactly once.
const straddleCarry = 3

// errHitCapReached stops the worker group early once enough hits are
// collected. It never escapes Scan.
var errHitCapReached = errors.New("memscan: hit cap reached")

// Region is one entry of the target's virtual-memory map as reported by the
// platform querier.
type Region struct {
	Base      schemas.Address
	Size      uint64
	Committed bool
	Readable  bool
	Writable  bool
	Guard     bool
}

// scannable reports whether the region qualifies for scanning at all.
func (r Region) scannable(writableOnly bool) bool {
	if !r.Committed || !r.Readable || r.Guard || r.Size == 0 {
		return false
	}
	if writableOnly && !r.Writable {
		return false
	}
	return true
}

// RegionQuerier reports region metadata for an address. A query error
// terminates enumeration; it is how the platform says "past the end of the
// address space".
type RegionQuerier interface {
	QueryRegion(addr schemas.Address) (Region, error)
}

// Options tunes one scan call.
type Options struct {
	// WritableOnly restricts the scan to writable regions. Calibration for
	// mutable game state wants this; read-only data scans do not.
	WritableOnly bool
	// MaxHits caps the number of returned addresses. Zero means the
	// configured default.
	MaxHits int
}

// Config is the scanner's tuning knobs, loaded from the scanner section of
// the config file.
type Config struct {
	Concurrency     int     `mapstructure:"concurrency" yaml:"concurrency"`
	DefaultMaxHits  int     `mapstructure:"default_max_hits" yaml:"default_max_hits"`
	ChunksPerSecond float64 `mapstructure:"chunks_per_second" yaml:"chunks_per_second"`
}

// Scanner chunk-scans qualifying regions of one target process. It holds no
// process handle itself; the caller supplies a scoped reader per scan and
// owns its lifetime.
type Scanner struct {
	logger  *zap.Logger
	cfg     Config
	limiter *rate.Limiter
}

// New creates a Scanner.
func New(logger *zap.Logger, cfg Config) (*Scanner, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Concurrency <= 0 {
		return nil, errors.New("scanner concurrency must be a positive integer")
	}
	if cfg.DefaultMaxHits <= 0 {
		return nil, errors.New("scanner default_max_hits must be a positive integer")
	}

	// A zero rate disables throttling entirely.
	limit := rate.Inf
	if cfg.ChunksPerSecond > 0 {
		limit = rate.Limit(cfg.ChunksPerSecond)
	}

	return &Scanner{
		logger:  logger.Named("memscan"),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Regions walks the address space from zero, advancing by each region's
// reported size. Enumeration stops on the first query failure or on any
// failure to advance, which guards against a querier that reports a
// zero-size or wrapping region.
func (s *Scanner) Regions(ctx context.Context, querier RegionQuerier) ([]Region, error) {
	if querier == nil {
		return nil, errors.New("region querier cannot be nil")
	}

	var regions []Region
	var addr schemas.Address
	for {
		if err := ctx.Err(); err != nil {
			return regions, err
		}

		region, err := querier.QueryRegion(addr)
		if err != nil {
			// End of the queryable address space.
			return regions, nil
		}

		next := region.Base + schemas.Address(region.Size)
		if next <= addr {
			s.logger.Warn("Region enumeration failed to advance; stopping",
				zap.Uint64("addr", addr),
				zap.Uint64("region_base", region.Base),
				zap.Uint64("region_size", region.Size))
			return regions, nil
		}

		regions = append(regions, region)
		addr = next
	}
}

// ScanInt32 finds every address whose 4 bytes decode (little-endian,
// unaligned, step 1) to exactly target.
func (s *Scanner) ScanInt32(ctx context.Context, querier RegionQuerier, reader schemas.MemoryReader, target int32, opts Options) ([]schemas.Address, error) {
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], uint32(target))

	return s.scan(ctx, querier, reader, opts, func(chunk []byte, base schemas.Address, hits *[]schemas.Address) {
		for i := 0; i+4 <= len(chunk); i++ {
			if chunk[i] == want[0] && chunk[i+1] == want[1] && chunk[i+2] == want[2] && chunk[i+3] == want[3] {
				*hits = append(*hits, base+schemas.Address(i))
			}
		}
	})
}

// ScanFloat32 finds every 4-aligned address whose bytes decode to a finite
// float32 within tolerance of target. Alignment and the finiteness filter
// keep the candidate list from drowning in garbage bit patterns.
func (s *Scanner) ScanFloat32(ctx context.Context, querier RegionQuerier, reader schemas.MemoryReader, target float32, tolerance float32, opts Options) ([]schemas.Address, error) {
	if tolerance < 0 {
		return nil, errors.New("tolerance must be non-negative")
	}

	t := float64(target)
	tol := float64(tolerance)
	return s.scan(ctx, querier, reader, opts, func(chunk []byte, base schemas.Address, hits *[]schemas.Address) {
		// Step from the first 4-aligned absolute address in the chunk.
		start := 0
		if rem := int(base % 4); rem != 0 {
			start = 4 - rem
		}
		for i := start; i+4 <= len(chunk); i += 4 {
			bits := binary.LittleEndian.Uint32(chunk[i : i+4])
			v := float64(math.Float32frombits(bits))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if math.Abs(v-t) <= tol {
				*hits = append(*hits, base+schemas.Address(i))
			}
		}
	})
}

// scan runs the shared region/chunk walk. Each qualifying region is scanned
// by a bounded worker group; hits are merged, sorted, and capped. The
// matcher sees each chunk (plus straddle carry) exactly once.
func (s *Scanner) scan(ctx context.Context, querier RegionQuerier, reader schemas.MemoryReader, opts Options, match func(chunk []byte, base schemas.Address, hits *[]schemas.Address)) ([]schemas.Address, error) {
	if reader == nil {
		return nil, errors.New("memory reader cannot be nil")
	}

	regions, err := s.Regions(ctx, querier)
	if err != nil {
		return nil, err
	}

	maxHits := opts.MaxHits
	if maxHits <= 0 {
		maxHits = s.cfg.DefaultMaxHits
	}

	var (
		mu   sync.Mutex
		hits []schemas.Address
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, region := range regions {
		if !region.scannable(opts.WritableOnly) {
			continue
		}
		region := region
		g.Go(func() error {
			local, err := s.scanRegion(gctx, reader, region, match)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			hits = append(hits, local...)
			if len(hits) >= maxHits {
				// Enough candidates; stop the remaining workers.
				return errHitCapReached
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errHitCapReached) {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
	if len(hits) > maxHits {
		hits = hits[:maxHits]
	}
	return hits, nil
}

// scanRegion walks one region in fixed chunks. Cancellation is cooperative:
// checked between chunk reads, never mid-chunk. A failed chunk read skips
// that chunk; partially unreadable regions are common and not an error.
func (s *Scanner) scanRegion(ctx context.Context, reader schemas.MemoryReader, region Region, match func(chunk []byte, base schemas.Address, hits *[]schemas.Address)) ([]schemas.Address, error) {
	var hits []schemas.Address
	buf := make([]byte, chunkSize+straddleCarry)

	end := region.Base + schemas.Address(region.Size)
	for base := region.Base; base < end; base += chunkSize {
		if err := ctx.Err(); err != nil {
			return hits, err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return hits, err
		}

		want := uint64(chunkSize + straddleCarry)
		if remaining := uint64(end - base); remaining < want {
			want = remaining
		}

		n, err := reader.ReadMemory(base, buf[:want])
		if err != nil && n == 0 {
			s.logger.Debug("Skipping unreadable chunk",
				zap.Uint64("base", base),
				zap.Error(err))
			continue
		}

		match(buf[:n], base, &hits)
	}
	return hits, nil
}
