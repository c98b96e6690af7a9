// Package sigresolve turns named signature specs plus fallback offsets into
// a confidence-scored symbol table for an attached module.
//
// Signatures track code identity, so they survive minor rebuilds even when
// absolute addresses shift. Static fallback offsets are a known-weaker last
// resort; they resolve with visibly lower confidence so downstream
// reliability scoring can disable risky actions instead of silently trusting
// a stale address. A symbol resolvable neither way is recorded as unresolved,
// which is non-fatal: the rest of the profile stays usable.
package sigresolve

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/patterns"
)

// Confidence levels by address source. A signature hit from a set whose
// build label matches exactly scores higher than one from a catch-all set;
// both stay well above fallback so source ordering survives any downstream
// thresholding.
const (
	confidenceExactBuild = 0.95
	confidenceAnyBuild   = 0.90
	confidenceFallback   = 0.50
)

// Input carries everything one resolution pass needs: the profile's ordered
// signature sets, its fallback table, and the attached module's identity.
type Input struct {
	BuildLabel      string
	Sets            []schemas.SignatureSet
	FallbackOffsets map[string]uint64
	ModuleBase      schemas.Address
	Image           []byte
}

// Resolver builds symbol maps. It is stateless between calls; every attach
// gets a fresh map and no call ever mutates a previously returned one.
type Resolver struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Resolver.
func New(logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Resolver{
		logger: logger.Named("sigresolve"),
		now:    time.Now,
	}, nil
}

// Resolve produces the symbol map for one attach: every symbol named by any
// label-matching signature set or by the fallback table appears in the map,
// resolved or not.
func (r *Resolver) Resolve(input Input) (*schemas.SymbolMap, error) {
	if len(input.Image) == 0 {
		return nil, errors.New("module image is empty")
	}

	symbols := make(map[string]schemas.SymbolInfo)
	for _, name := range r.symbolUniverse(input) {
		symbols[name] = r.resolveOne(input, name)
	}

	resolved := 0
	for _, info := range symbols {
		if info.Resolved() {
			resolved++
		}
	}
	r.logger.Info("Symbol resolution complete",
		zap.String("build_label", input.BuildLabel),
		zap.Int("total", len(symbols)),
		zap.Int("resolved", resolved))

	return schemas.NewSymbolMap(symbols), nil
}

// ResolveSymbol re-resolves a single symbol against a fresh module image.
// The critical-write retry path uses this after a sanity or readback failure
// to detect an address shifted by an unnoticed game patch.
func (r *Resolver) ResolveSymbol(input Input, name string) (schemas.SymbolInfo, error) {
	if len(input.Image) == 0 {
		return schemas.SymbolInfo{}, errors.New("module image is empty")
	}
	return r.resolveOne(input, name), nil
}

// symbolUniverse collects every symbol name the input can possibly resolve,
// sorted for deterministic logging.
func (r *Resolver) symbolUniverse(input Input) []string {
	seen := make(map[string]struct{})
	for _, set := range input.Sets {
		if !buildMatches(set.BuildLabel, input.BuildLabel) {
			continue
		}
		for _, spec := range set.Specs {
			seen[spec.Name] = struct{}{}
		}
	}
	for name := range input.FallbackOffsets {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) resolveOne(input Input, name string) schemas.SymbolInfo {
	info := schemas.SymbolInfo{
		Name:      name,
		ValueType: schemas.ValueBytes,
		Source:    schemas.SourceNone,
		Health:    schemas.HealthUnresolved,
	}

	// Signature sets are consulted in declared order; the first hit wins.
	// A set whose pattern misses does not veto later sets: profiles stack
	// sets from newest build to oldest exactly so older signatures can
	// still catch a feature the newest set lost.
	for _, set := range input.Sets {
		if !buildMatches(set.BuildLabel, input.BuildLabel) {
			continue
		}
		spec, ok := findSpec(set, name)
		if !ok {
			continue
		}

		// Remember the spec's metadata even if this set misses, so a
		// fallback-resolved symbol still knows its type and sanity rule.
		info.ValueType = spec.ValueType
		info.Critical = spec.Critical
		info.Sanity = spec.Sanity

		addr, ok := r.matchSpec(input, spec)
		if !ok {
			continue
		}

		info.Address = addr
		info.Source = schemas.SourceSignature
		info.Health = schemas.HealthHealthy
		info.LastValidated = r.now()
		if set.BuildLabel == input.BuildLabel && set.BuildLabel != "" {
			info.Confidence = confidenceExactBuild
		} else {
			info.Confidence = confidenceAnyBuild
		}
		return info
	}

	if offset, ok := input.FallbackOffsets[name]; ok {
		info.Address = input.ModuleBase + schemas.Address(offset)
		info.Source = schemas.SourceFallback
		info.Confidence = confidenceFallback
		info.Health = schemas.HealthDegraded
		info.LastValidated = r.now()
		r.logger.Warn("Symbol resolved via fallback offset",
			zap.String("symbol", name),
			zap.Uint64("address", info.Address))
		return info
	}

	r.logger.Warn("Symbol unresolved", zap.String("symbol", name))
	return info
}

// matchSpec runs one spec's pattern over the module image and decodes the
// final address per the spec's address mode. Any decode that would read past
// the image is treated as a miss, not an error.
func (r *Resolver) matchSpec(input Input, spec schemas.SignatureSpec) (schemas.Address, bool) {
	pattern, err := patterns.Parse(spec.Pattern)
	if err != nil {
		r.logger.Error("Malformed signature pattern",
			zap.String("symbol", spec.Name),
			zap.String("pattern", spec.Pattern),
			zap.Error(err))
		return 0, false
	}

	hit := patterns.Find(input.Image, input.ModuleBase, pattern)
	if hit == schemas.AddressNotFound {
		return 0, false
	}

	switch spec.Mode {
	case schemas.AddrHitPlusOffset:
		return hit + schemas.Address(spec.Offset), true

	case schemas.AddrReadAbsolute32:
		ptr, ok := r.readImageU32(input, hit+schemas.Address(spec.Offset))
		if !ok {
			return 0, false
		}
		return schemas.Address(ptr), true

	case schemas.AddrReadRipRelative32:
		field := hit + schemas.Address(spec.Offset)
		disp, ok := r.readImageU32(input, field)
		if !ok {
			return 0, false
		}
		// The displacement is relative to the address immediately after
		// the 4-byte displacement field.
		next := field + 4
		return next + schemas.Address(uint64(int64(int32(disp)))), true

	default:
		r.logger.Error("Unknown address mode",
			zap.String("symbol", spec.Name),
			zap.String("mode", string(spec.Mode)))
		return 0, false
	}
}

// readImageU32 reads a little-endian uint32 at an absolute address that must
// fall inside the captured module image.
func (r *Resolver) readImageU32(input Input, addr schemas.Address) (uint32, bool) {
	if addr < input.ModuleBase {
		return 0, false
	}
	off := addr - input.ModuleBase
	if off+4 > schemas.Address(len(input.Image)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(input.Image[off : off+4]), true
}

// buildMatches reports whether a set's build label applies to the attached
// build. An empty set label is a catch-all.
func buildMatches(setLabel, buildLabel string) bool {
	return setLabel == "" || setLabel == buildLabel
}

func findSpec(set schemas.SignatureSet, name string) (schemas.SignatureSpec, bool) {
	for _, spec := range set.Specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return schemas.SignatureSpec{}, false
}
