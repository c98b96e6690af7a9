// Package profiles loads trainer profiles from disk and validates them
// before anything downstream sees them. A profile returned from Load is
// schema-valid by contract: every signature pattern parses, every action
// references a declared execution kind, and the preference enums hold
// known values.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/patterns"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileRepository loads profiles from a directory of JSON documents, one per
// profile, named "<profile-id>.json".
type FileRepository struct {
	logger *zap.Logger
	dir    string
}

// NewFileRepository creates a FileRepository rooted at dir.
func NewFileRepository(logger *zap.Logger, dir string) (*FileRepository, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if dir == "" {
		return nil, errors.New("profile directory cannot be empty")
	}
	return &FileRepository{
		logger: logger.Named("profiles"),
		dir:    dir,
	}, nil
}

// Load implements schemas.ProfileRepository.
func (r *FileRepository) Load(ctx context.Context, profileID string) (schemas.TrainerProfile, error) {
	if err := ctx.Err(); err != nil {
		return schemas.TrainerProfile{}, err
	}
	if profileID == "" || profileID != filepath.Base(profileID) || strings.ContainsAny(profileID, "/\\") {
		return schemas.TrainerProfile{}, fmt.Errorf("invalid profile id %q", profileID)
	}

	path := filepath.Join(r.dir, profileID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return schemas.TrainerProfile{}, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var profile schemas.TrainerProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return schemas.TrainerProfile{}, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if profile.ID != profileID {
		return schemas.TrainerProfile{}, fmt.Errorf("profile %s declares id %q, expected %q", path, profile.ID, profileID)
	}
	if err := Validate(profile); err != nil {
		return schemas.TrainerProfile{}, fmt.Errorf("profile %s: %w", path, err)
	}

	r.logger.Debug("Loaded trainer profile",
		zap.String("profile", profile.ID),
		zap.String("build", profile.GameBuild),
		zap.Int("actions", len(profile.Actions)))
	return profile, nil
}

// List returns the ids of every profile document in the directory, sorted.
// It does not validate them; a listed profile can still fail Load.
func (r *FileRepository) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory %s: %w", r.dir, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Validate checks the structural invariants a profile must satisfy before
// the engine will attach with it.
func Validate(profile schemas.TrainerProfile) error {
	if profile.ID == "" {
		return errors.New("profile id cannot be empty")
	}
	if profile.GameBuild == "" {
		return errors.New("game_build cannot be empty")
	}

	declared := make(map[string]bool)
	for si, set := range profile.SignatureSets {
		for pi, spec := range set.Specs {
			where := fmt.Sprintf("signature set %d spec %d", si, pi)
			if spec.Name == "" {
				return fmt.Errorf("%s: name cannot be empty", where)
			}
			if _, err := patterns.Parse(spec.Pattern); err != nil {
				return fmt.Errorf("%s (%s): %w", where, spec.Name, err)
			}
			switch spec.Mode {
			case schemas.AddrHitPlusOffset, schemas.AddrReadAbsolute32, schemas.AddrReadRipRelative32:
			default:
				return fmt.Errorf("%s (%s): unknown address mode %q", where, spec.Name, spec.Mode)
			}
			switch spec.ValueType {
			case schemas.ValueInt32, schemas.ValueFloat32, schemas.ValueBytes:
			default:
				return fmt.Errorf("%s (%s): unknown value type %q", where, spec.Name, spec.ValueType)
			}
			if spec.Sanity != nil && spec.Sanity.Min > spec.Sanity.Max {
				return fmt.Errorf("%s (%s): sanity range min %v exceeds max %v", where, spec.Name, spec.Sanity.Min, spec.Sanity.Max)
			}
			declared[spec.Name] = true
		}
	}
	for name := range profile.FallbackOffsets {
		declared[name] = true
	}

	if len(profile.Actions) == 0 {
		return errors.New("profile declares no actions")
	}
	seen := make(map[string]bool, len(profile.Actions))
	for _, action := range profile.Actions {
		if action.ID == "" {
			return errors.New("action id cannot be empty")
		}
		if seen[action.ID] {
			return fmt.Errorf("duplicate action id %q", action.ID)
		}
		seen[action.ID] = true
		if action.Feature == "" {
			return fmt.Errorf("action %q: feature cannot be empty", action.ID)
		}
		switch action.Kind {
		case schemas.ExecDirectWrite, schemas.ExecCodePatch, schemas.ExecHelper, schemas.ExecSave:
		default:
			return fmt.Errorf("action %q: unknown execution kind %q", action.ID, action.Kind)
		}
		switch action.Kind {
		case schemas.ExecDirectWrite, schemas.ExecCodePatch:
			// Both kinds write at the action's resolved symbol; without one
			// the memory backend would target address zero.
			if action.Symbol == "" {
				return fmt.Errorf("action %q: %s requires a symbol", action.ID, action.Kind)
			}
		}
		if action.Kind == schemas.ExecCodePatch && (action.Patch == nil || action.Patch.PatchBytes == "") {
			return fmt.Errorf("action %q: code_patch requires patch bytes", action.ID)
		}
		if action.Symbol != "" && !declared[action.Symbol] {
			return fmt.Errorf("action %q: symbol %q is not declared by any signature set or fallback offset", action.ID, action.Symbol)
		}
	}

	switch profile.BackendPreference {
	case schemas.PreferAuto, schemas.PreferMemory, schemas.PreferBridge, schemas.PreferHelper, schemas.PreferSave:
	default:
		return fmt.Errorf("unknown backend preference %q", profile.BackendPreference)
	}
	switch profile.HostPreference {
	case schemas.HostAny, schemas.HostGameHostOnly:
	default:
		return fmt.Errorf("unknown host preference %q", profile.HostPreference)
	}
	return nil
}
