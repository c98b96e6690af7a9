package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore loads capability maps from a directory of JSON documents, one
// per fingerprint, named "<fingerprint-id>.json". This matches the layout
// the symbol-pack tooling emits.
type FileStore struct {
	logger *zap.Logger
	dir    string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(logger *zap.Logger, dir string) (*FileStore, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if dir == "" {
		return nil, errors.New("capability map directory cannot be empty")
	}
	return &FileStore{
		logger: logger.Named("capstore"),
		dir:    dir,
	}, nil
}

// Load implements schemas.CapabilityMapStore. A missing file is the normal
// "fingerprint not mapped yet" condition and is reported via ok=false; a
// present-but-unparseable file is an error, since silently ignoring a
// corrupt map would look identical to an unmapped binary.
func (s *FileStore) Load(ctx context.Context, fingerprintID string) (schemas.CapabilityMap, bool, error) {
	if err := ctx.Err(); err != nil {
		return schemas.CapabilityMap{}, false, err
	}
	if fingerprintID == "" || fingerprintID != filepath.Base(fingerprintID) || strings.ContainsAny(fingerprintID, "/\\") {
		return schemas.CapabilityMap{}, false, fmt.Errorf("invalid fingerprint id %q", fingerprintID)
	}

	path := filepath.Join(s.dir, fingerprintID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schemas.CapabilityMap{}, false, nil
		}
		return schemas.CapabilityMap{}, false, fmt.Errorf("reading capability map %s: %w", path, err)
	}

	var capMap schemas.CapabilityMap
	if err := json.Unmarshal(data, &capMap); err != nil {
		return schemas.CapabilityMap{}, false, fmt.Errorf("parsing capability map %s: %w", path, err)
	}

	s.logger.Debug("Loaded capability map",
		zap.String("fingerprint", fingerprintID),
		zap.Int("operations", len(capMap.Operations)))
	return capMap, true, nil
}
