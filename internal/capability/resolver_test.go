package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// memStore is an in-memory CapabilityMapStore for resolver tests.
type memStore struct {
	maps map[string]schemas.CapabilityMap
	err  error
}

func (s *memStore) Load(_ context.Context, fingerprintID string) (schemas.CapabilityMap, bool, error) {
	if s.err != nil {
		return schemas.CapabilityMap{}, false, s.err
	}
	m, ok := s.maps[fingerprintID]
	return m, ok, nil
}

func newTestResolver(t *testing.T, store schemas.CapabilityMapStore) *Resolver {
	t.Helper()
	r, err := New(zap.NewNop(), store)
	require.NoError(t, err)
	return r
}

func fp(id string) schemas.BinaryFingerprint {
	return schemas.BinaryFingerprint{ID: id, ModuleName: "swfoc.exe"}
}

func TestResolveFingerprintMapMissing(t *testing.T) {
	r := newTestResolver(t, &memStore{maps: map[string]schemas.CapabilityMap{}})

	result, err := r.Resolve(context.Background(), fp("unknown"), "p1", "set_hp", nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityUnavailable, result.State)
	assert.Equal(t, schemas.ReasonFingerprintMapMissing, result.Reason)
	assert.Zero(t, result.Confidence)
}

func TestResolveOperationNotMapped(t *testing.T) {
	store := &memStore{maps: map[string]schemas.CapabilityMap{
		"fp1": {SchemaVersion: SchemaVersion, FingerprintID: "fp1", Operations: map[string]schemas.CapabilityOperationMap{}},
	}}
	r := newTestResolver(t, store)

	result, err := r.Resolve(context.Background(), fp("fp1"), "p1", "set_hp", nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityUnavailable, result.State)
	assert.Equal(t, schemas.ReasonOperationNotMapped, result.Reason)
}

func TestResolveRequiredAnchors(t *testing.T) {
	store := &memStore{maps: map[string]schemas.CapabilityMap{
		"fp1": {
			SchemaVersion: SchemaVersion,
			FingerprintID: "fp1",
			Operations: map[string]schemas.CapabilityOperationMap{
				"set_hp": {OperationID: "set_hp", RequiredAnchors: []string{"selected_hp"}},
			},
		},
	}}
	r := newTestResolver(t, store)

	// No anchors resolved: Unavailable with the anchor named as missing.
	result, err := r.Resolve(context.Background(), fp("fp1"), "p1", "set_hp", map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityUnavailable, result.State)
	assert.Equal(t, schemas.ReasonRequiredAnchorsMissing, result.Reason)
	assert.Equal(t, []string{"selected_hp"}, result.MissingAnchors)

	// Anchor resolved: Available at full confidence, nothing missing.
	result, err = r.Resolve(context.Background(), fp("fp1"), "p1", "set_hp", map[string]bool{"selected_hp": true})
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityAvailable, result.State)
	assert.Equal(t, schemas.ReasonAllRequiredAnchorsPresent, result.Reason)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Empty(t, result.MissingAnchors)
}

func TestResolveConfidenceScalesWithMissingFraction(t *testing.T) {
	store := &memStore{maps: map[string]schemas.CapabilityMap{
		"fp1": {
			SchemaVersion: SchemaVersion,
			FingerprintID: "fp1",
			Operations: map[string]schemas.CapabilityOperationMap{
				"spawn_unit": {
					OperationID:     "spawn_unit",
					RequiredAnchors: []string{"a", "b", "c", "d"},
				},
			},
		},
	}}
	r := newTestResolver(t, store)

	resolved := map[string]bool{}
	var prev float64 = 1.1
	// Confidence must be monotonically non-increasing as anchors go missing.
	for _, present := range [][]string{{"a", "b", "c"}, {"a", "b"}, {"a"}, {}} {
		for k := range resolved {
			delete(resolved, k)
		}
		for _, name := range present {
			resolved[name] = true
		}

		result, err := r.Resolve(context.Background(), fp("fp1"), "p1", "spawn_unit", resolved)
		require.NoError(t, err)
		assert.Equal(t, schemas.CapabilityUnavailable, result.State)
		assert.Less(t, result.Confidence, prev)
		assert.Equal(t, float64(len(present))/4.0, result.Confidence)
		prev = result.Confidence
	}
}

func TestResolveOptionalAnchorDecay(t *testing.T) {
	store := &memStore{maps: map[string]schemas.CapabilityMap{
		"fp1": {
			SchemaVersion: SchemaVersion,
			FingerprintID: "fp1",
			Operations: map[string]schemas.CapabilityOperationMap{
				"set_credits": {
					OperationID:     "set_credits",
					RequiredAnchors: []string{"credits"},
					OptionalAnchors: []string{"credits_display", "credits_cap"},
				},
			},
		},
	}}
	r := newTestResolver(t, store)

	// All optional present: full confidence.
	result, err := r.Resolve(context.Background(), fp("fp1"), "p1", "set_credits",
		map[string]bool{"credits": true, "credits_display": true, "credits_cap": true})
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityAvailable, result.State)
	assert.Equal(t, 1.0, result.Confidence)

	// Half the optional anchors missing: linear decay, still Available.
	result, err = r.Resolve(context.Background(), fp("fp1"), "p1", "set_credits",
		map[string]bool{"credits": true, "credits_display": true})
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityAvailable, result.State)
	assert.Equal(t, 1.0-optionalDecay*0.5, result.Confidence)

	// All optional missing: maximum decay, never flips to Unavailable.
	result, err = r.Resolve(context.Background(), fp("fp1"), "p1", "set_credits",
		map[string]bool{"credits": true})
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityAvailable, result.State)
	assert.Equal(t, 1.0-optionalDecay, result.Confidence)
	assert.Empty(t, result.MissingAnchors)
}

func TestResolveUnsupportedSchemaVersion(t *testing.T) {
	store := &memStore{maps: map[string]schemas.CapabilityMap{
		"fp1": {
			SchemaVersion: 99,
			FingerprintID: "fp1",
			Operations: map[string]schemas.CapabilityOperationMap{
				"set_hp": {OperationID: "set_hp"},
			},
		},
	}}
	r := newTestResolver(t, store)

	result, err := r.Resolve(context.Background(), fp("fp1"), "p1", "set_hp", nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.CapabilityUnavailable, result.State)
	assert.Equal(t, schemas.ReasonFingerprintMapMissing, result.Reason)
}

func TestResolveStoreErrorPropagates(t *testing.T) {
	r := newTestResolver(t, &memStore{err: errors.New("disk on fire")})
	_, err := r.Resolve(context.Background(), fp("fp1"), "p1", "set_hp", nil)
	assert.Error(t, err)
}

func TestDefaultProfile(t *testing.T) {
	store := &memStore{maps: map[string]schemas.CapabilityMap{
		"fp1": {SchemaVersion: SchemaVersion, FingerprintID: "fp1", DefaultProfile: "swfoc-steam"},
		"fp2": {SchemaVersion: SchemaVersion, FingerprintID: "fp2"},
	}}
	r := newTestResolver(t, store)

	id, ok, err := r.DefaultProfile(context.Background(), "fp1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "swfoc-steam", id)

	_, ok, err = r.DefaultProfile(context.Background(), "fp2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.DefaultProfile(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

// -- FileStore --

func writeMap(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestFileStoreLoad(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "fp1.json", `{
		"schema_version": 1,
		"fingerprint_id": "fp1",
		"default_profile": "swfoc-steam",
		"operations": {
			"set_credits": {
				"operation_id": "set_credits",
				"required_anchors": ["credits"],
				"optional_anchors": ["credits_display"]
			}
		}
	}`)

	store, err := NewFileStore(zap.NewNop(), dir)
	require.NoError(t, err)

	capMap, ok, err := store.Load(context.Background(), "fp1")
	require.NoError(t, err)
	require.True(t, ok)

	want := schemas.CapabilityMap{
		SchemaVersion:  1,
		FingerprintID:  "fp1",
		DefaultProfile: "swfoc-steam",
		Operations: map[string]schemas.CapabilityOperationMap{
			"set_credits": {
				OperationID:     "set_credits",
				RequiredAnchors: []string{"credits"},
				OptionalAnchors: []string{"credits_display"},
			},
		},
	}
	if diff := cmp.Diff(want, capMap); diff != "" {
		t.Errorf("capability map mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreMissingIsNotAnError(t *testing.T) {
	store, err := NewFileStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.Load(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreCorruptMapIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "fp1.json", `{not json`)

	store, err := NewFileStore(zap.NewNop(), dir)
	require.NoError(t, err)

	_, _, err = store.Load(context.Background(), "fp1")
	assert.Error(t, err)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Load(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}
