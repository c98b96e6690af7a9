package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostline-dev/sigil/api/schemas"
)

// runCommand executes the root command with the given args against a clean
// viper instance and returns captured stdout.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfgFile = ""

	// Keep the file core out of test runs.
	viper.Set("logger.log_file", "")

	rootCmd := NewRootCommand()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTestProfile(t *testing.T, dir string) {
	t.Helper()
	profile := schemas.TrainerProfile{
		ID:        "default",
		GameBuild: "steam-1.0",
		SignatureSets: []schemas.SignatureSet{{
			BuildLabel: "steam-1.0",
			Specs: []schemas.SignatureSpec{{
				Name:      "player_hp",
				Pattern:   "AA BB ?? DD",
				Offset:    4,
				Mode:      schemas.AddrHitPlusOffset,
				ValueType: schemas.ValueInt32,
			}},
		}},
		Actions: []schemas.ActionSpec{{
			ID:      "set_hp",
			Kind:    schemas.ExecDirectWrite,
			Symbol:  "player_hp",
			Feature: "hp",
		}},
		BackendPreference: schemas.PreferAuto,
		HostPreference:    schemas.HostAny,
	}
	data, err := json.Marshal(profile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.json"), data, 0o644))
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	rootCmd := NewRootCommand()

	var names []string
	for _, sub := range rootCmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "attach")
	assert.Contains(t, names, "exec")
	assert.Contains(t, names, "scan")
	assert.Contains(t, names, "resolve")
}

func TestResolveAgainstImageFile(t *testing.T) {
	dir := t.TempDir()
	writeTestProfile(t, dir)

	image := make([]byte, 64)
	copy(image[0x10:], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	imagePath := filepath.Join(dir, "game.bin")
	require.NoError(t, os.WriteFile(imagePath, image, 0o644))

	out, err := runCommand(t,
		"resolve",
		"--profile", "default",
		"--image", imagePath,
		"--base", "0x400000",
		"--profile-dir", dir,
	)
	require.NoError(t, err)

	var symbols map[string]schemas.SymbolInfo
	require.NoError(t, json.Unmarshal([]byte(out), &symbols))
	require.Contains(t, symbols, "player_hp")

	hp := symbols["player_hp"]
	assert.Equal(t, schemas.Address(0x400014), hp.Address)
	assert.Equal(t, schemas.SourceSignature, hp.Source)
	assert.True(t, hp.Resolved())
}

func TestResolveRejectsBadBase(t *testing.T) {
	dir := t.TempDir()
	writeTestProfile(t, dir)

	_, err := runCommand(t,
		"resolve",
		"--profile", "default",
		"--image", filepath.Join(dir, "missing.bin"),
		"--base", "not-an-address",
		"--profile-dir", dir,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid module base")
}

func TestResolveUnknownProfile(t *testing.T) {
	dir := t.TempDir()

	_, err := runCommand(t,
		"resolve",
		"--profile", "absent",
		"--image", filepath.Join(dir, "missing.bin"),
		"--profile-dir", dir,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.json")
}

func TestScanRequiresATarget(t *testing.T) {
	_, err := runCommand(t, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --pid or --process is required")
}

func TestExecRequiresActionFlag(t *testing.T) {
	_, err := runCommand(t, "exec", "--profile", "default", "--process", "game.exe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action")
}

func TestVersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s\n", Version), out)
}
