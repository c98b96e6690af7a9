package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/hostproc"
	"github.com/frostline-dev/sigil/internal/memscan"
)

// scanReport is the JSON document the scan command prints.
type scanReport struct {
	PID       int      `json:"pid"`
	Target    string   `json:"target"`
	Hits      int      `json:"hits"`
	Addresses []string `json:"addresses"`
}

// newScanCmd creates the `scan` command: chunk-scan a live process's memory
// for a scalar value, the calibration step that narrows candidate addresses
// before a signature is authored.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a live process's memory for a scalar value",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("scanner.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("scanner.default_max_hits", cmd.Flags().Lookup("max-hits")); err != nil {
				return err
			}
			return viper.BindPFlag("scanner.writable_only", cmd.Flags().Lookup("writable-only"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := cmdLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pid, _ := cmd.Flags().GetInt("pid")
			processName, _ := cmd.Flags().GetString("process")
			if pid == 0 && processName == "" {
				return fmt.Errorf("either --pid or --process is required")
			}

			host, err := hostproc.New(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize host process access: %w", err)
			}
			if pid == 0 {
				meta, err := host.Locator(processName, schemas.HostRoleUnknown).Locate(ctx, schemas.TrainerProfile{})
				if err != nil {
					return err
				}
				pid = meta.PID
			}

			scanner, err := memscan.New(logger, memscan.Config{
				Concurrency:     cfg.Scanner().Concurrency,
				DefaultMaxHits:  cfg.Scanner().DefaultMaxHits,
				ChunksPerSecond: cfg.Scanner().ChunksPerSecond,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize scanner: %w", err)
			}

			querier, err := host.Querier(pid)
			if err != nil {
				return fmt.Errorf("failed to map process %d: %w", pid, err)
			}
			handle, err := host.Opener().Open(ctx, pid)
			if err != nil {
				return fmt.Errorf("failed to open process %d: %w", pid, err)
			}
			defer func() {
				if err := handle.Close(); err != nil {
					logger.Warn("Failed to close process handle", zap.Error(err))
				}
			}()

			opts := memscan.Options{
				WritableOnly: cfg.Scanner().WritableOnly,
				MaxHits:      cfg.Scanner().DefaultMaxHits,
			}

			var (
				hits   []schemas.Address
				target string
			)
			switch {
			case cmd.Flags().Changed("int32"):
				value, _ := cmd.Flags().GetInt32("int32")
				target = fmt.Sprintf("int32 %d", value)
				hits, err = scanner.ScanInt32(ctx, querier, handle, value, opts)
			case cmd.Flags().Changed("float32"):
				value, _ := cmd.Flags().GetFloat32("float32")
				tolerance, _ := cmd.Flags().GetFloat32("tolerance")
				target = fmt.Sprintf("float32 %g", value)
				hits, err = scanner.ScanFloat32(ctx, querier, handle, value, tolerance, opts)
			default:
				return fmt.Errorf("one of --int32 or --float32 is required")
			}
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			logger.Info("Scan complete",
				zap.Int("pid", pid),
				zap.String("target", target),
				zap.Int("hits", len(hits)))

			out := scanReport{
				PID:       pid,
				Target:    target,
				Hits:      len(hits),
				Addresses: make([]string, 0, len(hits)),
			}
			for _, addr := range hits {
				out.Addresses = append(out.Addresses, fmt.Sprintf("0x%X", uint64(addr)))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	scanCmd.Flags().Int("pid", 0, "PID of the target process")
	scanCmd.Flags().String("process", "", "Executable name of the target process (used when --pid is unset)")
	scanCmd.Flags().Int32("int32", 0, "Exact int32 value to scan for")
	scanCmd.Flags().Float32("float32", 0, "Float32 value to scan for")
	scanCmd.Flags().Float32("tolerance", 0.001, "Tolerance for float32 comparisons")
	scanCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent region scanners. (Overrides config/env)")
	scanCmd.Flags().Int("max-hits", 0, "Maximum number of addresses to return. (Overrides config/env)")
	scanCmd.Flags().Bool("writable-only", true, "Restrict the scan to writable regions. (Overrides config/env)")

	return scanCmd
}
