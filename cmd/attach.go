package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// attachReport is the JSON document the attach command prints: the session
// identity, the full resolved symbol table, and the per-feature backend
// capability report.
type attachReport struct {
	Session      schemas.AttachSession                  `json:"session"`
	Symbols      map[string]schemas.SymbolInfo          `json:"symbols"`
	Capabilities map[string][]schemas.BackendCapability `json:"capabilities,omitempty"`
}

// newAttachCmd creates the `attach` command: resolve a profile against the
// live process and report what came back, without mutating anything.
func newAttachCmd() *cobra.Command {
	attachCmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to the target process and report resolved symbols and capabilities",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("profiles.dir", cmd.Flags().Lookup("profile-dir")); err != nil {
				return err
			}
			return viper.BindPFlag("capability.dir", cmd.Flags().Lookup("capability-dir"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := cmdLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			profileID, _ := cmd.Flags().GetString("profile")
			processName, _ := cmd.Flags().GetString("process")
			role, _ := cmd.Flags().GetString("role")

			components, err := buildAdapter(ctx, cfg, processName, schemas.HostRole(role), logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			session, err := components.Adapter.Attach(ctx, profileID)
			if err != nil {
				return fmt.Errorf("attach failed: %w", err)
			}

			logger.Info("Attached to target",
				zap.String("session", session.ID),
				zap.Int("pid", session.Process.PID),
				zap.String("fingerprint", session.Fingerprint.ID),
				zap.Int("symbols", session.Symbols.Len()))

			out := attachReport{
				Session: session,
				Symbols: session.Symbols.Snapshot(),
			}
			if report, ok := components.Adapter.Report(); ok {
				out.Capabilities = report.Capabilities
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	attachCmd.Flags().StringP("profile", "p", "", "Trainer profile id to attach with")
	attachCmd.Flags().String("process", "", "Executable name of the target process")
	attachCmd.Flags().String("role", string(schemas.HostRoleUnknown), "Host role of the target ('launcher', 'game_host')")
	attachCmd.Flags().String("profile-dir", "", "Directory holding trainer profiles. (Overrides config/env)")
	attachCmd.Flags().String("capability-dir", "", "Directory holding capability maps. (Overrides config/env)")
	_ = attachCmd.MarkFlagRequired("profile")
	_ = attachCmd.MarkFlagRequired("process")

	return attachCmd
}
