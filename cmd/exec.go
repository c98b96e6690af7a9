package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
)

// newExecCmd creates the `exec` command: attach with a profile, run one
// action through the capability gate, and report the outcome.
func newExecCmd() *cobra.Command {
	execCmd := &cobra.Command{
		Use:   "exec",
		Short: "Attach and execute a single trainer action against the target process",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("runtime.dry_run", cmd.Flags().Lookup("dry-run")); err != nil {
				return err
			}
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
			actionID, _ := cmd.Flags().GetString("action")
			intValue, _ := cmd.Flags().GetInt32("int")
			floatValue, _ := cmd.Flags().GetFloat32("float")
			enable, _ := cmd.Flags().GetBool("enable")
			lock, _ := cmd.Flags().GetBool("lock")
			hold, _ := cmd.Flags().GetDuration("hold")

			mode := schemas.ModeLive
			if cfg.Runtime().DryRun {
				mode = schemas.ModeDryRun
			}

			components, err := buildAdapter(ctx, cfg, processName, schemas.HostRole(role), logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			session, err := components.Adapter.Attach(ctx, profileID)
			if err != nil {
				return fmt.Errorf("attach failed: %w", err)
			}

			req := schemas.ActionExecutionRequest{
				RequestID: uuid.NewString(),
				ActionID:  actionID,
				ProfileID: profileID,
				Mode:      mode,
				Payload: schemas.ActionPayload{
					IntValue:   intValue,
					FloatValue: floatValue,
					Enable:     enable,
					Lock:       lock,
				},
			}

			result := components.Adapter.Execute(ctx, req)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Succeeded {
				return fmt.Errorf("action %s failed: %s", actionID, result.Reason)
			}

			// A locked value only stays locked while the freeze loop runs,
			// so a lock request keeps the session alive until the hold
			// expires or the operator interrupts.
			if lock && mode == schemas.ModeLive && hold > 0 {
				logger.Info("Holding freeze loop",
					zap.String("session", session.ID),
					zap.String("action", actionID),
					zap.Duration("hold", hold))
				timer := time.NewTimer(hold)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					logger.Warn("Freeze hold interrupted", zap.String("session", session.ID))
				case <-timer.C:
				}
			}
			return nil
		},
	}

	execCmd.Flags().StringP("profile", "p", "", "Trainer profile id to attach with")
	execCmd.Flags().String("process", "", "Executable name of the target process")
	execCmd.Flags().String("role", string(schemas.HostRoleUnknown), "Host role of the target ('launcher', 'game_host')")
	execCmd.Flags().StringP("action", "a", "", "Action id declared by the profile")
	execCmd.Flags().Int32("int", 0, "Integer payload for int32 actions")
	execCmd.Flags().Float32("float", 0, "Float payload for float32 actions")
	execCmd.Flags().Bool("enable", false, "Enable payload for toggle actions")
	execCmd.Flags().Bool("lock", false, "Keep re-asserting the written value (freeze)")
	execCmd.Flags().Duration("hold", 0, "How long to keep a locked value frozen before detaching")
	execCmd.Flags().Bool("dry-run", false, "Stop after the gating decision without mutating the target. (Overrides config/env)")
	execCmd.Flags().String("profile-dir", "", "Directory holding trainer profiles. (Overrides config/env)")
	execCmd.Flags().String("capability-dir", "", "Directory holding capability maps. (Overrides config/env)")
	_ = execCmd.MarkFlagRequired("profile")
	_ = execCmd.MarkFlagRequired("process")
	_ = execCmd.MarkFlagRequired("action")

	return execCmd
}
