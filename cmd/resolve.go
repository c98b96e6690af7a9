package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/profiles"
	"github.com/frostline-dev/sigil/internal/sigresolve"
)

// newResolveCmd creates the `resolve` command: run a profile's signature
// sets against a module image captured to disk. Useful for validating a
// profile against a new game build without a live process.
func newResolveCmd() *cobra.Command {
	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a profile's signatures against a module image file",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("profiles.dir", cmd.Flags().Lookup("profile-dir"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := cmdLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			profileID, _ := cmd.Flags().GetString("profile")
			imagePath, _ := cmd.Flags().GetString("image")
			baseStr, _ := cmd.Flags().GetString("base")

			base, err := strconv.ParseUint(baseStr, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid module base %q: %w", baseStr, err)
			}

			repo, err := profiles.NewFileRepository(logger, cfg.Profiles().Dir)
			if err != nil {
				return fmt.Errorf("failed to initialize profile repository: %w", err)
			}
			profile, err := repo.Load(ctx, profileID)
			if err != nil {
				return err
			}

			image, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading module image %s: %w", imagePath, err)
			}

			resolver, err := sigresolve.New(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize signature resolver: %w", err)
			}

			symbols, err := resolver.Resolve(sigresolve.Input{
				BuildLabel:      profile.GameBuild,
				Sets:            profile.SignatureSets,
				FallbackOffsets: profile.FallbackOffsets,
				ModuleBase:      schemas.Address(base),
				Image:           image,
			})
			if err != nil {
				return fmt.Errorf("resolution failed: %w", err)
			}

			logger.Info("Resolved profile against image",
				zap.String("profile", profile.ID),
				zap.String("image", imagePath),
				zap.Int("symbols", symbols.Len()),
				zap.Int("resolved", len(symbols.ResolvedNames())))

			return printJSON(cmd.OutOrStdout(), symbols.Snapshot())
		},
	}

	resolveCmd.Flags().StringP("profile", "p", "", "Trainer profile id whose signatures to resolve")
	resolveCmd.Flags().StringP("image", "i", "", "Path to the module image file")
	resolveCmd.Flags().String("base", "0x400000", "Load base the image was captured at")
	resolveCmd.Flags().String("profile-dir", "", "Directory holding trainer profiles. (Overrides config/env)")
	_ = resolveCmd.MarkFlagRequired("profile")
	_ = resolveCmd.MarkFlagRequired("image")

	return resolveCmd
}
