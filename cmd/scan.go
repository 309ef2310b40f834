package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/resolve"
)

var scanMaxCohorts int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan existing identities for duplicate pairs",
	Long:  "Walks name-block cohorts from the last checkpoint, scores every in-cohort pair, and records suggestions. Interruptible; the next run resumes from the saved cursor.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		engine := resolve.NewEngine(st, cfg)
		res, err := engine.RunScan(ctx, scanMaxCohorts)
		if err != nil {
			return eris.Wrap(err, "scan")
		}

		zap.L().Info("scan complete",
			zap.Int("cohorts", res.Cohorts),
			zap.Int("pairs", res.Pairs),
		)
		return nil
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanMaxCohorts, "limit", 0, "max cohorts to scan this run (0 = all)")
	rootCmd.AddCommand(scanCmd)
}
