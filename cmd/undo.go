package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/resolve"
)

var (
	undoMergeID int64
	undoActor   string
)

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Reverse an executed merge",
	Long:  "Restores both identities and their external links from the merge record's snapshots and writes an inverse record for the audit trail.",
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
		inverse, err := engine.Undo(ctx, undoMergeID, undoActor)
		if err != nil {
			return eris.Wrapf(err, "undo merge %d", undoMergeID)
		}

		zap.L().Info("merge undone",
			zap.Int64("merge_id", undoMergeID),
			zap.Int64("inverse_id", inverse.ID),
		)
		return nil
	},
}

func init() {
	undoCmd.Flags().Int64Var(&undoMergeID, "merge-id", 0, "merge record ID to reverse (required)")
	undoCmd.Flags().StringVar(&undoActor, "actor", "", "operator recorded on the inverse record (required)")
	_ = undoCmd.MarkFlagRequired("merge-id")
	_ = undoCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(undoCmd)
}
