package main

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/ingest"
	"github.com/sells-group/dedupe-cli/internal/resolve"
)

var (
	importCSVPath string
	importSource  string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import contact records from CSV and resolve them against the store",
	Long:  "Each row becomes an identity, is matched against existing identities by normalized email and phone, and is auto-merged, queued for review, or left standalone per its score.",
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

		records, err := ingest.ReadFile(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "import csv")
		}

		engine := resolve.NewEngine(st, cfg)
		batchID := uuid.NewString()
		log := zap.L().With(zap.String("batch_id", batchID))

		var created, autoMerged, needsReview, noKey int
		for i := range records {
			rec := &records[i]
			res, err := engine.ImportRecord(ctx, &rec.Identity, importSource, rec.ExternalIDs)
			if err != nil {
				return eris.Wrapf(err, "import row %d", i+1)
			}
			created++
			if res.Merged {
				autoMerged++
			}
			if res.NoKey {
				noKey++
			}
			for _, out := range res.Outcomes {
				if out.Suggestion != nil && out.Merge == nil {
					needsReview++
				}
			}
		}

		log.Info("import complete",
			zap.String("csv", importCSVPath),
			zap.String("source", importSource),
			zap.Int("created", created),
			zap.Int("auto_merged", autoMerged),
			zap.Int("needs_review", needsReview),
			zap.Int("no_key", noKey),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	importCmd.Flags().StringVar(&importSource, "source", "", "source system name recorded in field provenance")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
