package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resolve"
)

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "Inspect and resolve merge suggestions",
}

// -- suggestions list --

var suggestionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List merge suggestions",
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

		decision, _ := cmd.Flags().GetString("decision")
		limit, _ := cmd.Flags().GetInt("limit")

		suggestions, err := st.ListSuggestions(ctx, model.Decision(decision), limit)
		if err != nil {
			return eris.Wrap(err, "suggestions list")
		}

		if len(suggestions) == 0 {
			fmt.Fprintln(os.Stderr, "No suggestions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPAIR\tSCORE\tDET\tCLASS\tDECISION\tACTOR")
		for _, sg := range suggestions {
			fmt.Fprintf(w, "%d\t%d/%d\t%.3f\t%v\t%s\t%s\t%s\n",
				sg.ID, sg.IdentityLo, sg.IdentityHi, sg.Score, sg.Deterministic,
				sg.Classification, sg.Decision, sg.Actor)
		}
		return w.Flush()
	},
}

// -- suggestions resolve --

var (
	resolveID        int64
	resolveDecision  string
	resolveActor     string
	resolveOverrides map[string]string
)

var suggestionsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Apply a review decision to a pending suggestion",
	Long:  "Accept executes the merge (optionally with per-field overrides applied as manual edits), reject and defer record the decision only.",
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
		rec, err := engine.ResolveSuggestion(ctx, resolveID,
			model.Decision(resolveDecision), resolveActor, resolveOverrides)
		if err != nil {
			return eris.Wrap(err, "suggestions resolve")
		}

		fields := []zap.Field{
			zap.Int64("suggestion_id", resolveID),
			zap.String("decision", resolveDecision),
		}
		if rec != nil {
			fields = append(fields, zap.Int64("merge_id", rec.ID))
		}
		zap.L().Info("suggestion resolved", fields...)
		return nil
	},
}

func init() {
	suggestionsListCmd.Flags().String("decision", "", "filter by decision (pending, accepted, ...)")
	suggestionsListCmd.Flags().Int("limit", 50, "max suggestions to list")

	suggestionsResolveCmd.Flags().Int64Var(&resolveID, "id", 0, "suggestion ID (required)")
	suggestionsResolveCmd.Flags().StringVar(&resolveDecision, "decision", "", "accepted, rejected, or deferred (required)")
	suggestionsResolveCmd.Flags().StringVar(&resolveActor, "actor", "", "reviewer recorded on the decision (required)")
	suggestionsResolveCmd.Flags().StringToStringVar(&resolveOverrides, "set", nil, "field overrides applied on accept, e.g. --set email=a@b.org")
	_ = suggestionsResolveCmd.MarkFlagRequired("id")
	_ = suggestionsResolveCmd.MarkFlagRequired("decision")
	_ = suggestionsResolveCmd.MarkFlagRequired("actor")

	suggestionsCmd.AddCommand(suggestionsListCmd)
	suggestionsCmd.AddCommand(suggestionsResolveCmd)
	rootCmd.AddCommand(suggestionsCmd)
}
