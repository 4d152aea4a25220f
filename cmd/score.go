package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sales-pipeline/internal/aggregate"
	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/scoring"
	"github.com/sells-group/sales-pipeline/pkg/llm"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Generate account score snapshots",
	Long:  "Aggregates each account's recent interactions, opportunities and activities, scores them with the configured provider, and stores one snapshot per account per date. Re-running for the same date overwrites that date's snapshots.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("score"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		dateStr, _ := cmd.Flags().GetString("date")

		var scoreDate time.Time
		if dateStr != "" {
			scoreDate, err = time.Parse("2006-01-02", dateStr)
			if err != nil {
				return eris.Wrapf(err, "invalid --date %q (want YYYY-MM-DD)", dateStr)
			}
		}

		provider, err := llm.New(llm.Options{
			Kind:         cfg.Provider.Kind,
			APIKey:       cfg.Anthropic.Key,
			Model:        cfg.Anthropic.Model,
			MockResponse: cfg.Provider.MockResponse,
		})
		if err != nil {
			return err
		}

		agg := aggregate.New(st, cfg.Scoring)
		engine := scoring.NewEngine(st, agg, provider, cfg.Scoring, cfg.Anthropic.MaxTokens, retryPolicy())
		tracker := etlrun.NewTracker(st)

		res, err := engine.Run(ctx, tracker, scoring.RunOptions{Limit: limit, Date: scoreDate})
		if err != nil {
			return eris.Wrap(err, "score")
		}

		fmt.Fprintf(os.Stdout, "status: %s\nscored: %d\nfallback: %d\nfailed: %d\n",
			res.Status, res.Scored, res.Fallback, res.Failed)
		if res.Status == model.RunStatusFailed {
			return eris.New("scoring batch failed")
		}
		return nil
	},
}

func init() {
	scoreCmd.Flags().Int("limit", 0, "max accounts to score (0 = all)")
	scoreCmd.Flags().String("date", "", "snapshot date YYYY-MM-DD (default today UTC)")
	rootCmd.AddCommand(scoreCmd)
}
