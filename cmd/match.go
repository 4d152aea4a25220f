package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/matcher"
	"github.com/sells-group/sales-pipeline/internal/model"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Resolve interaction records to CRM contacts",
	Long:  "Runs entity resolution over unmatched interactions: exact email, exact phone, then fuzzy email matching. Re-run safe; exact and manual matches are never downgraded without --force.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("match"); err != nil {
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
		force, _ := cmd.Flags().GetBool("force")
		source, _ := cmd.Flags().GetString("source")
		if limit == 0 {
			limit = cfg.Matcher.BatchLimit
		}

		m := matcher.New(st, loadMatchRules(), cfg.Matcher.FuzzyThreshold, cfg.Matcher.DefaultRegion, retryPolicy())
		tracker := etlrun.NewTracker(st)

		res, err := m.Run(ctx, tracker, matcher.RunOptions{Limit: limit, Force: force, Source: source})
		if err != nil {
			return eris.Wrap(err, "match")
		}

		fmt.Fprintf(os.Stdout, "status: %s\nprocessed: %d\nmatched: %d\nunmatched: %d\nerrored: %d\n",
			res.Status, res.Processed, res.Matched, res.Unmatched, res.Errored)
		if res.Status == model.RunStatusFailed {
			return eris.New("match batch failed")
		}
		return nil
	},
}

// loadMatchRules loads the optional rules file. A configured file that
// fails to load is skipped with a warning rather than failing the run.
func loadMatchRules() *matcher.Rules {
	if cfg.Matcher.RulesPath == "" {
		return nil
	}
	rules, err := matcher.LoadRules(cfg.Matcher.RulesPath, cfg.Matcher.DefaultRegion)
	if err != nil {
		zap.L().Warn("matching rules not loaded, overrides and aliases disabled", zap.Error(err))
		return nil
	}
	zap.L().Info("matching rules loaded",
		zap.String("path", cfg.Matcher.RulesPath),
		zap.Int("overrides", len(rules.Overrides)),
		zap.Int("domain_aliases", len(rules.DomainAliases)))
	return rules
}

func init() {
	matchCmd.Flags().Int("limit", 0, "max interactions to process (0 = config default, then all)")
	matchCmd.Flags().Bool("force", false, "re-resolve interactions that already have a match")
	matchCmd.Flags().String("source", "", "only process interactions from one source system")
	rootCmd.AddCommand(matchCmd)
}
