package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/contact-harvester/internal/app"
)

// errAborted is returned when the operator declines to erase outputs.
var errAborted = errors.New("aborted")

func newHarvestCmd() *cobra.Command {
	var opts app.HarvestOptions
	var noContinue, yes bool

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest contacts for every entity in the input table",
		Long: `Reads an input table with id and name columns (.xlsx or .csv), and for
each entity not already done or unmatched, locates its company filter,
visits every profile in the results, and appends the extracted contacts to
the output table. Entities whose filter cannot be found are written to the
unmatched table.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if noContinue {
				if !yes && !confirm(cmd, "Erase existing results and start over? [y/N] ") {
					return errAborted
				}
				opts.Fresh = true
			}
			sum, err := a.Harvest(cmd.Context(), opts)
			fmt.Fprintf(cmd.OutOrStdout(), "done=%d unmatched=%d skipped=%d failed=%d contacts=%d capped=%t\n",
				sum.Done, sum.Unmatched, sum.Skipped, sum.Failed, sum.Contacts, sum.Capped)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Input, "input", "", "input table with id and name columns (.xlsx or .csv)")
	f.StringVar(&opts.Results, "output", "", "results table (default from output.results)")
	f.StringVar(&opts.Unmatched, "unmatched", "", "unmatched table (default unmatched.<ext> beside the results)")
	f.BoolVar(&noContinue, "no-continue", false, "erase existing outputs instead of resuming")
	f.BoolVarP(&yes, "yes", "y", false, "do not ask before erasing outputs")
	f.Int("max-profiles", 0, "stop after this many contacts (overrides run.max_profiles_per_run)")
	f.Float64("min-score", 0, "fuzzy-match threshold in [0,100] (overrides search.min_score)")
	f.Bool("headless", false, "run Chrome headless")
	f.String("debug-url", "", "attach to a running Chrome at this DevTools URL")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
