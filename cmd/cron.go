package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagewatch/internal/service"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}
	cmd.AddCommand(newCronNextCmd())
	return cmd
}

func newCronNextCmd() *cobra.Command {
	var (
		n    int
		from string
	)
	cmd := &cobra.Command{
		Use:   "next EXPR",
		Short: "Print the next instants an expression or preset fires at",
		Example: `  pagewatch cron next "*/15 9-17 * * 1-5" -n 3
  pagewatch cron next hourly --from 2024-05-01T10:02:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now().UTC()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from must be an RFC 3339 timestamp: %w", err)
				}
				start = t
			}
			runs, err := service.NextRuns(args[0], start, n)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Fprintln(cmd.OutOrStdout(), r.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of instants to print")
	cmd.Flags().StringVar(&from, "from", "", "start instant (RFC 3339, default now)")
	return cmd
}
