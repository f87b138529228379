package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pollsched/internal/config"
	"pollsched/internal/storage"
	logx "pollsched/pkg/logx"
)

func newHistoryCmd() *cobra.Command {
	var (
		job   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent runs from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			if cfg.Storage == nil {
				return errors.New("storage is not configured")
			}
			busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
			if err != nil {
				return err
			}
			st, err := storage.Open(storage.Config{
				Driver:      cfg.Storage.Driver,
				Path:        cfg.Storage.Path,
				BusyTimeout: busy,
			}, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("storage is disabled (driver none)")
			}
			defer st.Close()

			runs, err := st.RecentRuns(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tJOB\tDURATION\tRESULT\tRUN")
			for _, r := range runs {
				result := "ok"
				switch {
				case r.Panicked:
					result = "panic: " + r.Error
				case !r.OK:
					result = "error: " + r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.FinishedAt.Format(time.RFC3339), r.Job,
					time.Duration(r.DurationMS)*time.Millisecond, result, r.ID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "only show runs of this job")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to print")
	return cmd
}
