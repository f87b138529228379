package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pollsched/internal/app"
	"pollsched/internal/config"
	"pollsched/internal/jobs"
	"pollsched/internal/jobs/builtin"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and list accepted and rejected jobs",
		Long: `Parse and validate the config, resolve every service to a job kind and
apply the scheduler's registration rules. Rejected jobs are listed but do not
fail the command; parse and validation errors do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			poll, err := cfg.Scheduler.PollIntervalOr(scheduler.DefaultPollInterval)
			if err != nil {
				return err
			}

			nop := logx.Nop()
			planned, rejected := app.PlanJobs(cfg.Scheduler, builtin.Default(), jobs.Deps{Log: nop}, nop)
			s := scheduler.New(scheduler.Config{PollInterval: poll}, planned, scheduler.WithLogger(nop))
			rejected = append(rejected, s.Rejected()...)
			snap := s.Snapshot()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", cfgPath)
			if cfg.Scheduler == nil {
				fmt.Fprintln(out, "scheduler: not configured")
				return nil
			}
			fmt.Fprintf(out, "poll interval: %s\n\n", snap.PollInterval)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tINTERVAL\tTIMEOUT\tSTATUS")
			for _, j := range snap.Jobs {
				timeout := "-"
				if j.Timeout > 0 {
					timeout = j.Timeout.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\taccepted\n", j.Name, j.Interval, timeout)
			}
			for _, r := range rejected {
				fmt.Fprintf(tw, "%s\t-\t-\trejected (%s): %v\n", r.Name, r.Reason, r.Err)
			}
			return tw.Flush()
		},
	}
}
