package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
	"github.com/spf13/cobra"
)

func newReapCmd(a *app) *cobra.Command {
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail jobs that outlived their time budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := a.reaper()
			if watch {
				if interval <= 0 {
					interval = a.cfg.Reaper.Interval
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Fprintf(cmd.OutOrStdout(), "reaping every %s, Ctrl+C to stop\n", interval)
				return ignoreCanceled(r.Run(ctx, interval))
			}

			res, err := r.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "reaped=%d skipped=%d failed=%d\n", res.Reaped, res.Skipped, res.Failed)
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep interval with --watch (default REAPER_INTERVAL_SECS)")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a failed job back to pending and dispatch it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			job, err := a.retrier().RetryOne(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s retried (attempt %d) task=%s\n", job.ID, job.Retries, handle(job))
			return nil
		},
	}
}

func newRetryFailedCmd(a *app) *cobra.Command {
	var maxAge time.Duration
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Retry every recent failed job that has budget left",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAge <= 0 {
				maxAge = a.cfg.Retry.MaxAge
			}
			m := a.retrier()
			if watch {
				if interval <= 0 {
					interval = a.cfg.Reaper.Interval
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Fprintf(cmd.OutOrStdout(), "retrying every %s, Ctrl+C to stop\n", interval)
				return ignoreCanceled(m.Run(ctx, interval, maxAge))
			}

			res, err := m.RetryFailed(cmd.Context(), maxAge)
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d succeeded=%d failed=%d\n", res.Attempted, res.Succeeded, res.Failed)
			return err
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "only jobs created within this window (default RETRY_MAX_AGE_HOURS)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep retrying until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pass interval with --watch (default REAPER_INTERVAL_SECS)")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			job, err := a.jobs().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

func newResubmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Dispatch a pending job whose task never reached or was dropped by the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			job, err := a.jobs().Resubmit(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s dispatched task=%s\n", job.ID, handle(job))
			return nil
		},
	}
}

func newQueuesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Print job counts per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.jobs().QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tLIMIT\tPENDING\tPROCESSING\tCOMPLETED\tFAILED")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Limit,
					s.Counts[models.JobStatusPending], s.Counts[models.JobStatusProcessing],
					s.Counts[models.JobStatusCompleted], s.Counts[models.JobStatusFailed])
			}
			return tw.Flush()
		},
	}
}

func handle(job *models.Job) string {
	if job.TaskHandle == nil {
		return "-"
	}
	return *job.TaskHandle
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
