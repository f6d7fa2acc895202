package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidline/internal/bulk"
	"pidline/internal/domain"
	"pidline/internal/export"
	"pidline/internal/queue"
	"pidline/internal/repo"
)

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Manage the job queue",
		Long:  "Jobs defer mint, update and verify actions. Pending jobs run in priority order once their scheduled time has passed, and failed attempts are retried up to max_attempts.",
	}
	jobs.AddCommand(jobsEnqueueCmd())
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsStatsCmd())
	jobs.AddCommand(jobsDispatchCmd())
	jobs.AddCommand(jobsRecoverCmd())
	return jobs
}

func jobsEnqueueCmd() *cobra.Command {
	var priority, maxAttempts int
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "enqueue <mint|update|verify> <record-id>",
		Short: "Queue a lifecycle action for a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[1])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				req := queue.EnqueueRequest{
					RecordID:    id,
					Action:      domain.Action(args[0]),
					Priority:    priority,
					MaxAttempts: maxAttempts,
				}
				if delay > 0 {
					req.ScheduledAt = time.Now().Add(delay)
				}
				job, created, err := e.Queue.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": job, "created": created})
				}
				if created {
					fmt.Printf("queued job %d (%s record %d)\n", job.ID, job.Action, job.RecordID)
				} else {
					fmt.Printf("job %d already pending for %s record %d\n", job.ID, job.Action, job.RecordID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt limit (default from config)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run no earlier than this from now")
	return cmd
}

func jobsListCmd() *cobra.Command {
	var status, action string
	var recordID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, repo.JobFilters{
					Status:   domain.JobStatus(status),
					Action:   domain.Action(action),
					RecordID: recordID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Record", "Action", "Status", "Priority", "Attempts", "Scheduled", "Last error")
				for _, j := range items {
					attempts := strconv.Itoa(j.Attempts) + "/" + strconv.Itoa(j.MaxAttempts)
					tw.AppendRow([]any{j.ID, j.RecordID, j.Action, j.Status, j.Priority, attempts, j.ScheduledAt, deref(j.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	cmd.Flags().StringVar(&action, "action", "", "mint, update or verify")
	cmd.Flags().Int64Var(&recordID, "record", 0, "record id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs")
	return cmd
}

func jobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				counts, err := e.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable("Status", "Jobs")
				for _, s := range []domain.JobStatus{domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed} {
					tw.AppendRow([]any{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobsDispatchCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Process one batch of due jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				if batch <= 0 {
					batch = e.Settings.Queue.BatchSize
				}
				report, err := e.Worker.Tick(ctx, batch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("selected %d, completed %d, retried %d, failed %d\n", report.Selected, report.Completed, report.Retried, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch-size", 0, "jobs per batch (default from config)")
	return cmd
}

func jobsRecoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return processing jobs with an expired lease to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				if olderThan <= 0 {
					olderThan = time.Duration(e.Settings.Queue.StaleSeconds) * time.Second
				}
				if olderThan <= 0 {
					return fmt.Errorf("--older-than required when queue.stale_seconds is 0")
				}
				n, err := e.Queue.RecoverStale(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"recovered": n})
				}
				fmt.Printf("recovered %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "lease age (default queue.stale_seconds)")
	return cmd
}

func bulkCmd() *cobra.Command {
	b := &cobra.Command{Use: "bulk", Short: "Run actions over many identifiers"}
	b.AddCommand(bulkResyncCmd())
	b.AddCommand(bulkEnqueueCmd())
	b.AddCommand(bulkAutoMintCmd())
	return b
}

type filterFlags struct {
	group string
	state string
	limit int
}

func (f *filterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.group, "group", "", "repository code")
	cmd.Flags().StringVar(&f.state, "state", "", "identifier state")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum identifiers (0 for all)")
}

func (f *filterFlags) filter() bulk.Filter {
	return bulk.Filter{Group: f.group, State: domain.IdentifierState(f.state), Limit: f.limit}
}

func printBulkReport(report bulk.Report) error {
	if viper.GetBool("json") {
		return printJSON(report)
	}
	fmt.Printf("selected %d, succeeded %d, failed %d\n", report.Selected, report.Succeeded, report.Failed)
	if len(report.Failures) > 0 {
		tw := newTable("Record", "Identifier", "Message")
		for _, f := range report.Failures {
			tw.AppendRow([]any{f.RecordID, f.Identifier, f.Message})
		}
		tw.Render()
	}
	return nil
}

func bulkResyncCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Resubmit metadata for every selected identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				report, err := e.Bulk.Resync(ctx, ff.filter(), actor())
				if err != nil {
					return err
				}
				return printBulkReport(report)
			})
		},
	}
	ff.bind(cmd)
	return cmd
}

func bulkEnqueueCmd() *cobra.Command {
	var ff filterFlags
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <update|verify>",
		Short: "Queue an action for every selected identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				n, err := e.Bulk.Enqueue(ctx, ff.filter(), domain.Action(args[0]), priority)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"enqueued": n})
				}
				fmt.Printf("queued %d jobs\n", n)
				return nil
			})
		},
	}
	ff.bind(cmd)
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority")
	return cmd
}

func bulkAutoMintCmd() *cobra.Command {
	var limit, priority int
	cmd := &cobra.Command{
		Use:   "auto-mint",
		Short: "Queue mint jobs for records eligible for automatic minting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				report, err := e.Bulk.AutoMint(ctx, limit, priority)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("scanned %d, queued %d, skipped %d\n", report.Scanned, report.Enqueued, report.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs to queue (0 for all)")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority")
	return cmd
}

func exportCmd() *cobra.Command {
	var format, output, group, state string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export identifiers as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIdentifiers(ctx, repo.IdentifierFilters{GroupCode: group, State: domain.IdentifierState(state)})
				if err != nil {
					return err
				}
				out := os.Stdout
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				return export.Write(out, format, items)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", export.FormatJSON, "json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&group, "group", "", "repository code")
	cmd.Flags().StringVar(&state, "state", "", "identifier state")
	return cmd
}
