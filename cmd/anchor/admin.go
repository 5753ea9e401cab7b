package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/herbtrace/anchor/pkg/client"
	"github.com/herbtrace/anchor/pkg/types"
)

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.NewClient(server, timeout)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue EVENT_ID",
	Short: "Queue a sync job for an event",
	Long: `Queue a sync job for an existing event. If a job for the event is already
waiting, delayed or active, that job is reported and nothing new is queued.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")

		out, err := newClient(cmd).QueueSync(cmd.Context(), args[0], priority)
		if err != nil {
			return err
		}
		if out.Created {
			fmt.Printf("✓ Queued %s (priority %d)\n", out.Job.ID, out.Job.Priority)
		} else {
			fmt.Printf("Job %s is already %s\n", out.Job.ID, out.Job.State)
		}
		return nil
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-queue FAILED events below the retry ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient(cmd).RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Re-queued %d of %d failed events", result.Requeued, result.Scanned)
		if result.Errors > 0 {
			fmt.Printf(" (%d errors)", result.Errors)
		}
		fmt.Println()
		for _, id := range result.EventIDs {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event and queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient(cmd).Stats(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(stats)
		}

		fmt.Println("Events:")
		for _, s := range types.AllSyncStatuses {
			fmt.Printf("  %-10s %d\n", s, stats.Events[s])
		}
		q := stats.Queue
		fmt.Println("Queue:")
		fmt.Printf("  %-10s %d\n", "waiting", q.Waiting)
		fmt.Printf("  %-10s %d\n", "active", q.Active)
		fmt.Printf("  %-10s %d\n", "delayed", q.Delayed)
		fmt.Printf("  %-10s %d\n", "completed", q.Completed)
		fmt.Printf("  %-10s %d\n", "failed", q.Failed)
		return nil
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List FAILED events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := newClient(cmd).ListFailed(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No failed events")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSPECIES\tRETRIES\tUPDATED\tLAST ERROR")
		for _, e := range list {
			lastErr := ""
			if e.LastError != nil {
				lastErr = *e.LastError
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.Species, e.RetryCount, e.UpdatedAt.Format(time.RFC3339), lastErr)
		}
		return w.Flush()
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List sync jobs in one queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := newClient(cmd).ListJobs(cmd.Context(), types.JobState(state), limit)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Printf("No %s jobs\n", state)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tPRIORITY\tATTEMPTS\tSTALLED\tLAST ERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%d\t%d/%d\t%d\t%s\n", j.ID, j.Priority, j.AttemptsMade, j.MaxAttempts, j.StalledCount, j.LastError)
		}
		return w.Flush()
	},
}

var eventCmd = &cobra.Command{
	Use:   "event EVENT_ID",
	Short: "Show an event, its sync job and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		resp, err := c.GetEvent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		trail, err := c.AuditTrail(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(map[string]any{"event": resp.Event, "job": resp.Job, "audit": trail})
		}

		e := resp.Event
		fmt.Printf("Event:     %s\n", e.ID)
		fmt.Printf("Species:   %s\n", e.Species)
		fmt.Printf("Location:  %.5f, %.5f\n", e.Latitude, e.Longitude)
		fmt.Printf("Source:    %s\n", e.Provenance.Source)
		fmt.Printf("Status:    %s (retries %d)\n", e.Status, e.RetryCount)
		if e.TxID != nil {
			fmt.Printf("Tx:        %s\n", *e.TxID)
		}
		if e.LastError != nil {
			fmt.Printf("Error:     %s\n", *e.LastError)
		}
		if j := resp.Job; j != nil {
			fmt.Printf("Job:       %s %s (attempts %d/%d)\n", j.ID, j.State, j.AttemptsMade, j.MaxAttempts)
		}
		if len(trail) > 0 {
			fmt.Println("Audit:")
			for _, a := range trail {
				fmt.Printf("  %s  %s\n", a.Timestamp.Format(time.RFC3339), a.Action)
			}
		}
		return nil
	},
}

var txCmd = &cobra.Command{
	Use:   "tx TX_ID",
	Short: "Look up a ledger transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient(cmd).QueryTransaction(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

func init() {
	enqueueCmd.Flags().Int("priority", 0, "Job priority (higher runs first)")
	failedCmd.Flags().Int("limit", 50, "Maximum number of events to list")
	jobsCmd.Flags().String("state", string(types.JobStateFailed), "Job state: waiting, delayed, active, completed, failed")
	jobsCmd.Flags().Int("limit", 50, "Maximum number of jobs to list")

	for _, c := range []*cobra.Command{statsCmd, failedCmd, jobsCmd, eventCmd} {
		c.Flags().StringP("output", "o", "text", "Output format: text or json")
	}

	rootCmd.AddCommand(enqueueCmd, retryFailedCmd, statsCmd, failedCmd, jobsCmd, eventCmd, txCmd)
}

func asJSON(cmd *cobra.Command) bool {
	out, _ := cmd.Flags().GetString("output")
	return out == "json"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
