package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/operator"
	"github.com/rogers-f/taskengine/internal/store"
)

// newGovernorCommand creates a command driving the budget governor.
func newGovernorCommand(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.client().Governor(cmd.Context(), action, g.Actor)
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Governor: %s\n", governorLine(st))
			return err
		},
	}
}

func governorLine(st *domain.GovernorState) string {
	if !st.Paused {
		return "running"
	}
	return fmt.Sprintf("paused (%s since %s)", st.Reason, formatUnix(st.PausedAt))
}

// newStatusCommand creates the status command.
func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, workers, spend and circuit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
}

func printStatus(w io.Writer, st *operator.Status) error {
	_, _ = fmt.Fprintf(w, "Governor: %s\n", governorLine(st.Governor))
	_, _ = fmt.Fprintf(w, "Spend:    $%.2f/min, $%.2f today, $%.2f this session\n",
		st.Spend.RatePerMin, st.Spend.TodayUSD, st.Spend.SessionUSD)

	q := st.Queue
	lanes := make([]string, 0, len(domain.Priorities))
	for _, p := range domain.Priorities {
		lanes = append(lanes, fmt.Sprintf("%s=%d", p, q.Depth[p]))
	}
	_, _ = fmt.Fprintf(w, "Queue:    %s (boosted %d, avg wait %s)\n",
		strings.Join(lanes, " "), q.Boosted, (time.Duration(q.AvgWaitSec) * time.Second).String())

	states := make([]string, 0, len(q.ByState))
	for s, n := range q.ByState {
		states = append(states, fmt.Sprintf("%s=%d", s, n))
	}
	sort.Strings(states)
	_, _ = fmt.Fprintf(w, "Tasks:    %s\n", strings.Join(states, " "))
	if r := st.Review; r != nil {
		_, _ = fmt.Fprintf(w, "Reviews:  approved=%d rejected=%d escalated=%d inconclusive=%d (%.0f%% approved, %.1f approvals/round)\n",
			r.Approved, r.Rejected, r.Escalated, r.Inconclusive, r.ApprovalRate*100, r.AvgApprovals)
	}
	_, _ = fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKER\tSTATUS\tSHARD\tTASK\tDONE\tHEARTBEAT")
	for _, wk := range st.Workers {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			wk.ID, wk.Status, orDash(wk.Specialization), orDash(wk.CurrentTaskID), wk.TasksCompleted, formatUnix(wk.LastHeartbeat))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(st.Breakers) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RESOURCE\tCIRCUIT\tFAILURES\tSHORT-CIRCUITED\tOPENED")
	for _, b := range st.Breakers {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			b.Resource, b.State, b.ConsecutiveFailures, b.ShortCircuitCount, formatUnix(b.OpenedAt))
	}
	return tw.Flush()
}

// newEventsCommand creates the events command.
func newEventsCommand(g *globals) *cobra.Command {
	var opts struct {
		Task   string
		Types  []string
		Since  int64
		Limit  int
		Follow bool
	}

	cmd := &cobra.Command{
		Use:   "events [task-id]",
		Short: "Show the audit log",
		Long: `Show audit events in order. With --follow, keep streaming new events
until interrupted.

Examples:
  # Everything that happened to one task
  taskengine events 3f1c...

  # Watch preemptions and timeouts live
  taskengine events -f --type TASK_PREEMPTED --type TASK_TIMED_OUT`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Task = args[0]
			}
			f := store.EventFilter{TaskID: opts.Task, Types: opts.Types, SinceSeq: opts.Since, Limit: opts.Limit}
			out := cmd.OutOrStdout()
			show := func(ev domain.Event) error {
				if g.JSON {
					return printJSON(out, ev)
				}
				_, err := fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.Seq, formatUnix(ev.CreatedAt), ev.Type, orDash(ev.TaskID), ev.Actor, ev.PayloadJSON)
				return err
			}

			if opts.Follow {
				return g.client().Follow(cmd.Context(), f, show)
			}
			events, err := g.client().Events(cmd.Context(), f)
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(out, events)
			}
			for _, ev := range events {
				if err := show(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Task, "task", "", "Only events for this task")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "Only these event types (repeatable)")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "Only events after this sequence number")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Maximum number of events")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "Stream new events")

	return cmd
}

// newWorkerCommand creates the worker command group.
func newWorkerCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start or stop pool workers",
	}
	cmd.AddCommand(newWorkerStartCommand(g), newWorkerStopCommand(g))
	return cmd
}

func newWorkerStartCommand(g *globals) *cobra.Command {
	var shard string

	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Add a worker to the running pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := config.WorkerConfig{ID: args[0], Specialization: shard}
			if err := g.client().StartWorker(cmd.Context(), spec); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Started worker %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&shard, "shard", "", "Only claim tasks for this specialization")
	return cmd
}

func newWorkerStopCommand(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Drain and stop a worker",
		Long: `Stop a worker after its current task finishes. If the task is still
running when --timeout expires it is released back to the queue without
consuming a retry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().StopWorker(cmd.Context(), args[0], timeout); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stopped worker %s\n", args[0])
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the current task")
	return cmd
}
