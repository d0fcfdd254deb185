package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/review"
	"github.com/rogers-f/taskengine/internal/store"
)

// newSubmitCommand creates the submit command.
func newSubmitCommand(g *globals) *cobra.Command {
	var opts struct {
		ID             string
		Type           string
		Priority       string
		Phase          string
		Payload        string
		PayloadFile    string
		PayloadVersion int
		Specialization string
		MaxRetries     int
		LockKey        string
	}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Long: `Submit a task to the queue.

The payload is opaque to the engine and handed to the executing agent as
is. Pass it inline with --payload or from a file with --payload-file
('-' reads stdin).

Examples:
  # Submit a high priority build
  taskengine submit --type build --priority HIGH --payload '{"repo":"api"}'

  # Submit work for the python shard that must not overlap other migrations
  taskengine submit --type migrate --shard python --lock-key db-schema`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec := domain.TaskSpec{
				ID:             opts.ID,
				Type:           opts.Type,
				Priority:       domain.Priority(strings.ToUpper(opts.Priority)),
				Phase:          domain.Phase(opts.Phase),
				PayloadVersion: opts.PayloadVersion,
				Specialization: opts.Specialization,
				LockKey:        opts.LockKey,
			}
			if cmd.Flags().Changed("max-retries") {
				spec.MaxRetries = &opts.MaxRetries
			}

			payload, err := readPayload(cmd.InOrStdin(), opts.Payload, opts.PayloadFile)
			if err != nil {
				return err
			}
			spec.Payload = payload

			task, err := g.client().Submit(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), task)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s (%s, %s)\n", task.ID, task.Priority, task.Type)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "Task ID (generated when empty)")
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "Task type, used for timeouts and routing")
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "MEDIUM", "CRITICAL, HIGH, MEDIUM or LOW")
	cmd.Flags().StringVar(&opts.Phase, "phase", "", "Workflow phase")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "Inline payload")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "Read the payload from a file ('-' for stdin)")
	cmd.Flags().IntVar(&opts.PayloadVersion, "payload-version", 0, "Payload schema version")
	cmd.Flags().StringVar(&opts.Specialization, "shard", "", "Worker specialization required to run the task")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "Retry limit (engine default when unset)")
	cmd.Flags().StringVar(&opts.LockKey, "lock-key", "", "Resource lock held while the task runs")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func readPayload(stdin io.Reader, inline, file string) ([]byte, error) {
	switch {
	case inline != "":
		return []byte(inline), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return data, nil
	}
	return nil, nil
}

// newTaskCommand creates the task command showing one task.
func newTaskCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "task <id>",
		Aliases: []string{"show", "get"},
		Short:   "Show a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := g.client().Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), task)
			}
			return printTaskDetail(cmd.OutOrStdout(), task)
		},
	}
}

func printTaskDetail(w io.Writer, t *domain.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	priority := string(t.Priority)
	if t.BoostCount > 0 {
		priority = fmt.Sprintf("%s (from %s, +%d)", t.Priority, t.OriginalPriority, t.BoostCount)
	}
	rows := [][2]string{
		{"ID", t.ID},
		{"Type", t.Type},
		{"State", string(t.State)},
		{"Priority", priority},
		{"Phase", orDash(string(t.Phase))},
		{"Shard", orDash(t.Specialization)},
		{"Worker", orDash(t.WorkerID)},
		{"Retries", fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)},
		{"Lock", orDash(t.LockKey)},
		{"Implementer", orDash(t.Implementer)},
		{"Result", orDash(t.ResultRef)},
		{"Progress", orDash(t.ProgressMarker)},
		{"Last error", orDash(t.LastError)},
		{"Trace", t.TraceID},
		{"Created", formatUnix(t.CreatedAt)},
		{"Updated", formatUnix(t.UpdatedAt)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	if t.Feedback != "" {
		_, _ = fmt.Fprintf(tw, "Feedback:\t%s\n", t.Feedback)
	}
	return tw.Flush()
}

// newTasksCommand creates the tasks command listing tasks.
func newTasksCommand(g *globals) *cobra.Command {
	var opts struct {
		States   []string
		Priority string
		Worker   string
		Limit    int
	}

	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"ls", "list"},
		Short:   "List tasks",
		Long: `List tasks, highest priority first and oldest first within a lane.

Examples:
  # Everything waiting or running
  taskengine tasks --state QUEUED --state RUNNING

  # Work escalated for a human
  taskengine tasks --state ESCALATED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.TaskFilter{
				Priority: domain.Priority(strings.ToUpper(opts.Priority)),
				WorkerID: opts.Worker,
				Limit:    opts.Limit,
			}
			for _, s := range opts.States {
				f.States = append(f.States, domain.TaskState(strings.ToUpper(s)))
			}
			tasks, err := g.client().Tasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			return printTaskList(cmd.OutOrStdout(), tasks)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.States, "state", "s", nil, "Filter by state (repeatable)")
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "", "Filter by priority")
	cmd.Flags().StringVarP(&opts.Worker, "worker", "w", "", "Filter by worker")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Maximum number of tasks")

	return cmd
}

func printTaskList(w io.Writer, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPRIORITY\tSTATE\tTYPE\tWORKER\tRETRIES\tCREATED")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, t.Priority, t.State, t.Type, orDash(t.WorkerID), t.RetryCount, t.MaxRetries, formatUnix(t.CreatedAt))
	}
	return tw.Flush()
}

// taskActions maps command names to API actions.
var taskActions = map[string]string{
	"cancel":      "cancel",
	"escalate":    "escalate",
	"requeue":     "requeue",
	"pause-task":  "pause",
	"resume-task": "resume",
}

// newTaskActionCommand creates a command that applies one operator action
// to a task.
func newTaskActionCommand(g *globals, name, short string, withReason bool) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := g.client().TaskAction(cmd.Context(), args[0], taskActions[name], g.Actor, reason)
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), task)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", task.ID, task.State)
			return err
		},
	}

	if withReason {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the action")
	}
	return cmd
}

// newSetRetriesCommand creates the set-retries command.
func newSetRetriesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set-retries <id> <max>",
		Short: "Override a task's retry limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid retry limit %q: %w", args[1], err)
			}
			task, err := g.client().SetMaxRetries(cmd.Context(), args[0], g.Actor, n)
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), task)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Task %s retries %d/%d\n", task.ID, task.RetryCount, task.MaxRetries)
			return err
		},
	}
}

// newReviewCommand creates the review command.
func newReviewCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "review <id>",
		Short: "Review a task now instead of waiting for the review loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := g.client().ReviewNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), d)
			}
			return printDecision(cmd.OutOrStdout(), d)
		},
	}
}

func printDecision(w io.Writer, d *review.Decision) error {
	_, _ = fmt.Fprintf(w, "Task %s round %d: %s\n", d.TaskID, d.Round, d.Verdict)
	for _, gate := range d.Gates {
		status := "pass"
		if !gate.Pass {
			status = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "  gate %s: %s\n", gate.GateID, status)
	}
	if len(d.Votes) > 0 {
		if err := printVotes(w, d.Votes); err != nil {
			return err
		}
	}
	if d.Feedback != nil {
		data, err := json.Marshal(d.Feedback)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "Feedback: %s\n", data)
	}
	return nil
}

// newVotesCommand creates the votes command.
func newVotesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "votes <id>",
		Short: "Show the consensus votes cast on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			votes, err := g.client().Votes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return printJSON(cmd.OutOrStdout(), votes)
			}
			if len(votes) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No votes recorded.")
				return err
			}
			return printVotes(cmd.OutOrStdout(), votes)
		},
	}
}

func printVotes(w io.Writer, votes []domain.ConsensusVote) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROUND\tGATE\tVOTER\tPROVIDER\tDECISION\tCONFIDENCE\tCATEGORY")
	for _, v := range votes {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			v.Round, v.GateID, v.Voter, v.Provider, v.Decision, v.Confidence, orDash(v.Category))
	}
	return tw.Flush()
}
