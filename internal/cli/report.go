package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/store"
)

// taskReport is everything recorded about one task's reviews.
type taskReport struct {
	Task    *domain.Task           `json:"task"`
	Votes   []domain.ConsensusVote `json:"votes"`
	Gates   []json.RawMessage      `json:"failed_gates"`
	History []domain.Event         `json:"history"`
}

// newReportCommand creates the report command.
func newReportCommand(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Summarize a task's review history",
		Long: `Summarize a task: its current state, every consensus vote, failed
gates and the full event history.

Examples:
  # Paste a review summary into a ticket
  taskengine report 3f1c... --format markdown`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.JSON {
				format = "json"
			}
			switch format {
			case "text", "markdown", "json":
			default:
				return domain.Errorf(domain.ErrConfigInvalid, "unknown report format %q (text, markdown or json)", format)
			}

			c := g.client()
			task, err := c.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			votes, err := c.Votes(cmd.Context(), task.ID)
			if err != nil {
				return err
			}
			events, err := c.Events(cmd.Context(), store.EventFilter{TaskID: task.ID})
			if err != nil {
				return err
			}
			r := &taskReport{Task: task, Votes: votes, History: events}
			for _, ev := range events {
				if ev.Type == domain.EventGateFailed {
					r.Gates = append(r.Gates, json.RawMessage(ev.PayloadJSON))
				}
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return printJSON(out, r)
			case "markdown":
				return printMarkdownReport(out, r)
			}
			return printTextReport(out, r)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "text, markdown or json")
	return cmd
}

func printTextReport(w io.Writer, r *taskReport) error {
	if err := printTaskDetail(w, r.Task); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w)
	if len(r.Votes) == 0 {
		_, _ = fmt.Fprintln(w, "No votes recorded.")
	} else if err := printVotes(w, r.Votes); err != nil {
		return err
	}
	for _, gate := range r.Gates {
		_, _ = fmt.Fprintf(w, "Failed gate: %s\n", gate)
	}
	_, _ = fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tACTOR")
	for _, ev := range r.History {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, formatUnix(ev.CreatedAt), ev.Type, orDash(ev.Actor))
	}
	return tw.Flush()
}

func printMarkdownReport(w io.Writer, r *taskReport) error {
	t := r.Task
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s\n\n", t.ID)
	fmt.Fprintf(&b, "- **State:** %s\n", t.State)
	fmt.Fprintf(&b, "- **Priority:** %s\n", t.Priority)
	fmt.Fprintf(&b, "- **Type:** %s\n", t.Type)
	if t.Phase != domain.PhaseNone {
		fmt.Fprintf(&b, "- **Phase:** %s\n", t.Phase)
	}
	fmt.Fprintf(&b, "- **Retries:** %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.Implementer != "" {
		fmt.Fprintf(&b, "- **Implementer:** %s\n", t.Implementer)
	}

	b.WriteString("\n## Votes\n\n")
	if len(r.Votes) == 0 {
		b.WriteString("No votes recorded.\n")
	} else {
		b.WriteString("| Round | Voter | Provider | Decision | Confidence | Category | Rationale |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, v := range r.Votes {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %.2f | %s | %s |\n",
				v.Round, v.Voter, v.Provider, v.Decision, v.Confidence, orDash(v.Category), mdCell(v.Rationale))
		}
	}

	if len(r.Gates) > 0 {
		b.WriteString("\n## Failed gates\n\n")
		for _, gate := range r.Gates {
			fmt.Fprintf(&b, "- `%s`\n", gate)
		}
	}

	b.WriteString("\n## History\n\n")
	for _, ev := range r.History {
		fmt.Fprintf(&b, "%d. %s **%s** by %s\n", ev.Seq, formatUnix(ev.CreatedAt), ev.Type, orDash(ev.Actor))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func mdCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// importSpec is one task in an import file.
type importSpec struct {
	ID             string `yaml:"id"`
	Type           string `yaml:"type"`
	Priority       string `yaml:"priority"`
	Phase          string `yaml:"phase"`
	Payload        any    `yaml:"payload"`
	PayloadVersion int    `yaml:"payload_version"`
	Specialization string `yaml:"specialization"`
	MaxRetries     *int   `yaml:"max_retries"`
	LockKey        string `yaml:"lock_key"`
}

func (s importSpec) taskSpec() (domain.TaskSpec, error) {
	spec := domain.TaskSpec{
		ID:             s.ID,
		Type:           s.Type,
		Priority:       domain.Priority(strings.ToUpper(s.Priority)),
		Phase:          domain.Phase(s.Phase),
		PayloadVersion: s.PayloadVersion,
		Specialization: s.Specialization,
		MaxRetries:     s.MaxRetries,
		LockKey:        s.LockKey,
	}
	switch p := s.Payload.(type) {
	case nil:
	case string:
		spec.Payload = []byte(p)
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return spec, fmt.Errorf("encode payload: %w", err)
		}
		spec.Payload = raw
	}
	return spec, nil
}

// readImport parses a YAML or JSON list of tasks. JSON parses as YAML.
func readImport(stdin io.Reader, file string) ([]domain.TaskSpec, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}

	var raw []importSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid, "parse import file", err)
	}
	specs := make([]domain.TaskSpec, 0, len(raw))
	for i, r := range raw {
		spec, err := r.taskSpec()
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrConfigInvalid, fmt.Sprintf("task %d", i+1), err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// newImportCommand creates the import command.
func newImportCommand(g *globals) *cobra.Command {
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Submit every task listed in a YAML or JSON file",
		Long: `Submit a batch of tasks from a YAML or JSON list ('-' reads stdin).
Each entry takes the same fields as submit:

  - type: build
    priority: high
    payload: {repo: api}
  - type: lint
    lock_key: repo-api

Tasks are submitted in file order. The import stops at the first rejected
task unless --keep-going is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readImport(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			c := g.client()
			var submitted []*domain.Task
			var firstErr error
			for i, spec := range specs {
				task, err := c.Submit(cmd.Context(), spec)
				if err != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "task %d: %v\n", i+1, err)
					if firstErr == nil {
						firstErr = err
					}
					if !keepGoing {
						break
					}
					continue
				}
				submitted = append(submitted, task)
			}

			if g.JSON {
				if err := printJSON(out, submitted); err != nil {
					return err
				}
			} else {
				for _, t := range submitted {
					_, _ = fmt.Fprintf(out, "Submitted task %s (%s, %s)\n", t.ID, t.Priority, t.Type)
				}
				_, _ = fmt.Fprintf(out, "Imported %d of %d tasks\n", len(submitted), len(specs))
			}
			return firstErr
		},
	}
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Submit the remaining tasks after a rejection")
	return cmd
}
