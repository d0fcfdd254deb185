// Package cli provides the taskengine command-line interface.
package cli

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/ipc"
)

// Command group IDs.
const (
	groupEngine = "engine"
	groupTask   = "task"
	groupOps    = "ops"
)

// EnvAddr overrides the engine address used by client commands.
const EnvAddr = "TASKENGINE_ADDR"

// globals holds the persistent flags shared by every command.
type globals struct {
	ConfigPath string
	Addr       string
	Actor      string
	JSON       bool
}

// client returns an API client for the engine. The address comes from
// --addr, then TASKENGINE_ADDR, then http.listen in the config file.
func (g *globals) client() *ipc.Client {
	addr := g.Addr
	if addr == "" {
		addr = os.Getenv(EnvAddr)
	}
	if addr == "" {
		addr = config.Defaults().HTTP.Listen
		// Client commands only need the address, so an otherwise invalid
		// config file is still worth reading.
		if cfg, err := config.Load(g.ConfigPath); err == nil && cfg.HTTP.Listen != "" {
			addr = cfg.HTTP.Listen
		}
	}
	return ipc.NewClient(addr)
}

// NewRootCommand creates the root command for taskengine.
func NewRootCommand(version string) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "taskengine",
		Short: "Long-running task orchestration engine",
		Long: `taskengine schedules prioritized tasks onto a pool of workers that
dispatch them to external agents, reviews the results by quality gates
and multi-provider consensus, and keeps spend and failing resources in
check around the clock.

Run 'taskengine serve' to start the engine. Every other command talks
to a running engine over its HTTP API.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents Cobra from printing errors (we handle it in main)
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", config.DefaultConfigFile, "Path to the YAML config file")
	root.PersistentFlags().StringVar(&g.Addr, "addr", "", "Engine API address (default from config http.listen)")
	root.PersistentFlags().StringVar(&g.Actor, "actor", "", "Name recorded as the actor of operator actions")
	root.PersistentFlags().BoolVar(&g.JSON, "json", false, "Print JSON instead of tables")

	root.AddGroup(
		&cobra.Group{ID: groupEngine, Title: "Engine:"},
		&cobra.Group{ID: groupTask, Title: "Tasks:"},
		&cobra.Group{ID: groupOps, Title: "Operations:"},
	)

	for _, cmd := range []*cobra.Command{newServeCommand(g)} {
		cmd.GroupID = groupEngine
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{
		newSubmitCommand(g),
		newTaskCommand(g),
		newTasksCommand(g),
		newTaskActionCommand(g, "cancel", "Cancel a task", true),
		newTaskActionCommand(g, "escalate", "Escalate a task for human attention", true),
		newTaskActionCommand(g, "requeue", "Return an escalated task to the queue", false),
		newTaskActionCommand(g, "pause-task", "Pause a task", false),
		newTaskActionCommand(g, "resume-task", "Resume a paused task", false),
		newSetRetriesCommand(g),
		newReviewCommand(g),
		newVotesCommand(g),
		newReportCommand(g),
		newImportCommand(g),
	} {
		cmd.GroupID = groupTask
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{
		newGovernorCommand(g, "pause", "Stop new claims; running tasks continue"),
		newGovernorCommand(g, "resume", "Clear a pause or kill"),
		newGovernorCommand(g, "kill", "Stop new claims and release running tasks"),
		newGovernorCommand(g, "reset-session", "Start a new spend session"),
		newStatusCommand(g),
		newEventsCommand(g),
		newWorkerCommand(g),
	} {
		cmd.GroupID = groupOps
		root.AddCommand(cmd)
	}

	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
