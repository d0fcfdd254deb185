package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
)

const (
	maxLineSize  = 1 << 20
	stderrTail   = 2048
	processGrace = 2 * time.Second
)

// line is the envelope of every JSON line a resource process writes to stdout.
type line struct {
	Type    string `json:"type"`
	Marker  string `json:"marker,omitempty"`
	Message string `json:"message,omitempty"`
}

// runProcess launches spec, writes input as one JSON line to stdin and
// hands every typed JSON line from stdout to onLine. Untyped or non-JSON
// lines are ignored. It reports whether the process was started, since
// only a started process costs anything.
func runProcess(ctx context.Context, spec ResourceSpec, input any, onLine func(l line, raw []byte) error) (bool, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return false, fmt.Errorf("marshal %s request: %w", spec.Name, err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr tailBuffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = processGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return false, domain.WrapEngineError(domain.ErrAgentFailed, "start "+spec.Name, err)
	}

	var lineErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		var l line
		if err := json.Unmarshal(raw, &l); err != nil || l.Type == "" {
			continue
		}
		if lineErr != nil {
			continue
		}
		lineErr = onLine(l, append([]byte(nil), raw...))
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Nothing reads stdout any more; stop the writers before Wait.
		_ = cmd.Process.Kill()
		_ = stdout.Close()
	}
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return true, domain.WrapEngineError(domain.ErrAgentTimeout, spec.Name+" timed out", ctxErr)
		}
		return true, fmt.Errorf("%s: %w", spec.Name, ctxErr)
	}
	if lineErr != nil {
		return true, lineErr
	}
	if scanErr != nil {
		return true, domain.WrapEngineError(domain.ErrAgentInvalidResponse, "read "+spec.Name+" output", scanErr)
	}
	if waitErr != nil {
		msg := fmt.Sprintf("%s exited", spec.Name)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg += " (" + tail + ")"
		}
		return true, domain.WrapEngineError(domain.ErrAgentFailed, msg, waitErr)
	}
	return true, nil
}

// callCost is what one started call to spec cost: the reported amount, or
// the configured per-call price when the process reported none.
func callCost(spec ResourceSpec, reported float64) float64 {
	if reported > 0 {
		return reported
	}
	return spec.CostPerCallUSD
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - stderrTail; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

func failureLine(name string, l line) error {
	msg := l.Message
	if msg == "" {
		msg = "reported failure"
	}
	return domain.Errorf(domain.ErrAgentFailed, "%s: %s", name, msg)
}

func decodeResult(name string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.WrapEngineError(domain.ErrAgentInvalidResponse, name+" result", err)
	}
	return nil
}

// CommandExecutor dispatches tasks to resource processes. Each call starts
// one process, sends the request on stdin and reads "progress", "result"
// and "error" lines from stdout.
type CommandExecutor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewCommandExecutor creates an executor over registry.
func NewCommandExecutor(registry *Registry, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{registry: registry, logger: logger}
}

// Dispatch implements Executor.
func (e *CommandExecutor) Dispatch(ctx context.Context, resource string, req Request) (*Result, error) {
	spec, err := e.registry.Get(resource)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	input := struct {
		Kind string `json:"kind"`
		Request
	}{Kind: "dispatch", Request: req}

	var res *Result
	ran, err := runProcess(ctx, spec, input, func(l line, raw []byte) error {
		switch l.Type {
		case "progress":
			if l.Marker != "" && req.OnProgress != nil {
				req.OnProgress(l.Marker)
			}
		case "result":
			var r Result
			if err := decodeResult(spec.Name, raw, &r); err != nil {
				return err
			}
			res = &r
		case "error":
			return failureLine(spec.Name, l)
		default:
			e.logger.Debug("ignoring agent line", "resource", spec.Name, "type", l.Type)
		}
		return nil
	})
	if err == nil && res == nil {
		err = domain.Errorf(domain.ErrAgentInvalidResponse, "%s exited without a result", spec.Name)
	}
	if !ran {
		return nil, err
	}
	if err != nil {
		partial := &Result{Duration: time.Since(start)}
		if res != nil {
			partial.CostUSD, partial.InputSize, partial.OutputSize = res.CostUSD, res.InputSize, res.OutputSize
		}
		partial.CostUSD = callCost(spec, partial.CostUSD)
		return partial, err
	}
	res.Duration = time.Since(start)
	res.CostUSD = callCost(spec, res.CostUSD)
	return res, nil
}

// CommandGate evaluates quality gates by running the resource configured
// for each gate.
type CommandGate struct {
	registry  *Registry
	resources map[string]string
}

// NewCommandGate maps gate ids to the resources that evaluate them.
func NewCommandGate(registry *Registry, gateResources map[string]string) *CommandGate {
	return &CommandGate{registry: registry, resources: gateResources}
}

// Resource returns the resource that evaluates gateID.
func (g *CommandGate) Resource(gateID string) string { return g.resources[gateID] }

// Evaluate implements GateEvaluator.
func (g *CommandGate) Evaluate(ctx context.Context, artifactRef, gateID string) (GateResult, error) {
	name, ok := g.resources[gateID]
	if !ok {
		return GateResult{}, domain.Errorf(domain.ErrResourceUnknown, "gate %q has no resource", gateID)
	}
	spec, err := g.registry.Get(name)
	if err != nil {
		return GateResult{}, err
	}
	input := map[string]string{"kind": "gate", "gate_id": gateID, "artifact_ref": artifactRef}

	var res *GateResult
	ran, err := runProcess(ctx, spec, input, func(l line, raw []byte) error {
		switch l.Type {
		case "result":
			var r GateResult
			if err := decodeResult(spec.Name, raw, &r); err != nil {
				return err
			}
			res = &r
		case "error":
			return failureLine(spec.Name, l)
		}
		return nil
	})
	if err == nil && res == nil {
		err = domain.Errorf(domain.ErrAgentInvalidResponse, "gate %s returned no result", gateID)
	}
	if err != nil {
		if !ran {
			return GateResult{}, err
		}
		var reported float64
		if res != nil {
			reported = res.CostUSD
		}
		return GateResult{CostUSD: callCost(spec, reported)}, err
	}
	res.CostUSD = callCost(spec, res.CostUSD)
	return *res, nil
}

// CommandVoter asks one resource process for a vote.
type CommandVoter struct {
	registry *Registry
	resource string
}

// NewCommandVoter creates a voter backed by resource.
func NewCommandVoter(registry *Registry, resource string) *CommandVoter {
	return &CommandVoter{registry: registry, resource: resource}
}

// Vote implements Voter.
func (v *CommandVoter) Vote(ctx context.Context, req VoteRequest) (Vote, error) {
	spec, err := v.registry.Get(v.resource)
	if err != nil {
		return Vote{}, err
	}
	input := struct {
		Kind string `json:"kind"`
		VoteRequest
	}{Kind: "vote", VoteRequest: req}

	var out *Vote
	ran, err := runProcess(ctx, spec, input, func(l line, raw []byte) error {
		switch l.Type {
		case "result":
			var r Vote
			if err := decodeResult(spec.Name, raw, &r); err != nil {
				return err
			}
			out = &r
		case "error":
			return failureLine(spec.Name, l)
		}
		return nil
	})
	if err == nil && out == nil {
		err = domain.Errorf(domain.ErrAgentInvalidResponse, "voter %s returned no vote", v.resource)
	}
	if err != nil {
		if !ran {
			return Vote{}, err
		}
		var reported float64
		if out != nil {
			reported = out.CostUSD
		}
		return Vote{CostUSD: callCost(spec, reported)}, err
	}
	out.CostUSD = callCost(spec, out.CostUSD)
	return *out, nil
}
