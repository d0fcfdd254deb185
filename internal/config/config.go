// Package config loads the engine's runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
)

// ResourceConfig defines how to launch the process behind one external agent.
type ResourceConfig struct {
	// Provider names the underlying model vendor. Voters are never drawn
	// from the provider that implemented the work under review.
	Provider string            `yaml:"provider"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	// CostPerCallUSD is charged when the agent does not report its own cost.
	CostPerCallUSD float64 `yaml:"cost_per_call_usd"`
}

// Store configures the SQLite state store.
type Store struct {
	Path string `yaml:"path"`
}

// Logging configures the structured logger.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Telemetry configures OTLP export. An empty endpoint keeps telemetry in process.
type Telemetry struct {
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// HTTP configures the operator API.
type HTTP struct {
	Listen string `yaml:"listen"`
}

// Signal configures the push control channel. An empty NATS URL selects the
// in-process bus.
type Signal struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Scheduler configures the scheduling cycle and starvation promotion.
type Scheduler struct {
	Interval time.Duration `yaml:"interval"`
	// Promotion maps a lane to how long a task may wait in it before moving up.
	Promotion map[domain.Priority]time.Duration `yaml:"promotion"`
}

// WorkerConfig declares one pool slot.
type WorkerConfig struct {
	ID             string   `yaml:"id"`
	Specialization string   `yaml:"specialization"`
	TaskTypes      []string `yaml:"task_types"`
}

// Pool configures the fixed worker pool.
type Pool struct {
	Size              int            `yaml:"size"`
	IDPrefix          string         `yaml:"id_prefix"`
	Workers           []WorkerConfig `yaml:"workers"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	DispatchTimeout   time.Duration  `yaml:"dispatch_timeout"`
	IdlePoll          time.Duration  `yaml:"idle_poll"`
}

// Budget configures the spend governor.
type Budget struct {
	Interval       time.Duration `yaml:"interval"`
	Window         time.Duration `yaml:"window"`
	WarnRate       float64       `yaml:"warn_rate_per_min"`
	KillRate       float64       `yaml:"kill_rate_per_min"`
	DailyCapUSD    float64       `yaml:"daily_cap_usd"`
	SessionCapUSD  float64       `yaml:"session_cap_usd"`
	DailyResetHour int           `yaml:"daily_reset_hour"`
}

// Breaker configures the per-resource circuit breakers.
type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Reaper configures crash recovery.
type Reaper struct {
	Interval       time.Duration            `yaml:"interval"`
	Factor         float64                  `yaml:"factor"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	WorkerGrace    time.Duration            `yaml:"worker_grace"`
	LockMaxAge     time.Duration            `yaml:"lock_max_age"`
	ReviewTimeout  time.Duration            `yaml:"review_timeout"`
}

// GateConfig declares one quality gate.
type GateConfig struct {
	ID       string `yaml:"id"`
	Blocking bool   `yaml:"blocking"`
	Resource string `yaml:"resource"`
}

// VoterConfig declares one consensus voter.
type VoterConfig struct {
	ID       string  `yaml:"id"`
	Provider string  `yaml:"provider"`
	Resource string  `yaml:"resource"`
	Weight   float64 `yaml:"weight"`
	// VetoCategories lists the rejection categories this voter may veto on.
	VetoCategories []string `yaml:"veto_categories"`
}

// Review configures the approval engine.
type Review struct {
	Interval  time.Duration `yaml:"interval"`
	Mode      string        `yaml:"mode"`
	Threshold float64       `yaml:"threshold"`
	// MinApprovals is the fewest APPROVE votes that pass a review.
	MinApprovals int           `yaml:"min_approvals"`
	GateTimeout  time.Duration `yaml:"gate_timeout"`
	VoteTimeout  time.Duration `yaml:"vote_timeout"`
	// GatesOnly approves on quality gates and phase requirements alone.
	// It must be set explicitly and excludes voters.
	GatesOnly bool          `yaml:"gates_only"`
	Gates     []GateConfig  `yaml:"gates"`
	Voters    []VoterConfig `yaml:"voters"`
}

// PhaseConfig lists what a phase must produce before it may advance.
type PhaseConfig struct {
	Artifacts []string `yaml:"artifacts"`
	Gates     []string `yaml:"gates"`
}

// Dispatch selects the primary execution resource and its fallbacks.
type Dispatch struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
	// RateLimitPerMinute caps calls per resource per minute. Zero is unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	Store     Store                        `yaml:"store"`
	Logging   Logging                      `yaml:"logging"`
	Telemetry Telemetry                    `yaml:"telemetry"`
	HTTP      HTTP                         `yaml:"http"`
	Signal    Signal                       `yaml:"signal"`
	Scheduler Scheduler                    `yaml:"scheduler"`
	Pool      Pool                         `yaml:"pool"`
	Budget    Budget                       `yaml:"budget"`
	Breaker   Breaker                      `yaml:"breaker"`
	Reaper    Reaper                       `yaml:"reaper"`
	Review    Review                       `yaml:"review"`
	Phases    map[domain.Phase]PhaseConfig `yaml:"phases"`
	Dispatch  Dispatch                     `yaml:"dispatch"`
	Resources map[string]ResourceConfig    `yaml:"resources"`
}

// Defaults returns a Config with every tunable set to its default.
func Defaults() Config {
	return Config{
		Store:     Store{Path: "taskengine.db"},
		Logging:   Logging{Level: "info", Service: "taskengine"},
		Telemetry: Telemetry{ExportInterval: 30 * time.Second},
		HTTP:      HTTP{Listen: "127.0.0.1:9800"},
		Signal:    Signal{Subject: "taskengine.control"},
		Scheduler: Scheduler{
			Interval: 2 * time.Second,
			Promotion: map[domain.Priority]time.Duration{
				domain.PriorityLow:    4 * time.Hour,
				domain.PriorityMedium: 8 * time.Hour,
				domain.PriorityHigh:   24 * time.Hour,
			},
		},
		Pool: Pool{
			Size:              5,
			IDPrefix:          "worker",
			HeartbeatInterval: 10 * time.Second,
			DispatchTimeout:   30 * time.Minute,
			IdlePoll:          2 * time.Second,
		},
		Budget: Budget{
			Interval:       10 * time.Second,
			Window:         5 * time.Minute,
			WarnRate:       0.50,
			KillRate:       1.00,
			DailyCapUSD:    50,
			DailyResetHour: 0,
		},
		Breaker: Breaker{
			FailureThreshold: 3,
			Window:           5 * time.Minute,
			Cooldown:         60 * time.Second,
		},
		Reaper: Reaper{
			Interval: 15 * time.Second,
			Factor:   1.5,
			Timeouts: map[string]time.Duration{
				"lint":   2 * time.Minute,
				"format": 2 * time.Minute,
				"review": 10 * time.Minute,
				"test":   20 * time.Minute,
				"build":  30 * time.Minute,
			},
			DefaultTimeout: 10 * time.Minute,
			WorkerGrace:    90 * time.Second,
			LockMaxAge:     2 * time.Hour,
			ReviewTimeout:  15 * time.Minute,
		},
		Review: Review{
			Interval:     3 * time.Second,
			Mode:         "weighted",
			Threshold:    2.0 / 3.0,
			MinApprovals: 2,
			GateTimeout:  5 * time.Minute,
			VoteTimeout:  2 * time.Minute,
		},
	}
}

// WorkerSlots expands the pool configuration into one entry per worker.
// Explicit workers come first; remaining slots get generated IDs.
func (c *Config) WorkerSlots() []WorkerConfig {
	slots := make([]WorkerConfig, 0, c.Pool.Size)
	seen := make(map[string]bool)
	for _, w := range c.Pool.Workers {
		if len(slots) == c.Pool.Size {
			break
		}
		slots = append(slots, w)
		seen[w.ID] = true
	}
	for i := 1; len(slots) < c.Pool.Size; i++ {
		id := fmt.Sprintf("%s-%d", c.Pool.IDPrefix, i)
		if seen[id] {
			continue
		}
		slots = append(slots, WorkerConfig{ID: id})
	}
	return slots
}

func (c *Config) validate() error {
	var problems []string

	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if len(c.Resources) == 0 {
		problems = append(problems, "at least one resource is required")
	}
	if c.Dispatch.Primary == "" {
		problems = append(problems, "dispatch.primary is required")
	} else if _, ok := c.Resources[c.Dispatch.Primary]; !ok {
		problems = append(problems, fmt.Sprintf("dispatch.primary %q is not a configured resource", c.Dispatch.Primary))
	}
	for _, fb := range c.Dispatch.Fallbacks {
		if _, ok := c.Resources[fb]; !ok {
			problems = append(problems, fmt.Sprintf("dispatch fallback %q is not a configured resource", fb))
		}
	}
	if c.Dispatch.RateLimitPerMinute < 0 {
		problems = append(problems, "dispatch.rate_limit_per_minute must be >= 0")
	}
	if c.Pool.Size < 1 {
		problems = append(problems, "pool.size must be >= 1")
	}
	if len(c.Pool.Workers) > c.Pool.Size {
		problems = append(problems, "pool.workers lists more workers than pool.size")
	}
	for lane := range c.Scheduler.Promotion {
		if !lane.Valid() || lane == domain.PriorityCritical {
			problems = append(problems, fmt.Sprintf("scheduler.promotion has no lane %q to promote from", lane))
		}
	}
	if c.Budget.Window <= 0 {
		problems = append(problems, "budget.window must be positive")
	}
	if c.Budget.KillRate <= 0 {
		problems = append(problems, "budget.kill_rate_per_min must be positive")
	}
	if c.Budget.WarnRate < 0 || (c.Budget.WarnRate > 0 && c.Budget.WarnRate >= c.Budget.KillRate) {
		problems = append(problems, "budget.warn_rate_per_min must be below the kill rate")
	}
	if c.Budget.DailyResetHour < 0 || c.Budget.DailyResetHour > 23 {
		problems = append(problems, "budget.daily_reset_hour must be 0-23")
	}
	if c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.Cooldown <= 0 {
		problems = append(problems, "breaker.cooldown must be positive")
	}
	if c.Reaper.Factor < 1 {
		problems = append(problems, "reaper.factor must be >= 1")
	}
	if c.Reaper.DefaultTimeout <= 0 {
		problems = append(problems, "reaper.default_timeout must be positive")
	}
	switch c.Review.Mode {
	case "weighted", "unanimous":
	default:
		problems = append(problems, fmt.Sprintf("review.mode %q must be weighted or unanimous", c.Review.Mode))
	}
	if c.Review.Threshold <= 0 || c.Review.Threshold > 1 {
		problems = append(problems, "review.threshold must be in (0, 1]")
	}
	switch n := len(c.Review.Voters); {
	case c.Review.GatesOnly && n > 0:
		problems = append(problems, "review.gates_only excludes review.voters")
	case !c.Review.GatesOnly && n < 2:
		problems = append(problems, "review.voters needs at least two voters, or set review.gates_only")
	case !c.Review.GatesOnly && c.Review.MinApprovals > n:
		problems = append(problems, fmt.Sprintf("review.min_approvals %d exceeds the %d voters", c.Review.MinApprovals, n))
	}
	if c.Review.MinApprovals < 2 {
		problems = append(problems, "review.min_approvals must be at least 2")
	}
	for _, v := range c.Review.Voters {
		if v.ID == "" || v.Provider == "" {
			problems = append(problems, "every review voter needs an id and a provider")
			continue
		}
		if _, ok := c.Resources[v.Resource]; !ok {
			problems = append(problems, fmt.Sprintf("voter %s uses unknown resource %q", v.ID, v.Resource))
		}
	}
	for _, g := range c.Review.Gates {
		if _, ok := c.Resources[g.Resource]; !ok {
			problems = append(problems, fmt.Sprintf("gate %s uses unknown resource %q", g.ID, g.Resource))
		}
	}

	if len(problems) > 0 {
		return domain.Errorf(domain.ErrConfigInvalid, "%s: %v", domain.ErrConfigInvalid.Message, problems)
	}
	return nil
}
