package domain

import (
	"errors"
	"sort"
	"time"

	"github.com/paulmach/orb"
)

// NoAgent marks a task that nobody is believed to hold.
const NoAgent = -1

var (
	ErrNoNeighbors       = errors.New("consensus update needs at least one neighbor message")
	ErrInconsistentState = errors.New("consensus state is internally inconsistent")
	ErrInvalidScenario   = errors.New("invalid scenario")
)

type Protocol string

const (
	ProtocolCBAA Protocol = "cbaa"
	ProtocolCBBA Protocol = "cbba"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusConverged RunStatus = "converged"
	RunStatusExhausted RunStatus = "exhausted"
	RunStatusFailed    RunStatus = "failed"
)

// Action is the outcome of a single consensus rule.
type Action string

const (
	ActionUpdate Action = "update"
	ActionReset  Action = "reset"
	ActionLeave  Action = "leave"
)

// Scenario is the fixed input of a run: task and agent positions plus the
// communication graph. Agent i in Agents has id i.
type Scenario struct {
	Tasks  []orb.Point
	Agents []orb.Point
	Graph  Graph
}

// Graph is the read-only view of the communication topology used by the
// coordinator.
type Graph interface {
	Size() int
	Neighbors(id int) []int
}

type AgentSnapshot struct {
	AgentID     int       `json:"agent_id"`
	Position    orb.Point `json:"position"`
	Path        []int     `json:"path"`
	Bundle      []int     `json:"bundle,omitempty"`
	WinningBids []float64 `json:"winning_bids"`
	Winners     []int     `json:"winners,omitempty"`
	Converged   bool      `json:"converged"`
}

type RoundSnapshot struct {
	RunID    string          `json:"run_id"`
	Protocol Protocol        `json:"protocol"`
	Round    int             `json:"round"`
	Agents   []AgentSnapshot `json:"agents"`
	At       time.Time       `json:"at"`
}

type Outcome struct {
	RunID     string        `json:"run_id"`
	Protocol  Protocol      `json:"protocol"`
	Status    RunStatus     `json:"status"`
	Converged bool          `json:"converged"`
	Rounds    int           `json:"rounds"`
	Reason    string        `json:"reason,omitempty"`
	Paths     map[int][]int `json:"paths"`
	Elapsed   time.Duration `json:"elapsed"`
}

// TaskOwners inverts Paths into task -> agents claiming it.
func (o Outcome) TaskOwners() map[int][]int {
	ids := make([]int, 0, len(o.Paths))
	for agentID := range o.Paths {
		ids = append(ids, agentID)
	}
	sort.Ints(ids)

	owners := make(map[int][]int)
	for _, agentID := range ids {
		for _, task := range o.Paths[agentID] {
			owners[task] = append(owners[task], agentID)
		}
	}
	return owners
}

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	ID         string        `json:"id"`
	Protocol   Protocol      `json:"protocol"`
	Status     RunStatus     `json:"status"`
	Converged  bool          `json:"converged"`
	Rounds     int           `json:"rounds"`
	Reason     string        `json:"reason,omitempty"`
	AgentCount int           `json:"agent_count"`
	TaskCount  int           `json:"task_count"`
	Paths      map[int][]int `json:"paths,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// AgentState is the latest persisted snapshot of one agent within a run.
type AgentState struct {
	RunID string `json:"run_id"`
	Round int    `json:"round"`
	AgentSnapshot
	UpdatedAt time.Time `json:"updated_at"`
}
