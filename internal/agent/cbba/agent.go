// Package cbba implements the consensus-based bundle algorithm: every agent
// greedily grows an ordered bundle of tasks and then reconciles its winning
// bid, winner and timestamp lists with its neighbours through the CBBA rule
// table.
package cbba

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/paulmach/orb"

	"consensus_auction/internal/domain"
	"consensus_auction/internal/geometry"
)

type Params struct {
	// MaxBundle is L_t, the most tasks a single agent may claim.
	MaxBundle int
	Velocity  float64
	Lambda    float64
	// CBar is the static reward per task, nil means 1 everywhere.
	CBar []float64
}

func (p Params) withDefaults(taskCount int) Params {
	if p.MaxBundle == 0 {
		p.MaxBundle = taskCount
	}
	if p.Velocity == 0 {
		p.Velocity = 1
	}
	if p.Lambda == 0 {
		p.Lambda = geometry.DefaultLambda
	}
	return p
}

func (p Params) validate(taskCount int) error {
	if p.MaxBundle < 1 {
		return fmt.Errorf("max bundle must be positive, got %d", p.MaxBundle)
	}
	if p.Velocity <= 0 {
		return fmt.Errorf("velocity must be positive, got %v", p.Velocity)
	}
	if p.Lambda <= 0 || p.Lambda > 1 {
		return fmt.Errorf("lambda must be within (0,1], got %v", p.Lambda)
	}
	if p.CBar != nil && len(p.CBar) != taskCount {
		return fmt.Errorf("c_bar has %d entries, want %d", len(p.CBar), taskCount)
	}
	return nil
}

// Message is a full snapshot of the sender's consensus state.
type Message struct {
	WinningBids []float64
	Winners     []int
	Timestamps  []int
}

// RuleHook observes every rule evaluation during UpdateTask.
type RuleHook func(rule int, action domain.Action)

type Option func(*Agent)

func WithRuleHook(hook RuleHook) Option {
	return func(a *Agent) {
		a.ruleHook = hook
	}
}

type Agent struct {
	id         int
	position   orb.Point
	tasks      []orb.Point
	agentCount int
	params     Params
	pathParams geometry.PathParams

	y      []float64 // winning bid per task
	z      []int     // believed winner per task, domain.NoAgent for none
	bundle []int     // claim order
	path   []int     // visiting order

	timeStep int
	s        []int // last fresh time per agent id

	ruleHook RuleHook
}

// New creates agent id out of agentCount. tasks is shared read-only with the
// other agents of the run.
func New(id int, position orb.Point, tasks []orb.Point, agentCount int, params Params, opts ...Option) (*Agent, error) {
	if agentCount < 1 || id < 0 || id >= agentCount {
		return nil, fmt.Errorf("agent id %d outside [0,%d)", id, agentCount)
	}
	params = params.withDefaults(len(tasks))
	if err := params.validate(len(tasks)); err != nil {
		return nil, err
	}

	a := &Agent{
		id:         id,
		position:   position,
		tasks:      tasks,
		agentCount: agentCount,
		params:     params,
		pathParams: geometry.PathParams{
			Lambda:   params.Lambda,
			Velocity: params.Velocity,
			CBar:     params.CBar,
		},
		y:      make([]float64, len(tasks)),
		z:      make([]int, len(tasks)),
		bundle: make([]int, 0, params.MaxBundle),
		path:   make([]int, 0, params.MaxBundle),
		s:      make([]int, agentCount),
	}
	for j := range a.z {
		a.z[j] = id
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) ID() int { return a.id }
func (a *Agent) Position() orb.Point { return a.position }
func (a *Agent) Bundle() []int { return slices.Clone(a.bundle) }
func (a *Agent) Path() []int { return slices.Clone(a.path) }
func (a *Agent) WinningBids() []float64 { return slices.Clone(a.y) }
func (a *Agent) Winners() []int { return slices.Clone(a.z) }
func (a *Agent) Timestamps() []int { return slices.Clone(a.s) }
func (a *Agent) TimeStep() int { return a.timeStep }

// BuildBundle greedily appends tasks until the bundle is full or no task's
// marginal path gain beats the best bid currently known for it. Each pick is
// the task with the highest gain, first index on ties, inserted into the
// path at its best position.
func (a *Agent) BuildBundle() {
	for len(a.bundle) < a.params.MaxBundle {
		best := -1
		bestGain := 0.0
		bestPos := 0
		for j := range a.tasks {
			if slices.Contains(a.bundle, j) {
				continue
			}
			gain, pos := geometry.BestInsertion(a.position, a.path, j, a.tasks, a.pathParams)
			if gain <= a.y[j] {
				continue
			}
			if best == -1 || gain > bestGain {
				best, bestGain, bestPos = j, gain, pos
			}
		}
		if best == -1 {
			return
		}
		a.bundle = append(a.bundle, best)
		a.path = geometry.Insert(a.path, bestPos, best)
		a.y[best] = bestGain
		a.z[best] = a.id
	}
}

// UpdateTask merges the neighbours' messages into the local lists through
// the rule table, refreshes timestamps, drops every bundle entry from the
// first outbid task on, and advances the local clock. It reports whether the
// path is unchanged.
func (a *Agent) UpdateTask(neighbors map[int]Message) (bool, error) {
	if len(neighbors) == 0 {
		return false, domain.ErrNoNeighbors
	}
	ids := make([]int, 0, len(neighbors))
	for k, msg := range neighbors {
		if err := a.checkMessage(k, msg); err != nil {
			return false, err
		}
		ids = append(ids, k)
	}
	sort.Ints(ids)

	oldPath := slices.Clone(a.path)

	for j := range a.tasks {
		for _, k := range ids {
			if err := a.resolve(j, k, neighbors[k]); err != nil {
				return false, err
			}
		}
	}

	a.refreshTimestamps(ids, neighbors)
	a.pruneBundle()
	a.timeStep++

	return slices.Equal(oldPath, a.path), nil
}

// SendMessage returns copies of y, z and s.
func (a *Agent) SendMessage() Message {
	return Message{
		WinningBids: slices.Clone(a.y),
		Winners:     slices.Clone(a.z),
		Timestamps:  slices.Clone(a.s),
	}
}

func (a *Agent) checkMessage(k int, msg Message) error {
	if k < 0 || k >= a.agentCount || k == a.id {
		return &ConflictError{Task: -1, Agent: a.id, Neighbor: k, Reason: "message from unknown or self id"}
	}
	if len(msg.WinningBids) != len(a.tasks) || len(msg.Winners) != len(a.tasks) || len(msg.Timestamps) != a.agentCount {
		return &ConflictError{Task: -1, Agent: a.id, Neighbor: k, Reason: "message dimensions do not match"}
	}
	return nil
}

// refreshTimestamps stamps self and every direct neighbour with the current
// time and takes, for everyone else, the freshest time any neighbour reports.
func (a *Agent) refreshTimestamps(ids []int, neighbors map[int]Message) {
	for m := range a.s {
		if _, direct := neighbors[m]; direct || m == a.id {
			a.s[m] = a.timeStep
			continue
		}
		latest := neighbors[ids[0]].Timestamps[m]
		for _, k := range ids[1:] {
			latest = max(latest, neighbors[k].Timestamps[m])
		}
		a.s[m] = latest
	}
}

// pruneBundle cuts the bundle at the first task no longer held by this agent.
// That task keeps the winner adopted from the neighbours; every later task is
// released, whoever the neighbours named for it. The path becomes the
// surviving bundle in claim order.
func (a *Agent) pruneBundle() {
	cut := len(a.bundle)
	for n, task := range a.bundle {
		if a.z[task] != a.id {
			cut = n
			break
		}
	}
	if cut < len(a.bundle) {
		for _, task := range a.bundle[cut+1:] {
			a.reset(task)
		}
		a.bundle = a.bundle[:cut]
	}
	a.path = append(a.path[:0], a.bundle...)
}

func (a *Agent) update(j int, bid float64, winner int) {
	a.y[j] = bid
	a.z[j] = winner
}

func (a *Agent) reset(j int) {
	a.y[j] = 0
	a.z[j] = domain.NoAgent
}

// ConflictError reports a message the rule table cannot classify.
type ConflictError struct {
	Task           int
	Agent          int
	Neighbor       int
	SelfHolder     int
	NeighborHolder int
	Reason         string
}

func (e *ConflictError) Error() string {
	if e.Task < 0 {
		return fmt.Sprintf("agent %d: neighbor %d: %s", e.Agent, e.Neighbor, e.Reason)
	}
	return fmt.Sprintf("agent %d: task %d: neighbor %d: self believes holder %d, neighbor believes holder %d: %s",
		e.Agent, e.Task, e.Neighbor, e.SelfHolder, e.NeighborHolder, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return domain.ErrInconsistentState
}

// IsConflict reports whether err came from an unclassifiable consensus state.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
