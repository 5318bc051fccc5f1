// Package cbaa implements the single-assignment consensus-based auction.
//
// Each agent bids on at most one task per round (SelectTask) and then
// reconciles with its neighbours by taking the element-wise max of every
// winning-bid vector it hears (UpdateTask). An agent keeps its task only while
// it still holds the highest known bid on it.
package cbaa

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"consensus_auction/internal/domain"
	"consensus_auction/internal/geometry"
)

const unassigned = -1

// Message is the full winning-bid vector of the sender.
type Message []float64

type Agent struct {
	id       int
	position orb.Point
	scores   []float64

	// task index or unassigned; the x vector of the auction is implied by it
	assignment  int
	winningBids []float64
	// set while the assignment was placed in the current round
	fresh bool
}

// New creates an agent that scores every task by negative distance from
// position.
func New(id int, position orb.Point, tasks []orb.Point) *Agent {
	return NewWithScores(id, position, geometry.Scores(position, tasks))
}

// NewWithScores creates an agent with a caller supplied utility per task.
func NewWithScores(id int, position orb.Point, scores []float64) *Agent {
	bids := make([]float64, len(scores))
	for j := range bids {
		bids[j] = math.Inf(-1)
	}
	return &Agent{
		id:          id,
		position:    position,
		scores:      append([]float64(nil), scores...),
		assignment:  unassigned,
		winningBids: bids,
	}
}

func (a *Agent) ID() int {
	return a.id
}

func (a *Agent) Position() orb.Point {
	return a.position
}

// Assignment returns the task currently held, if any.
func (a *Agent) Assignment() (int, bool) {
	if a.assignment == unassigned {
		return 0, false
	}
	return a.assignment, true
}

// X returns the 0/1 assignment vector.
func (a *Agent) X() []int {
	x := make([]int, len(a.scores))
	if a.assignment != unassigned {
		x[a.assignment] = 1
	}
	return x
}

func (a *Agent) WinningBids() []float64 {
	return append([]float64(nil), a.winningBids...)
}

func (a *Agent) Scores() []float64 {
	return append([]float64(nil), a.scores...)
}

// SelectTask is the auction phase. An already assigned agent does nothing.
// Otherwise it claims the highest scoring task whose score beats the current
// winning bid; among equal scores the lowest task index wins.
func (a *Agent) SelectTask() {
	if a.assignment != unassigned {
		return
	}
	best := unassigned
	for j, c := range a.scores {
		if c <= a.winningBids[j] {
			continue
		}
		if best == unassigned || c > a.scores[best] {
			best = j
		}
	}
	if best == unassigned {
		return
	}
	a.assignment = best
	a.winningBids[best] = a.scores[best]
	a.fresh = true
}

// UpdateTask is the consensus phase. Winning bids become the element-wise max
// over self and all neighbours. The agent then checks who holds the top bid on
// its own task, self first and neighbours in ascending id order; a later
// candidate only displaces an earlier one with a strictly greater bid. The
// exception is a bid placed this round: an equal bid from a lower id
// neighbour then wins, since it cannot be a relayed copy of our own bid.
// Losing clears the assignment but the merged bids are kept.
func (a *Agent) UpdateTask(neighbors map[int]Message) (bool, error) {
	if len(neighbors) == 0 {
		return false, domain.ErrNoNeighbors
	}
	ids := make([]int, 0, len(neighbors))
	for id, msg := range neighbors {
		if len(msg) != len(a.winningBids) {
			return false, fmt.Errorf("agent %d: message from %d has %d bids, want %d",
				a.id, id, len(msg), len(a.winningBids))
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)

	prev := a.assignment

	if a.assignment != unassigned {
		task := a.assignment
		winner := a.id
		top := a.winningBids[task]
		for _, id := range ids {
			bid := neighbors[id][task]
			if bid > top || (a.fresh && bid == top && id < winner) {
				top = bid
				winner = id
			}
		}
		if winner != a.id {
			a.assignment = unassigned
		}
	}

	for _, id := range ids {
		for j, bid := range neighbors[id] {
			if bid > a.winningBids[j] {
				a.winningBids[j] = bid
			}
		}
	}

	a.fresh = false
	return prev == a.assignment, nil
}

// SendMessage returns a copy of the winning bids.
func (a *Agent) SendMessage() Message {
	return Message(a.WinningBids())
}
