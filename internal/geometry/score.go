// Package geometry holds the scoring functions agents bid with and the
// seeded position generator used to build scenarios.
package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const DefaultLambda = 0.95

// PathParams parameterise the discounted path reward.
type PathParams struct {
	Lambda   float64
	Velocity float64
	// CBar is the static reward per task; a nil slice means 1 for every task.
	CBar []float64
}

func (p PathParams) reward(task int) float64 {
	if p.CBar == nil {
		return 1
	}
	return p.CBar[task]
}

// Scores returns the negative Euclidean distance from origin to every task.
func Scores(origin orb.Point, tasks []orb.Point) []float64 {
	out := make([]float64, len(tasks))
	for j, t := range tasks {
		out[j] = -planar.Distance(origin, t)
	}
	return out
}

// PathScore walks path from origin and sums, per visited task,
// Lambda^(travelled/velocity) * CBar[task].
func PathScore(origin orb.Point, path []int, tasks []orb.Point, params PathParams) float64 {
	if len(path) == 0 {
		return 0
	}
	total := 0.0
	travelled := 0.0
	prev := origin
	for _, task := range path {
		travelled += planar.Distance(prev, tasks[task])
		total += math.Pow(params.Lambda, travelled/params.Velocity) * params.reward(task)
		prev = tasks[task]
	}
	return total
}

// BestInsertion tries task at every position of path and returns the largest
// marginal gain over the current path score and the position achieving it.
// Ties keep the earliest position.
func BestInsertion(origin orb.Point, path []int, task int, tasks []orb.Point, params PathParams) (float64, int) {
	base := PathScore(origin, path, tasks, params)
	candidate := make([]int, len(path)+1)

	bestGain := math.Inf(-1)
	bestPos := 0
	for n := 0; n <= len(path); n++ {
		copy(candidate, path[:n])
		candidate[n] = task
		copy(candidate[n+1:], path[n:])

		gain := PathScore(origin, candidate, tasks, params) - base
		if gain > bestGain {
			bestGain = gain
			bestPos = n
		}
	}
	return bestGain, bestPos
}

// Insert returns a copy of path with task placed at pos.
func Insert(path []int, pos int, task int) []int {
	out := make([]int, 0, len(path)+1)
	out = append(out, path[:pos]...)
	out = append(out, task)
	return append(out, path[pos:]...)
}
