package cbba

import (
	"math"

	"consensus_auction/internal/domain"
)

// bids closer than machine epsilon are treated as equal
const tieEpsilon = 2.220446049250313e-16

func tied(a, b float64) bool {
	return math.Abs(a-b) < tieEpsilon
}

// resolve applies the rule table for task j against neighbour k's message.
//
// The outer switch is on who k believes holds j (k itself, us, a third agent
// m, nobody) and the inner one on who we believe holds it. Rules 1-4, 5-8,
// 9-13 and 14-17 cover the four outer cases. Timestamps decide whether k has
// fresher information about a third party than we do; exact bid ties go to
// the lower agent id.
func (a *Agent) resolve(j, k int, msg Message) error {
	i := a.id
	ykj, zkj := msg.WinningBids[j], msg.Winners[j]
	yij, zij := a.y[j], a.z[j]
	sk := msg.Timestamps

	if !a.knownHolder(zkj) || !a.knownHolder(zij) {
		return a.conflict(j, k, zij, zkj, "holder id out of range")
	}

	// newer reports whether k heard from agent x more recently than we did.
	newer := func(x int) bool { return sk[x] > a.s[x] }

	switch {
	case zkj == k:
		switch {
		case zij == i:
			if ykj > yij || (tied(ykj, yij) && k < i) {
				a.apply(1, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(1, domain.ActionLeave, j, ykj, zkj)
			}
		case zij == k:
			a.apply(2, domain.ActionUpdate, j, ykj, zkj)
		case zij != domain.NoAgent:
			m := zij
			if newer(m) || ykj > yij || (tied(ykj, yij) && k < i) {
				a.apply(3, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(3, domain.ActionLeave, j, ykj, zkj)
			}
		case zij == domain.NoAgent:
			a.apply(4, domain.ActionUpdate, j, ykj, zkj)
		default:
			return a.conflict(j, k, zij, zkj, "no rule for neighbor-held task")
		}

	case zkj == i:
		switch {
		case zij == i:
			a.apply(5, domain.ActionLeave, j, ykj, zkj)
		case zij == k:
			a.apply(6, domain.ActionReset, j, ykj, zkj)
		case zij != domain.NoAgent:
			if newer(zij) {
				a.apply(7, domain.ActionReset, j, ykj, zkj)
			} else {
				a.apply(7, domain.ActionLeave, j, ykj, zkj)
			}
		case zij == domain.NoAgent:
			a.apply(8, domain.ActionLeave, j, ykj, zkj)
		default:
			return a.conflict(j, k, zij, zkj, "no rule for task the neighbor attributes to us")
		}

	case zkj != domain.NoAgent:
		m := zkj
		notOlder := sk[m] >= a.s[m]
		switch {
		case zij == i:
			if notOlder && (ykj > yij || (tied(ykj, yij) && m < i)) {
				a.apply(9, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(9, domain.ActionLeave, j, ykj, zkj)
			}
		case zij == k:
			if newer(m) {
				a.apply(10, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(10, domain.ActionReset, j, ykj, zkj)
			}
		case zij == m:
			if newer(m) {
				a.apply(11, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(11, domain.ActionLeave, j, ykj, zkj)
			}
		case zij != domain.NoAgent:
			n := zij
			switch {
			case newer(m) && newer(n):
				a.apply(12, domain.ActionUpdate, j, ykj, zkj)
			case newer(m) && ykj > yij:
				a.apply(12, domain.ActionUpdate, j, ykj, zkj)
			case newer(m) && tied(ykj, yij) && m < n:
				a.apply(12, domain.ActionUpdate, j, ykj, zkj)
			case newer(n) && a.s[m] > sk[m]:
				a.apply(12, domain.ActionUpdate, j, ykj, zkj)
			default:
				a.apply(12, domain.ActionLeave, j, ykj, zkj)
			}
		case zij == domain.NoAgent:
			if newer(m) {
				a.apply(13, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(13, domain.ActionLeave, j, ykj, zkj)
			}
		default:
			return a.conflict(j, k, zij, zkj, "no rule for third-party-held task")
		}

	case zkj == domain.NoAgent:
		switch {
		case zij == i:
			a.apply(14, domain.ActionLeave, j, ykj, zkj)
		case zij == k:
			a.apply(15, domain.ActionUpdate, j, ykj, zkj)
		case zij != domain.NoAgent:
			if newer(zij) {
				a.apply(16, domain.ActionUpdate, j, ykj, zkj)
			} else {
				a.apply(16, domain.ActionLeave, j, ykj, zkj)
			}
		case zij == domain.NoAgent:
			a.apply(17, domain.ActionLeave, j, ykj, zkj)
		default:
			return a.conflict(j, k, zij, zkj, "no rule for unheld task")
		}

	default:
		return a.conflict(j, k, zij, zkj, "unclassifiable neighbor holder")
	}
	return nil
}

func (a *Agent) knownHolder(id int) bool {
	return id == domain.NoAgent || (id >= 0 && id < a.agentCount)
}

func (a *Agent) apply(rule int, action domain.Action, j int, bid float64, winner int) {
	switch action {
	case domain.ActionUpdate:
		a.update(j, bid, winner)
	case domain.ActionReset:
		a.reset(j)
	}
	if a.ruleHook != nil {
		a.ruleHook(rule, action)
	}
}

func (a *Agent) conflict(j, k, selfHolder, neighborHolder int, reason string) error {
	return &ConflictError{
		Task:           j,
		Agent:          a.id,
		Neighbor:       k,
		SelfHolder:     selfHolder,
		NeighborHolder: neighborHolder,
		Reason:         reason,
	}
}
