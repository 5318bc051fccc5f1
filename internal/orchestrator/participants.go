package orchestrator

import (
	"consensus_auction/internal/agent/cbaa"
	"consensus_auction/internal/agent/cbba"
	"consensus_auction/internal/domain"
)

// participant is the protocol-independent view the round loop drives.
type participant[M any] interface {
	ID() int
	// Decide is the auction or bundle construction phase.
	Decide()
	Outgoing() M
	// Consensus merges neighbour messages and reports convergence.
	Consensus(msgs map[int]M) (bool, error)
	Path() []int
	Snapshot() domain.AgentSnapshot
}

type cbaaParticipant struct {
	*cbaa.Agent
}

func (p cbaaParticipant) Decide() { p.SelectTask() }
func (p cbaaParticipant) Outgoing() cbaa.Message { return p.SendMessage() }

func (p cbaaParticipant) Consensus(msgs map[int]cbaa.Message) (bool, error) {
	return p.UpdateTask(msgs)
}

func (p cbaaParticipant) Path() []int {
	if task, ok := p.Assignment(); ok {
		return []int{task}
	}
	return []int{}
}

func (p cbaaParticipant) Snapshot() domain.AgentSnapshot {
	return domain.AgentSnapshot{
		AgentID:     p.ID(),
		Position:    p.Position(),
		Path:        p.Path(),
		WinningBids: p.WinningBids(),
	}
}

type cbbaParticipant struct {
	*cbba.Agent
}

func (p cbbaParticipant) Decide() { p.BuildBundle() }
func (p cbbaParticipant) Outgoing() cbba.Message { return p.SendMessage() }

func (p cbbaParticipant) Consensus(msgs map[int]cbba.Message) (bool, error) {
	return p.UpdateTask(msgs)
}

func (p cbbaParticipant) Snapshot() domain.AgentSnapshot {
	return domain.AgentSnapshot{
		AgentID:     p.ID(),
		Position:    p.Position(),
		Path:        p.Agent.Path(),
		Bundle:      p.Bundle(),
		WinningBids: p.WinningBids(),
		Winners:     p.Winners(),
	}
}
