package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"consensus_auction/internal/domain"
	"consensus_auction/internal/messaging/inproc"
)

const reasonMaxRounds = "max rounds exceeded"

// execute drives agents through synchronous rounds. Every round has three
// phases separated by barriers: all agents decide, all agents publish a
// snapshot of their state to each agent that listens to them, then every
// agent with at least one neighbour drains its mailbox and runs consensus.
func execute[M any](ctx context.Context, s *Service, protocol domain.Protocol, scenario domain.Scenario, agents []participant[M]) (domain.Outcome, error) {
	n := len(agents)
	runID := uuid.NewString()
	logger := s.logger.With(
		zap.String("run_id", runID),
		zap.String("protocol", string(protocol)),
	)
	if g, ok := scenario.Graph.(interface{ IsConnected() bool }); ok && !g.IsConnected() {
		logger.Warn("communication graph is disconnected; agents in different components cannot agree")
	}

	neighbors := make([][]int, n)
	// audience[j] lists the agents that hear j.
	audience := make([][]int, n)
	for i := range agents {
		neighbors[i] = scenario.Graph.Neighbors(i)
		for _, j := range neighbors[i] {
			if j < 0 || j >= n {
				return domain.Outcome{}, fmt.Errorf("%w: agent %d has neighbour %d outside [0,%d)", domain.ErrInvalidScenario, i, j, n)
			}
			audience[j] = append(audience[j], i)
		}
	}

	bus := inproc.New[M](n)
	for i := range agents {
		bus.Register(i)
	}
	defer func() {
		for i := range agents {
			bus.Unregister(i)
		}
	}()

	started := time.Now()
	out := domain.Outcome{
		RunID:    runID,
		Protocol: protocol,
		Status:   domain.RunStatusRunning,
	}
	if s.sink != nil {
		if err := s.sink.BeginRun(ctx, runID, protocol, scenario); err != nil {
			logger.Warn("sink begin run failed", zap.Error(err))
		}
	}
	logger.Info("run started",
		zap.Int("agents", n),
		zap.Int("tasks", len(scenario.Tasks)),
		zap.Int("max_rounds", s.cfg.MaxRounds),
	)

	// agents nobody talks to are trivially settled
	converged := make([]bool, n)
	for i := range agents {
		converged[i] = len(neighbors[i]) == 0
	}

	for round := 1; round <= s.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, logger, out, paths(agents), started, err)
		}
		roundStarted := time.Now()

		err := fanOut(n, s.cfg.Workers, func(i int) error {
			agents[i].Decide()
			return nil
		})
		if err == nil {
			err = fanOut(n, s.cfg.Workers, func(j int) error {
				for _, i := range audience[j] {
					env := inproc.Envelope[M]{From: j, To: i, Body: agents[j].Outgoing()}
					if err := bus.Publish(env); err != nil {
						return fmt.Errorf("deliver %d -> %d: %w", j, i, err)
					}
				}
				return nil
			})
		}
		if err == nil {
			err = fanOut(n, s.cfg.Workers, func(i int) error {
				if len(neighbors[i]) == 0 {
					return nil
				}
				msgs, err := bus.Drain(i)
				if err != nil {
					return err
				}
				ok, err := agents[i].Consensus(msgs)
				if err != nil {
					return fmt.Errorf("agent %d: %w", i, err)
				}
				converged[i] = ok
				return nil
			})
		}
		if err != nil {
			out.Rounds = round
			return s.fail(ctx, logger, out, paths(agents), started, fmt.Errorf("round %d: %w", round, err))
		}

		out.Rounds = round
		if s.metrics != nil {
			s.metrics.RecordRound(protocol, time.Since(roundStarted))
		}
		s.observe(ctx, logger, domain.RoundSnapshot{
			RunID:    runID,
			Protocol: protocol,
			Round:    round,
			Agents:   snapshots(agents, converged),
			At:       time.Now().UTC(),
		})

		if allTrue(converged) {
			out.Status = domain.RunStatusConverged
			out.Converged = true
			break
		}
		logger.Debug("round finished", zap.Int("round", round))
	}
	if !out.Converged {
		out.Status = domain.RunStatusExhausted
		out.Reason = reasonMaxRounds
	}

	out.Paths = paths(agents)
	return s.finish(ctx, logger, out, started), nil
}

func (s *Service) observe(ctx context.Context, logger *zap.Logger, snap domain.RoundSnapshot) {
	if s.sink == nil {
		return
	}
	if err := s.sink.ObserveRound(ctx, snap); err != nil {
		logger.Warn("sink observe round failed", zap.Int("round", snap.Round), zap.Error(err))
	}
}

func (s *Service) fail(ctx context.Context, logger *zap.Logger, out domain.Outcome, paths map[int][]int, started time.Time, err error) (domain.Outcome, error) {
	out.Status = domain.RunStatusFailed
	out.Reason = err.Error()
	out.Paths = paths
	return s.finish(ctx, logger, out, started), err
}

func (s *Service) finish(ctx context.Context, logger *zap.Logger, out domain.Outcome, started time.Time) domain.Outcome {
	out.Elapsed = time.Since(started)
	if s.metrics != nil {
		s.metrics.RecordOutcome(out)
	}
	if s.sink != nil {
		// the run context may already be cancelled; the record should still land
		if err := s.sink.FinishRun(context.WithoutCancel(ctx), out); err != nil {
			logger.Warn("sink finish run failed", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("status", string(out.Status)),
		zap.Int("rounds", out.Rounds),
		zap.Duration("elapsed", out.Elapsed),
		zap.Int("assigned_tasks", len(out.TaskOwners())),
	}
	switch out.Status {
	case domain.RunStatusConverged:
		logger.Info("run converged", fields...)
	case domain.RunStatusFailed:
		logger.Error("run failed", append(fields, zap.String("reason", out.Reason))...)
	default:
		logger.Warn("run stopped without convergence", append(fields, zap.String("reason", out.Reason))...)
	}
	return out
}

func snapshots[M any](agents []participant[M], converged []bool) []domain.AgentSnapshot {
	snaps := make([]domain.AgentSnapshot, len(agents))
	for i, a := range agents {
		snaps[i] = a.Snapshot()
		snaps[i].Converged = converged[i]
	}
	return snaps
}

func paths[M any](agents []participant[M]) map[int][]int {
	out := make(map[int][]int, len(agents))
	for _, a := range agents {
		out[a.ID()] = a.Path()
	}
	return out
}

func allTrue(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}

// fanOut runs fn for every index in [0,n) on at most workers goroutines and
// returns the first error. Cancellation is only observed between rounds, so a
// started phase always completes for every agent.
func fanOut(n, workers int, fn func(i int) error) error {
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range n {
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}
