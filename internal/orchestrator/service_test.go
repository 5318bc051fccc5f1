package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"consensus_auction/internal/agent/cbaa"
	"consensus_auction/internal/agent/cbba"
	"consensus_auction/internal/domain"
	"consensus_auction/internal/geometry"
	"consensus_auction/internal/topology"
)

type recordingSink struct {
	mu       sync.Mutex
	runID    string
	begun    int
	rounds   []domain.RoundSnapshot
	finished []domain.Outcome
	err      error
}

func (s *recordingSink) BeginRun(_ context.Context, runID string, _ domain.Protocol, _ domain.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.begun++
	return s.err
}

func (s *recordingSink) ObserveRound(_ context.Context, snap domain.RoundSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds = append(s.rounds, snap)
	return s.err
}

func (s *recordingSink) FinishRun(_ context.Context, out domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, out)
	return s.err
}

type countingMetrics struct {
	mu       sync.Mutex
	rounds   int
	rules    map[int]int
	outcomes []domain.Outcome
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{rules: make(map[int]int)}
}

func (m *countingMetrics) RecordRound(domain.Protocol, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds++
}

func (m *countingMetrics) RecordRule(rule int, _ domain.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule]++
}

func (m *countingMetrics) RecordOutcome(out domain.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
}

// two agents, the second one closer to the near task
func crossingScenario() domain.Scenario {
	return domain.Scenario{
		Tasks:  []orb.Point{{0.2, 0}, {1, 0}},
		Agents: []orb.Point{{0, 0}, {0.3, 0}},
		Graph:  topology.FullyConnected(2),
	}
}

func singleTaskBundle() cbba.Params {
	return cbba.Params{MaxBundle: 1}
}

func TestCBAATieGoesToLowerID(t *testing.T) {
	svc := New(Config{}, zap.NewNop(), nil, nil)
	out, err := svc.RunCBAA(context.Background(), domain.Scenario{
		Tasks:  []orb.Point{{1, 0}},
		Agents: []orb.Point{{0, 0}, {0, 0}},
		Graph:  topology.FullyConnected(2),
	})
	require.NoError(t, err)

	assert.True(t, out.Converged)
	assert.Equal(t, domain.RunStatusConverged, out.Status)
	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, []int{0}, out.Paths[0])
	assert.Empty(t, out.Paths[1])
	assert.NotEmpty(t, out.RunID)
}

func TestCrossingAssignmentBothProtocols(t *testing.T) {
	for _, protocol := range []domain.Protocol{domain.ProtocolCBAA, domain.ProtocolCBBA} {
		t.Run(string(protocol), func(t *testing.T) {
			svc := New(Config{CBBA: singleTaskBundle()}, zap.NewNop(), nil, nil)
			out, err := svc.Run(context.Background(), protocol, crossingScenario())
			require.NoError(t, err)

			assert.True(t, out.Converged)
			assert.Equal(t, 2, out.Rounds)
			assert.Equal(t, map[int][]int{0: {1}, 1: {0}}, out.Paths)
		})
	}
}

func TestAgentsOnTheirTasksKeepThem(t *testing.T) {
	points := []orb.Point{{0, 0}, {5, 0}, {10, 0}}
	sc := domain.Scenario{Tasks: points, Agents: points, Graph: topology.FullyConnected(3)}

	for _, protocol := range []domain.Protocol{domain.ProtocolCBAA, domain.ProtocolCBBA} {
		t.Run(string(protocol), func(t *testing.T) {
			svc := New(Config{CBBA: singleTaskBundle()}, zap.NewNop(), nil, nil)
			out, err := svc.Run(context.Background(), protocol, sc)
			require.NoError(t, err)

			assert.True(t, out.Converged)
			assert.Equal(t, map[int][]int{0: {0}, 1: {1}, 2: {2}}, out.Paths)
		})
	}
}

func TestRunStopsAtMaxRounds(t *testing.T) {
	sink := &recordingSink{}
	svc := New(Config{MaxRounds: 1}, zap.NewNop(), nil, sink)
	out, err := svc.RunCBAA(context.Background(), crossingScenario())
	require.NoError(t, err)

	assert.False(t, out.Converged)
	assert.Equal(t, domain.RunStatusExhausted, out.Status)
	assert.Equal(t, reasonMaxRounds, out.Reason)
	assert.Equal(t, 1, out.Rounds)
	require.Len(t, sink.finished, 1)
	assert.Equal(t, domain.RunStatusExhausted, sink.finished[0].Status)
}

func TestIsolatedAgentsConvergeVacuously(t *testing.T) {
	graph, err := topology.FromMatrix([][]int{{0, 0}, {0, 0}})
	require.NoError(t, err)

	svc := New(Config{}, zap.NewNop(), nil, nil)
	out, err := svc.RunCBAA(context.Background(), domain.Scenario{
		Tasks:  []orb.Point{{1, 0}},
		Agents: []orb.Point{{0, 0}, {2, 0}},
		Graph:  graph,
	})
	require.NoError(t, err)

	assert.True(t, out.Converged)
	assert.Equal(t, 1, out.Rounds)
	// nobody told them about each other
	assert.Equal(t, map[int][]int{0: {0}, 1: {0}}, out.Paths)
}

func TestInvalidScenario(t *testing.T) {
	svc := New(Config{}, nil, nil, nil)
	ctx := context.Background()

	cases := map[string]domain.Scenario{
		"no tasks":   {Agents: []orb.Point{{0, 0}}, Graph: topology.FullyConnected(1)},
		"no agents":  {Tasks: []orb.Point{{0, 0}}, Graph: topology.FullyConnected(0)},
		"no graph":   {Tasks: []orb.Point{{0, 0}}, Agents: []orb.Point{{0, 0}}},
		"graph size": {Tasks: []orb.Point{{0, 0}}, Agents: []orb.Point{{0, 0}}, Graph: topology.FullyConnected(3)},
	}
	for name, sc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.RunCBAA(ctx, sc)
			assert.ErrorIs(t, err, domain.ErrInvalidScenario)
			_, err = svc.RunCBBA(ctx, sc)
			assert.ErrorIs(t, err, domain.ErrInvalidScenario)
		})
	}

	_, err := svc.Run(ctx, domain.Protocol("dutch"), crossingScenario())
	assert.ErrorIs(t, err, domain.ErrInvalidScenario)

	_, err = New(Config{CBBA: cbba.Params{Lambda: 2}}, nil, nil, nil).RunCBBA(ctx, crossingScenario())
	assert.ErrorIs(t, err, domain.ErrInvalidScenario)
}

func TestCancelledContextFailsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	out, err := New(Config{}, zap.NewNop(), nil, sink).RunCBBA(ctx, crossingScenario())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunStatusFailed, out.Status)
	assert.Equal(t, 0, out.Rounds)
	require.Len(t, sink.finished, 1)
	assert.Equal(t, domain.RunStatusFailed, sink.finished[0].Status)
}

func TestSinkSeesEveryRound(t *testing.T) {
	sink := &recordingSink{}
	m := newCountingMetrics()
	out, err := New(Config{CBBA: singleTaskBundle()}, zap.NewNop(), m, sink).RunCBBA(context.Background(), crossingScenario())
	require.NoError(t, err)

	assert.Equal(t, 1, sink.begun)
	assert.Equal(t, out.RunID, sink.runID)
	require.Len(t, sink.rounds, out.Rounds)
	for i, snap := range sink.rounds {
		assert.Equal(t, i+1, snap.Round)
		assert.Equal(t, out.RunID, snap.RunID)
		assert.Len(t, snap.Agents, 2)
	}
	last := sink.rounds[len(sink.rounds)-1]
	for _, a := range last.Agents {
		assert.True(t, a.Converged)
		assert.Equal(t, out.Paths[a.AgentID], a.Path)
	}

	assert.Equal(t, out.Rounds, m.rounds)
	assert.NotEmpty(t, m.rules)
	require.Len(t, m.outcomes, 1)
	assert.Equal(t, domain.RunStatusConverged, m.outcomes[0].Status)
}

func TestFailingSinkDoesNotStopRun(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	out, err := New(Config{}, zap.NewNop(), nil, sink).RunCBAA(context.Background(), crossingScenario())
	require.NoError(t, err)
	assert.True(t, out.Converged)
	assert.Len(t, sink.rounds, out.Rounds)
}

func TestSequentialAndParallelAgree(t *testing.T) {
	gen := geometry.NewGenerator(11)
	sc := domain.Scenario{
		Tasks:  gen.Points(8),
		Agents: gen.Points(6),
	}
	graph, err := topology.Generate(topology.KindRandom, 6, 0.6, gen.Rand())
	require.NoError(t, err)
	sc.Graph = graph

	for _, protocol := range []domain.Protocol{domain.ProtocolCBAA, domain.ProtocolCBBA} {
		t.Run(string(protocol), func(t *testing.T) {
			seq, err := New(Config{Workers: 1, CBBA: cbba.Params{MaxBundle: 2}}, nil, nil, nil).Run(context.Background(), protocol, sc)
			require.NoError(t, err)
			par, err := New(Config{Workers: 8, CBBA: cbba.Params{MaxBundle: 2}}, nil, nil, nil).Run(context.Background(), protocol, sc)
			require.NoError(t, err)

			assert.Equal(t, seq.Paths, par.Paths)
			assert.Equal(t, seq.Rounds, par.Rounds)
			assert.Equal(t, seq.Status, par.Status)
		})
	}
}

func randomScenario(t *rapid.T, kind topology.Kind) domain.Scenario {
	seed := rapid.Uint64().Draw(t, "seed")
	agents := rapid.IntRange(1, 6).Draw(t, "agents")
	tasks := rapid.IntRange(1, 8).Draw(t, "tasks")

	gen := geometry.NewGenerator(seed)
	sc := domain.Scenario{
		Tasks:  gen.Points(tasks),
		Agents: gen.Points(agents),
	}
	graph, err := topology.Generate(kind, agents, 0.5, gen.Rand())
	if err != nil {
		t.Fatalf("generate topology: %v", err)
	}
	sc.Graph = graph
	return sc
}

func TestCBAAConvergedFullGraphIsConflictFree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sc := randomScenario(t, topology.KindFullyConnected)
		sink := &recordingSink{}
		out, err := New(Config{}, nil, nil, sink).RunCBAA(context.Background(), sc)
		require.NoError(t, err)
		require.True(t, out.Converged)

		for task, owners := range out.TaskOwners() {
			assert.Len(t, owners, 1, "task %d", task)
		}
		for id, path := range out.Paths {
			assert.LessOrEqual(t, len(path), 1, "agent %d", id)
		}
		assigned := min(len(sc.Tasks), len(sc.Agents))
		assert.Len(t, out.TaskOwners(), assigned)

		// winning bids only ever grow
		for r := 1; r < len(sink.rounds); r++ {
			for i, snap := range sink.rounds[r].Agents {
				prev := sink.rounds[r-1].Agents[i]
				for j := range snap.WinningBids {
					assert.GreaterOrEqual(t, snap.WinningBids[j], prev.WinningBids[j])
				}
			}
		}
	})
}

func TestCBBAPathMatchesBundle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]topology.Kind{
			topology.KindFullyConnected,
			topology.KindRing,
			topology.KindStar,
			topology.KindRandom,
		}).Draw(t, "kind")
		sc := randomScenario(t, kind)
		maxBundle := rapid.IntRange(1, 3).Draw(t, "max_bundle")

		sink := &recordingSink{}
		_, err := New(Config{MaxRounds: 30, CBBA: cbba.Params{MaxBundle: maxBundle}}, nil, nil, sink).RunCBBA(context.Background(), sc)
		require.NoError(t, err)

		for _, snap := range sink.rounds {
			for _, a := range snap.Agents {
				assert.LessOrEqual(t, len(a.Bundle), maxBundle)
				assert.ElementsMatch(t, a.Bundle, a.Path)
				for _, task := range a.Bundle {
					assert.Equal(t, a.AgentID, a.Winners[task])
				}
			}
		}
	})
}

// stepOnce runs one more synchronous round outside the coordinator.
func stepOnce[M any](t require.TestingT, agents []participant[M], graph domain.Graph) {
	for _, a := range agents {
		a.Decide()
	}
	outgoing := make([]M, len(agents))
	for j, a := range agents {
		outgoing[j] = a.Outgoing()
	}
	for i, a := range agents {
		neighbors := graph.Neighbors(i)
		if len(neighbors) == 0 {
			continue
		}
		msgs := make(map[int]M, len(neighbors))
		for _, j := range neighbors {
			msgs[j] = outgoing[j]
		}
		_, err := a.Consensus(msgs)
		require.NoError(t, err)
	}
}

func settledState[M any](agents []participant[M]) []domain.AgentSnapshot {
	return snapshots(agents, make([]bool, len(agents)))
}

func cbaaParticipants(sc domain.Scenario) []participant[cbaa.Message] {
	agents := make([]participant[cbaa.Message], len(sc.Agents))
	for i, pos := range sc.Agents {
		agents[i] = cbaaParticipant{cbaa.New(i, pos, sc.Tasks)}
	}
	return agents
}

func cbbaParticipants(t require.TestingT, sc domain.Scenario, params cbba.Params) []participant[cbba.Message] {
	agents := make([]participant[cbba.Message], len(sc.Agents))
	for i, pos := range sc.Agents {
		a, err := cbba.New(i, pos, sc.Tasks, len(sc.Agents), params)
		require.NoError(t, err)
		agents[i] = cbbaParticipant{a}
	}
	return agents
}

func TestCBBAFixpointIsStable(t *testing.T) {
	points := []orb.Point{{0, 0}, {5, 0}, {10, 0}}
	scenarios := map[string]domain.Scenario{
		"crossing":       crossingScenario(),
		"on their tasks": {Tasks: points, Agents: points, Graph: topology.FullyConnected(3)},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			svc := New(Config{CBBA: singleTaskBundle()}, nil, nil, nil)
			agents := cbbaParticipants(t, sc, singleTaskBundle())
			out, err := execute(context.Background(), svc, domain.ProtocolCBBA, sc, agents)
			require.NoError(t, err)
			require.True(t, out.Converged)

			before := settledState(agents)
			stepOnce(t, agents, sc.Graph)
			assert.Equal(t, before, settledState(agents))
		})
	}
}

func TestCBAAFixpointIsStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sc := randomScenario(t, topology.KindFullyConnected)
		agents := cbaaParticipants(sc)
		out, err := execute(context.Background(), New(Config{}, nil, nil, nil), domain.ProtocolCBAA, sc, agents)
		require.NoError(t, err)
		require.True(t, out.Converged)

		before := settledState(agents)
		stepOnce(t, agents, sc.Graph)
		assert.Equal(t, before, settledState(agents))
	})
}

func TestSingleTaskBundleMatchesCBAA(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sc := randomScenario(t, topology.KindFullyConnected)
		svc := New(Config{CBBA: singleTaskBundle()}, nil, nil, nil)

		auction, err := svc.RunCBAA(context.Background(), sc)
		require.NoError(t, err)
		bundle, err := svc.RunCBBA(context.Background(), sc)
		require.NoError(t, err)

		assert.Equal(t, auction.Paths, bundle.Paths)
	})
}
