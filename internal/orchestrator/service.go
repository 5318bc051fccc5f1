package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"consensus_auction/internal/agent/cbaa"
	"consensus_auction/internal/agent/cbba"
	"consensus_auction/internal/domain"
)

// Sink observes a run. It never feeds back into the protocol; a failing sink
// is logged and ignored.
type Sink interface {
	BeginRun(ctx context.Context, runID string, protocol domain.Protocol, scenario domain.Scenario) error
	ObserveRound(ctx context.Context, snap domain.RoundSnapshot) error
	FinishRun(ctx context.Context, out domain.Outcome) error
}

type Metrics interface {
	RecordRound(protocol domain.Protocol, d time.Duration)
	RecordRule(rule int, action domain.Action)
	RecordOutcome(out domain.Outcome)
}

type Config struct {
	MaxRounds int
	// Workers bounds per-phase parallelism; 1 steps agents sequentially.
	Workers int
	CBBA    cbba.Params
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 50
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

type Service struct {
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	sink    Sink
}

// New builds a coordinator. metrics and sink may be nil.
func New(cfg Config, logger *zap.Logger, metrics Metrics, sink Sink) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sink:    sink,
	}
}

func (s *Service) Run(ctx context.Context, protocol domain.Protocol, scenario domain.Scenario) (domain.Outcome, error) {
	switch protocol {
	case domain.ProtocolCBAA:
		return s.RunCBAA(ctx, scenario)
	case domain.ProtocolCBBA:
		return s.RunCBBA(ctx, scenario)
	default:
		return domain.Outcome{}, fmt.Errorf("%w: unknown protocol %q", domain.ErrInvalidScenario, protocol)
	}
}

// RunCBAA runs the single-assignment auction to convergence or MaxRounds.
func (s *Service) RunCBAA(ctx context.Context, scenario domain.Scenario) (domain.Outcome, error) {
	if err := validateScenario(scenario); err != nil {
		return domain.Outcome{}, err
	}
	agents := make([]participant[cbaa.Message], len(scenario.Agents))
	for i, pos := range scenario.Agents {
		agents[i] = cbaaParticipant{cbaa.New(i, pos, scenario.Tasks)}
	}
	return execute(ctx, s, domain.ProtocolCBAA, scenario, agents)
}

// RunCBBA runs the bundle algorithm to convergence or MaxRounds.
func (s *Service) RunCBBA(ctx context.Context, scenario domain.Scenario) (domain.Outcome, error) {
	if err := validateScenario(scenario); err != nil {
		return domain.Outcome{}, err
	}
	var opts []cbba.Option
	if s.metrics != nil {
		opts = append(opts, cbba.WithRuleHook(s.metrics.RecordRule))
	}
	agents := make([]participant[cbba.Message], len(scenario.Agents))
	for i, pos := range scenario.Agents {
		a, err := cbba.New(i, pos, scenario.Tasks, len(scenario.Agents), s.cfg.CBBA, opts...)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("%w: %v", domain.ErrInvalidScenario, err)
		}
		agents[i] = cbbaParticipant{a}
	}
	return execute(ctx, s, domain.ProtocolCBBA, scenario, agents)
}

func validateScenario(sc domain.Scenario) error {
	if len(sc.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", domain.ErrInvalidScenario)
	}
	if len(sc.Agents) == 0 {
		return fmt.Errorf("%w: no agents", domain.ErrInvalidScenario)
	}
	if sc.Graph == nil {
		return fmt.Errorf("%w: no communication graph", domain.ErrInvalidScenario)
	}
	if sc.Graph.Size() != len(sc.Agents) {
		return fmt.Errorf("%w: graph has %d nodes for %d agents", domain.ErrInvalidScenario, sc.Graph.Size(), len(sc.Agents))
	}
	return nil
}
