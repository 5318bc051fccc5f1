package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"consensus_auction/internal/agent/cbba"
	"consensus_auction/internal/config"
	"consensus_auction/internal/domain"
	"consensus_auction/internal/geometry"
	"consensus_auction/internal/metrics"
	"consensus_auction/internal/orchestrator"
	sqlitestore "consensus_auction/internal/store/sqlite"
	"consensus_auction/internal/topology"
)

type report struct {
	RunID     string           `json:"run_id"`
	Protocol  domain.Protocol  `json:"protocol"`
	Status    domain.RunStatus `json:"status"`
	Converged bool             `json:"converged"`
	Rounds    int              `json:"rounds"`
	Reason    string           `json:"reason,omitempty"`
	Elapsed   string           `json:"elapsed"`
	Seed      uint64           `json:"seed"`
	Topology  topology.Kind    `json:"topology"`
	Tasks     []orb.Point      `json:"tasks"`
	Agents    []orb.Point      `json:"agents"`
	Adjacency [][]int          `json:"adjacency"`
	Paths     map[int][]int    `json:"paths"`
}

func main() {
	configPath := flag.String("config", "", "path to a .toml or .yaml config (default: built-in defaults)")
	protocolFlag := flag.String("protocol", "", "cbaa or cbba override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	seedFlag := flag.Uint64("seed", 0, "scenario seed override")
	agentsFlag := flag.Int("agents", 0, "agent count override")
	tasksFlag := flag.Int("tasks", 0, "task count override")
	topologyFlag := flag.String("topology", "", "topology kind override")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address after the run until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	ov := overrides{
		protocol: *protocolFlag,
		dbPath:   *dbPathFlag,
		kind:     *topologyFlag,
		seed:     *seedFlag,
		agents:   *agentsFlag,
		tasks:    *tasksFlag,
	}
	// zero is a valid seed, so only an explicit -seed overrides the config
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			ov.seedSet = true
		}
	})
	ov.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := initLogger(cfg.Log)
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rep, err := run(ctx, cfg, logger, *metricsAddr)
	if err != nil {
		logger.Error("auction failed", zap.Error(err))
		if rep == nil {
			os.Exit(1)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(rep); encErr != nil {
		logger.Error("write report", zap.Error(encErr))
		os.Exit(1)
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, metricsAddr string) (*report, error) {
	protocol, err := cfg.Protocol()
	if err != nil {
		return nil, err
	}
	kind, err := cfg.TopologyKind()
	if err != nil {
		return nil, err
	}

	gen := geometry.NewGenerator(cfg.Run.Seed)
	tasks := gen.Points(cfg.Run.Tasks)
	agents := gen.Points(cfg.Run.Agents)
	graph, err := topology.Generate(kind, cfg.Run.Agents, cfg.Topology.Density, gen.Rand())
	if err != nil {
		return nil, fmt.Errorf("build topology: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector("auction", registry, logger)

	var sink orchestrator.Sink
	if cfg.Store.DBPath != "" {
		store, err := openStore(ctx, cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = store.Close()
		}()
		sink = store
	}

	svc := orchestrator.New(orchestrator.Config{
		MaxRounds: cfg.Run.MaxRounds,
		Workers:   cfg.Run.Workers,
		CBBA: cbba.Params{
			MaxBundle: cfg.CBBA.MaxBundle,
			Velocity:  cfg.CBBA.Velocity,
			Lambda:    cfg.CBBA.Lambda,
			CBar:      cfg.CBBA.CBar,
		},
	}, logger, collector, sink)

	logger.Info("auction starting",
		zap.String("config", cfg.Path),
		zap.String("protocol", string(protocol)),
		zap.String("topology", string(kind)),
		zap.Uint64("seed", cfg.Run.Seed),
		zap.Int("agents", cfg.Run.Agents),
		zap.Int("tasks", cfg.Run.Tasks),
		zap.String("db", cfg.Store.DBPath),
	)

	out, runErr := svc.Run(ctx, protocol, domain.Scenario{Tasks: tasks, Agents: agents, Graph: graph})
	rep := &report{
		RunID:     out.RunID,
		Protocol:  protocol,
		Status:    out.Status,
		Converged: out.Converged,
		Rounds:    out.Rounds,
		Reason:    out.Reason,
		Elapsed:   out.Elapsed.String(),
		Seed:      cfg.Run.Seed,
		Topology:  kind,
		Tasks:     tasks,
		Agents:    agents,
		Adjacency: graph.Matrix(),
		Paths:     out.Paths,
	}
	if runErr != nil && out.RunID == "" {
		return nil, runErr
	}

	if metricsAddr != "" && runErr == nil {
		if err := serveMetrics(ctx, metricsAddr, registry, logger); err != nil {
			return rep, err
		}
	}
	return rep, runErr
}

func openStore(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	dbPath = filepath.Clean(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

// serveMetrics blocks until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// overrides holds the command-line values layered over the loaded config.
// Empty strings and non-positive counts mean "keep the config value".
type overrides struct {
	protocol string
	dbPath   string
	kind     string
	seed     uint64
	seedSet  bool
	agents   int
	tasks    int
}

func (o overrides) apply(cfg *config.Config) {
	if o.protocol != "" {
		cfg.Run.Protocol = o.protocol
	}
	if o.dbPath != "" {
		cfg.Store.DBPath = o.dbPath
	}
	if o.kind != "" {
		cfg.Topology.Kind = o.kind
	}
	if o.seedSet {
		cfg.Run.Seed = o.seed
	}
	if o.agents > 0 {
		cfg.Run.Agents = o.agents
	}
	if o.tasks > 0 {
		if len(cfg.CBBA.CBar) != o.tasks {
			cfg.CBBA.CBar = nil
		}
		cfg.Run.Tasks = o.tasks
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	format := strings.ToLower(cfg.Format)
	var encoderConfig zapcore.EncoderConfig
	if format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		format = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// stdout carries the report
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v, falling back to defaults\n", err)
		logger, _ = zap.NewProduction()
	}
	return logger
}
