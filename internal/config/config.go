package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"consensus_auction/internal/domain"
	"consensus_auction/internal/topology"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Run      RunConfig      `toml:"run" yaml:"run"`
	Topology TopologyConfig `toml:"topology" yaml:"topology"`
	CBBA     CBBAConfig     `toml:"cbba" yaml:"cbba"`
	Store    StoreConfig    `toml:"store" yaml:"store"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Path     string         `toml:"-" yaml:"-"`
}

type RunConfig struct {
	Protocol  string `toml:"protocol" yaml:"protocol"`
	Tasks     int    `toml:"tasks" yaml:"tasks"`
	Agents    int    `toml:"agents" yaml:"agents"`
	MaxRounds int    `toml:"max_rounds" yaml:"max_rounds"`
	Seed      uint64 `toml:"seed" yaml:"seed"`
	Workers   int    `toml:"workers" yaml:"workers"`
}

type TopologyConfig struct {
	// Kind is a name (star, fully_connected, ring, mesh, random) or its
	// numeric selector 1-5.
	Kind    string  `toml:"kind" yaml:"kind"`
	Density float64 `toml:"density" yaml:"density"`
}

type CBBAConfig struct {
	// MaxBundle of 0 lets an agent claim every task.
	MaxBundle int       `toml:"max_bundle" yaml:"max_bundle"`
	Velocity  float64   `toml:"velocity" yaml:"velocity"`
	Lambda    float64   `toml:"lambda" yaml:"lambda"`
	CBar      []float64 `toml:"c_bar" yaml:"c_bar"`
}

type StoreConfig struct {
	// DBPath enables the sqlite round-state sink when set.
	DBPath string `toml:"db_path" yaml:"db_path"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the configuration used for any key a file leaves out.
func Default() Config {
	return Config{
		Run: RunConfig{
			Protocol:  string(domain.ProtocolCBBA),
			Tasks:     10,
			Agents:    5,
			MaxRounds: 50,
			Seed:      3,
			Workers:   runtime.GOMAXPROCS(0),
		},
		Topology: TopologyConfig{
			Kind:    string(topology.KindFullyConnected),
			Density: 0.5,
		},
		CBBA: CBBAConfig{
			Velocity: 1,
			Lambda:   0.95,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a TOML or YAML file, chosen by extension, over Default. An
// empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		md, err := toml.Decode(string(bytes), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode toml config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
		}
	}
	cfg.Path = resolved

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.Protocol(); err != nil {
		errs = append(errs, err)
	}
	if c.Run.Tasks < 1 {
		errs = append(errs, fmt.Errorf("run.tasks must be positive, got %d", c.Run.Tasks))
	}
	if c.Run.Agents < 1 {
		errs = append(errs, fmt.Errorf("run.agents must be positive, got %d", c.Run.Agents))
	}
	if c.Run.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("run.max_rounds must be positive, got %d", c.Run.MaxRounds))
	}
	if c.Run.Workers < 0 {
		errs = append(errs, fmt.Errorf("run.workers must not be negative, got %d", c.Run.Workers))
	}
	if _, err := topology.ParseKind(c.Topology.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.Topology.Density < 0 || c.Topology.Density > 1 {
		errs = append(errs, fmt.Errorf("topology.density must be within [0,1], got %v", c.Topology.Density))
	}
	if c.CBBA.MaxBundle < 0 {
		errs = append(errs, fmt.Errorf("cbba.max_bundle must not be negative, got %d", c.CBBA.MaxBundle))
	}
	if c.CBBA.Velocity <= 0 {
		errs = append(errs, fmt.Errorf("cbba.velocity must be positive, got %v", c.CBBA.Velocity))
	}
	if c.CBBA.Lambda <= 0 || c.CBBA.Lambda > 1 {
		errs = append(errs, fmt.Errorf("cbba.lambda must be within (0,1], got %v", c.CBBA.Lambda))
	}
	if c.CBBA.CBar != nil && len(c.CBBA.CBar) != c.Run.Tasks {
		errs = append(errs, fmt.Errorf("cbba.c_bar has %d entries for %d tasks", len(c.CBBA.CBar), c.Run.Tasks))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) Protocol() (domain.Protocol, error) {
	switch p := domain.Protocol(strings.ToLower(strings.TrimSpace(c.Run.Protocol))); p {
	case domain.ProtocolCBAA, domain.ProtocolCBBA:
		return p, nil
	default:
		return "", fmt.Errorf("run.protocol must be cbaa or cbba, got %q", c.Run.Protocol)
	}
}

func (c Config) TopologyKind() (topology.Kind, error) {
	return topology.ParseKind(c.Topology.Kind)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}
