package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// BackendKind selects which backend.Backend implementation an Engine is
// constructed against.
type BackendKind string

const (
	BackendLocal   BackendKind = "local"
	BackendCluster BackendKind = "cluster"
)

// LatticeConfig is the subset of lattice.yaml (plus LATTICE_* environment
// overrides) an Engine needs to start: which backend to run against, how
// large a default executor pool to size if the caller doesn't supply its
// own, and where a persisting backend keeps its data (spec.md §6).
//
// Environment variables take precedence over lattice.yaml, which takes
// precedence over the defaults below.
type LatticeConfig struct {
	Backend       BackendKind `yaml:"backend"`
	ExecutorSize  int         `yaml:"executorSize"`
	DataDirectory string      `yaml:"dataDirectory"`

	// SQLDriver/SQLDSN configure a SQL-backed snapshot store ("mysql"
	// or "dolt") for a clustered backend; a local backend always uses
	// DataDirectory's filestore instead. Left empty, a clustered
	// backend runs with snapshotting disabled.
	SQLDriver string `yaml:"sqlDriver"`
	SQLDSN    string `yaml:"sqlDSN"`

	// NATSURL, if set, connects a clustered backend to an external NATS
	// server instead of starting an embedded one. NATSToken
	// authenticates that connection.
	NATSURL   string `yaml:"natsURL"`
	NATSToken string `yaml:"natsToken"`
}

// defaultLatticeConfig mirrors "executor absent → fixed pool sized to CPU
// count" (spec.md §6) with ExecutorSize 0. ExecutorSize is parsed and
// validated only: cmd/latticed and cmd/latticectl always pass a nil
// executor to engine.New, which then sizes its own pool to the CPU
// count whatever this field holds.
func defaultLatticeConfig() LatticeConfig {
	return LatticeConfig{
		Backend:      BackendLocal,
		ExecutorSize: 0,
	}
}

// LoadLatticeConfig reads lattice.yaml from configPath (if it exists) via
// viper, then applies LATTICE_* environment overrides. A missing file is
// not an error: it yields the defaults with environment overrides still
// applied, since configPath is optional (spec.md §6 lists every option as
// optional or CLI-overridable).
func LoadLatticeConfig(configPath string) (*LatticeConfig, error) {
	cfg := defaultLatticeConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v := viper.New()
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}

			if raw := v.GetString("backend"); raw != "" {
				kind, err := parseBackendKind(raw)
				if err != nil {
					return nil, err
				}
				cfg.Backend = kind
			}
			if v.IsSet("executorSize") {
				cfg.ExecutorSize = v.GetInt("executorSize")
			}
			if raw := v.GetString("dataDirectory"); raw != "" {
				cfg.DataDirectory = raw
			}
			if raw := v.GetString("sqlDriver"); raw != "" {
				cfg.SQLDriver = raw
			}
			if raw := v.GetString("sqlDSN"); raw != "" {
				cfg.SQLDSN = raw
			}
			if raw := v.GetString("natsURL"); raw != "" {
				cfg.NATSURL = raw
			}
			if raw := v.GetString("natsToken"); raw != "" {
				cfg.NATSToken = raw
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", configPath, err)
		}
	}

	applyLatticeEnvOverrides(&cfg)

	if cfg.ExecutorSize < 0 {
		return nil, fmt.Errorf("config: executorSize must be >= 0, got %d", cfg.ExecutorSize)
	}

	return &cfg, nil
}

// applyLatticeEnvOverrides mirrors LoadLocalConfigWithEnv's pattern of
// layering environment variables on top of a file-derived config.
//
// Supported environment variables:
//   - LATTICE_BACKEND: overrides backend ("local" or "cluster")
//   - LATTICE_EXECUTOR_SIZE: overrides executorSize (non-negative integer)
//   - LATTICE_DATA_DIRECTORY: overrides dataDirectory
//   - LATTICE_SQL_DRIVER: overrides sqlDriver ("mysql" or "dolt")
//   - LATTICE_SQL_DSN: overrides sqlDSN
//   - LATTICE_NATS_URL: overrides natsURL
//   - LATTICE_NATS_TOKEN: overrides natsToken
func applyLatticeEnvOverrides(cfg *LatticeConfig) {
	if raw := os.Getenv("LATTICE_BACKEND"); raw != "" {
		if kind, err := parseBackendKind(raw); err == nil {
			cfg.Backend = kind
		}
	}
	if raw := os.Getenv("LATTICE_EXECUTOR_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.ExecutorSize = n
		}
	}
	if raw := os.Getenv("LATTICE_DATA_DIRECTORY"); raw != "" {
		cfg.DataDirectory = raw
	}
	if raw := os.Getenv("LATTICE_SQL_DRIVER"); raw != "" {
		cfg.SQLDriver = raw
	}
	if raw := os.Getenv("LATTICE_SQL_DSN"); raw != "" {
		cfg.SQLDSN = raw
	}
	if raw := os.Getenv("LATTICE_NATS_URL"); raw != "" {
		cfg.NATSURL = raw
	}
	if raw := os.Getenv("LATTICE_NATS_TOKEN"); raw != "" {
		cfg.NATSToken = raw
	}
}

func parseBackendKind(raw string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "local":
		return BackendLocal, nil
	case "cluster":
		return BackendCluster, nil
	default:
		return "", fmt.Errorf("config: unknown backend kind %q (want \"local\" or \"cluster\")", raw)
	}
}
