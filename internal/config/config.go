// Package config loads the daemon's YAML configuration, mirroring the
// defaults-then-override pattern used for policy configuration elsewhere
// in this codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WatcherConfig mirrors internal/watcher.Config's tunables.
type WatcherConfig struct {
	Roots          []string      `yaml:"roots"`
	SpokeRoots     []string      `yaml:"spoke_roots"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	StabilityLocal time.Duration `yaml:"stability_local"`
	StabilitySpoke time.Duration `yaml:"stability_spoke"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Depth          int           `yaml:"depth"`
}

// WorkerConfig controls worker pool sizing and polling.
type WorkerConfig struct {
	Count              int           `yaml:"count"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	EnvRecheckInterval time.Duration `yaml:"env_recheck_interval"`
	PromptFile         string        `yaml:"prompt_file"`
	RequiredSkills     []string      `yaml:"required_skills"`
}

// AnalyzerConfig describes how to launch the analyzer subprocess.
type AnalyzerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// DiscoverConfig configures the Bedrock-backed connection discoverer.
type DiscoverConfig struct {
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// StorageConfig points at the SQL databases and JSON object store root.
type StorageConfig struct {
	QueueDBPath string `yaml:"queue_db_path"`
	NodeDBPath  string `yaml:"node_db_path"`
	ObjectDir   string `yaml:"object_dir"`
}

// QuerySurfaceConfig controls the optional MCP and gRPC query surfaces.
type QuerySurfaceConfig struct {
	MCPEnabled  bool   `yaml:"mcp_enabled"`
	GRPCAddr    string `yaml:"grpc_addr"`
	GRPCEnabled bool   `yaml:"grpc_enabled"`
}

// Config is the full daemon configuration.
type Config struct {
	PIDFile  string              `yaml:"pid_file"`
	Watcher  WatcherConfig       `yaml:"watcher"`
	Worker   WorkerConfig        `yaml:"worker"`
	Analyzer AnalyzerConfig      `yaml:"analyzer"`
	Discover DiscoverConfig      `yaml:"discover"`
	Storage  StorageConfig       `yaml:"storage"`
	Query    QuerySurfaceConfig  `yaml:"query"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PIDFile: "/var/run/sessiongraphd.pid",
		Watcher: WatcherConfig{
			Roots:          []string{"~/.claude/projects"},
			IdleTimeout:    10 * time.Minute,
			StabilityLocal: 5 * time.Second,
			StabilitySpoke: 30 * time.Second,
			PollInterval:   100 * time.Millisecond,
			Depth:          2,
		},
		Worker: WorkerConfig{
			Count:              1,
			PollInterval:       5 * time.Second,
			EnvRecheckInterval: 30 * time.Second,
			PromptFile:         "prompts/analyzer.md",
		},
		Analyzer: AnalyzerConfig{
			Command: "claude",
			Args:    []string{"--print", "--output-format", "stream-json"},
		},
		Discover: DiscoverConfig{
			Region:  "us-east-1",
			ModelID: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		},
		Storage: StorageConfig{
			QueueDBPath: "data/queue.db",
			NodeDBPath:  "data/nodes.db",
			ObjectDir:   "data/objects",
		},
	}
}

// Load reads configuration from a YAML file at path, starting from Default
// and letting the file override only the fields it specifies. An empty path
// falls back to ~/.sessiongraphd/config.yaml. A missing file returns
// defaults unchanged; invalid YAML is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), nil
		}
		path = filepath.Join(home, ".sessiongraphd", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
