// Package config loads the YAML file a host program can use to build the
// arguments NewNode's constructor expects, grounded on the `apply` command's
// yaml.Unmarshal-into-a-tagged-struct convention in the reference corpus
// (cuemby-warren's cmd/warren/apply.go). This is a convenience on top of
// NewNode's literal-argument constructor, not a replacement for it — nothing
// in the node engine's hot path reads a NodeConfig directly.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"crosnode/errs"
)

// NodeConfig mirrors the four positional arguments original_source's
// performance-test.c passes to cRosNodeCreate, plus the dispatcher/timing
// knobs this repository's engine additionally needs.
type NodeConfig struct {
	Name       string `yaml:"name"`
	LocalHost  string `yaml:"localHost"`
	MasterHost string `yaml:"masterHost"`
	MasterPort int    `yaml:"masterPort"`
	MsgDBPath  string `yaml:"msgDbPath"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Timing     TimingConfig     `yaml:"timing"`
}

// DispatcherConfig tunes apicall.NewDispatcher.
type DispatcherConfig struct {
	AdmitRatePerSec float64 `yaml:"admitRatePerSec"`
	AdmitBurst      int     `yaml:"admitBurst"`
	MaxRetry        int     `yaml:"maxRetry"`
}

// TimingConfig tunes the engine's loop iteration budget and idle-session
// reaping.
type TimingConfig struct {
	LoopBudgetUsec    int64 `yaml:"loopBudgetUsec"`
	SessionIdleUsec   int64 `yaml:"sessionIdleUsec"`
	PublisherTickUsec int64 `yaml:"publisherTickUsec"`
}

// Default returns the configuration original_source's sample harness uses
// when no file is supplied: a node named "node" talking to a master on the
// loopback interface, default ROS master port 11311.
func Default() *NodeConfig {
	return &NodeConfig{
		Name:       "node",
		LocalHost:  "127.0.0.1",
		MasterHost: "127.0.0.1",
		MasterPort: 11311,
		MsgDBPath:  "",
		Dispatcher: DispatcherConfig{
			AdmitRatePerSec: 20,
			AdmitBurst:      5,
			MaxRetry:        3,
		},
		Timing: TimingConfig{
			LoopBudgetUsec:    10000,
			SessionIdleUsec:   60 * 1000 * 1000,
			PublisherTickUsec: 1000 * 1000,
		},
	}
}

// Load reads and parses a NodeConfig from a YAML file at path, starting from
// Default so a partial file only needs to override what it cares about.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Usage, "config: read "+path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.Usage, "config: parse "+path, err)
	}
	if cfg.Name == "" {
		return nil, errs.New(errs.Usage, "config: name is required")
	}
	if cfg.MasterHost == "" {
		return nil, errs.New(errs.Usage, "config: masterHost is required")
	}
	return cfg, nil
}
