// Package config loads the runnerd daemon configuration and runner definitions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rzbill/runnerd/pkg/types"
	"github.com/rzbill/runnerd/pkg/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Timeouts struct {
	Mint      time.Duration `yaml:"mint"`
	Configure time.Duration `yaml:"configure"`
	Stop      time.Duration `yaml:"stop"`
}

type Config struct {
	// DataDir holds the run-history journal database.
	DataDir string `yaml:"data_dir"`

	// WorkRoot, StateRoot, and LogRoot are the per-runner directory roots.
	WorkRoot  string `yaml:"work_root"`
	StateRoot string `yaml:"state_root"`
	LogRoot   string `yaml:"log_root"`

	// RunnersDir contains one YAML definition file per runner.
	RunnersDir string `yaml:"runners_dir"`

	// ReconcileSchedule is an optional cron expression; when set the daemon
	// re-runs reconciliation on that schedule to restart finished runners and
	// pick up drift.
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	Timeouts Timeouts `yaml:"timeouts"`
	Log      Log      `yaml:"log"`
}

func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/runnerd/journal",
		WorkRoot:   "/var/lib/runnerd/work",
		StateRoot:  "/var/lib/runnerd/state",
		LogRoot:    "/var/log/runnerd",
		RunnersDir: "/etc/runnerd/runners.d",
		Timeouts: Timeouts{
			Mint:      30 * time.Second,
			Configure: 5 * time.Minute,
			Stop:      30 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads the daemon configuration: defaults, then the config file (the
// given path or the standard locations), then RUNNERD_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runnerd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/runnerd/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RUNNERD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		"data_dir", "work_root", "state_root", "log_root", "runners_dir",
		"reconcile_schedule", "log.level", "log.format",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		// A missing auto-discovered config is fine; an explicitly given path
		// surfaces a path error instead of ConfigFileNotFoundError.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// LoadRunners reads every YAML file in the runners directory into a runner
// definition. A definition without a name takes the file's base name. Files
// are loaded in sorted order so reconciliation reports are stable.
func LoadRunners(dir string) ([]*types.RunnerDefinition, error) {
	if !utils.IsDirectory(dir) {
		return nil, fmt.Errorf("runners directory %s does not exist", dir)
	}

	files, err := utils.YAMLFilesInDirectory(dir)
	if err != nil {
		return nil, fmt.Errorf("listing runner definitions: %w", err)
	}
	sort.Strings(files)

	var definitions []*types.RunnerDefinition
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading runner definition %s: %w", file, err)
		}

		def := &types.RunnerDefinition{Enable: true}
		if err := yaml.Unmarshal(data, def); err != nil {
			return nil, fmt.Errorf("parsing runner definition %s: %w", file, err)
		}
		if def.Name == "" {
			base := filepath.Base(file)
			def.Name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		definitions = append(definitions, def)
	}
	return definitions, nil
}
