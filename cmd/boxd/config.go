//go:build linux

package main

import (
	"os"
	"time"

	"boxd/internal/arena"
	"boxd/internal/policy"
	"boxd/internal/pool"
	appErr "boxd/pkg/errors"
	"boxd/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultSocketPath      = "/run/boxd/boxd.sock"
	defaultWorkerBin       = "/usr/local/bin/boxd-worker"
	defaultCgroupRoot      = "/sys/fs/cgroup/boxd"
	defaultShutdownTimeout = 10 * time.Second
)

// AdminConfig holds the optional HTTP admin surface settings.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AppConfig is the daemon's full configuration.
type AppConfig struct {
	SocketPath      string               `yaml:"socketPath"`
	WorkerBin       string               `yaml:"workerBin"`
	CgroupRoot      string               `yaml:"cgroupRoot"`
	ShutdownTimeout time.Duration        `yaml:"shutdownTimeout"`
	Pool            pool.Config          `yaml:"pool"`
	Sandbox         policy.SandboxConfig `yaml:"sandbox"`
	Arena           arena.Geometry       `yaml:"arena"`
	Admin           AdminConfig          `yaml:"admin"`
	Logger          logger.Config        `yaml:"logger"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		SocketPath:      defaultSocketPath,
		WorkerBin:       defaultWorkerBin,
		CgroupRoot:      defaultCgroupRoot,
		ShutdownTimeout: defaultShutdownTimeout,
		Pool:            pool.DefaultConfig(),
		Sandbox:         policy.Default(),
		Arena:           arena.DefaultGeometry(),
		Admin:           AdminConfig{Enabled: false, Addr: "127.0.0.1:9920"},
		Logger:          logger.Config{Level: "info", Format: "json"},
	}
}

// loadAppConfig reads and validates the YAML config. A missing file leaves
// the defaults in force; an invalid one is fatal at startup, never later.
func loadAppConfig(path string) (AppConfig, error) {
	cfg := defaultAppConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.validate()
		}
		return cfg, appErr.Wrapf(err, appErr.ConfigInvalid, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, appErr.Wrapf(err, appErr.ConfigInvalid, "parse config %s", path)
	}
	return cfg, cfg.validate()
}

func (c AppConfig) validate() error {
	if c.SocketPath == "" {
		return appErr.ConfigError("socketPath", "must not be empty")
	}
	if c.WorkerBin == "" {
		return appErr.ConfigError("workerBin", "must not be empty")
	}
	if c.CgroupRoot == "" {
		return appErr.ConfigError("cgroupRoot", "must not be empty")
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	return c.Arena.Validate()
}
