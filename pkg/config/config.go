// Package config holds the kernel configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Configuration errors.
var (
	ErrInvalidMemory   = errors.New("config: memory_frames must be positive")
	ErrInvalidStack    = errors.New("config: stack sizes must be positive multiples of the page size")
	ErrInvalidPriority = errors.New("config: default_priority must be at least 2")
	ErrNoInitProc      = errors.New("config: init_proc must be set")
)

// pageSize mirrors mm.PageSize; config is a leaf package.
const pageSize = 4096

// Config contains the kernel configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
	// MemoryFrames is the number of 4 KiB physical frames available.
	MemoryFrames int `json:"memory_frames"`
	// UserStackSize is the size of each user stack in bytes.
	UserStackSize uint64 `json:"user_stack_size"`
	// KernelStackSize is the size of each kernel stack in bytes.
	KernelStackSize uint64 `json:"kernel_stack_size"`
	// DefaultPriority is the scheduling weight of new tasks.
	DefaultPriority int64 `json:"default_priority"`
	// InitProc is the path of the first user program.
	InitProc string `json:"init_proc"`
	// Shell is the program the built-in initproc spawns.
	Shell string `json:"shell"`
	// AppsDir is a host directory whose files are copied into the root
	// filesystem at boot.
	AppsDir string `json:"apps_dir"`
	// StepLimit bounds the instructions a task may run without trapping.
	// Zero disables the limit.
	StepLimit int `json:"step_limit"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		MemoryFrames:    2048,
		UserStackSize:   2 * pageSize,
		KernelStackSize: 2 * pageSize,
		DefaultPriority: 16,
		InitProc:        "initproc",
		Shell:           "user_shell",
		StepLimit:       1 << 24,
	}
}

// Load reads a JSON configuration file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TASKOS_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("TASKOS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TASKOS_INIT"); v != "" {
		c.InitProc = v
	}
	if v := os.Getenv("TASKOS_APPS"); v != "" {
		c.AppsDir = v
	}
	if v := os.Getenv("TASKOS_MEMORY_FRAMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TASKOS_MEMORY_FRAMES: %w", err)
		}
		c.MemoryFrames = n
	}
	return nil
}

// Validate checks the configuration for values the kernel cannot boot with.
func (c *Config) Validate() error {
	if c.MemoryFrames <= 0 {
		return ErrInvalidMemory
	}
	if c.UserStackSize == 0 || c.UserStackSize%pageSize != 0 ||
		c.KernelStackSize == 0 || c.KernelStackSize%pageSize != 0 {
		return ErrInvalidStack
	}
	if c.DefaultPriority < 2 {
		return ErrInvalidPriority
	}
	if c.InitProc == "" {
		return ErrNoInitProc
	}
	return nil
}
