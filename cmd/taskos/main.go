// taskos boots the simulated kernel and runs its init program until it
// exits.
//
// Usage:
//
//	taskos [options]
//
// Options:
//
//	-config file   JSON configuration file
//	-apps dir      Host directory of extra programs
//	-init name     Program to run as the init task
//	-log-level l   debug, info, warn or error
//	-i             Read the console from the terminal in raw mode
//	-list          List the programs in the root filesystem and exit
//
// The exit status is the exit code of the init task.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"taskos/pkg/config"
	"taskos/pkg/fs/memfs"
	"taskos/pkg/kernel"
	"taskos/pkg/klog"
	"taskos/pkg/userprog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "JSON configuration file")
	apps := flag.String("apps", "", "Host directory of extra programs")
	initProc := flag.String("init", "", "Program to run as the init task")
	logLevel := flag.String("log-level", "", "Log level")
	interactive := flag.Bool("i", false, "Read the console from the terminal")
	list := flag.Bool("list", false, "List programs and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskos: %s\n", err)
		return 1
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "taskos: %s\n", err)
		return 1
	}
	if *apps != "" {
		cfg.AppsDir = *apps
	}
	if *initProc != "" {
		cfg.InitProc = *initProc
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := klog.New(os.Stderr, cfg.LogLevel)

	root := memfs.New()
	if err := userprog.Install(root, cfg.Shell); err != nil {
		logger.Error("install programs", "error", err)
		return 1
	}
	if cfg.AppsDir != "" {
		if err := installApps(root, cfg.AppsDir); err != nil {
			logger.Error("install apps", "dir", cfg.AppsDir, "error", err)
			return 1
		}
	}
	if *list {
		for _, name := range root.Names() {
			fmt.Println(name)
		}
		return 0
	}

	var stdin io.Reader = os.Stdin
	var stdout io.Writer = os.Stdout
	if *interactive {
		term, err := openTerminal()
		if err != nil {
			logger.Error("open terminal", "error", err)
			return 1
		}
		defer term.Close()
		stdin, stdout = term, term
	}

	k, err := kernel.New(kernel.Options{
		Config: cfg,
		Root:   root,
		Stdin:  stdin,
		Stdout: stdout,
		Logger: logger,
	})
	if err != nil {
		logger.Error("boot", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := k.Run(ctx)
	s := k.Stats()
	logger.Debug("stats", "tasks", s.Tasks, "ready", s.Ready, "switches", s.Switches, "steps", s.Steps, "free_frames", s.FreeFrames)
	if err != nil {
		logger.Error("run", "error", err)
		return 1
	}
	return int(code)
}

// installApps copies the regular files of dir into root.
func installApps(root *memfs.FS, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := root.WriteFile(e.Name(), data); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}
