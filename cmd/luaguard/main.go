// Package main is the entry point for the luaguard host CLI.
//
// The CLI plays the loader role: it reads a plugin's manifest, builds the
// execution environment, registers the plugin with the sandbox manager, runs
// the entry script under enforcement, and prints the security report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luaguard/internal/config"
	"github.com/dshills/luaguard/internal/luaenv"
	"github.com/dshills/luaguard/internal/plugin"
	"github.com/dshills/luaguard/internal/sandbox"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath(), "host config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("luaguard", version)
		return 0
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: luaguard [flags] <plugin-dir>")
		flag.PrintDefaults()
		return 2
	}
	pluginDir := flag.Arg(0)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	manifest, err := plugin.LoadManifestFromDir(pluginDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load manifest: %v\n", err)
		return 1
	}

	env := luaenv.NewEnv()
	plug := plugin.New(manifest.Name, manifest.Path(), env)
	defer plug.Close()

	mgr := sandbox.NewManager(
		sandbox.WithTrustedRoots(cfg.TrustedRoots...),
		sandbox.WithManagerLogger(logger),
	)

	// Keep trusted roots current while the plugin runs.
	watcher, err := config.NewWatcher(*configPath, func(c config.Config) {
		mgr.SetTrustedRoots(c.TrustedRoots...)
	}, logger)
	if err == nil {
		defer watcher.Close()
	} else {
		logger.Warn("config watching disabled", "error", err)
	}

	sb, err := mgr.Register(plug, manifest.Manifest, manifest.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to register plugin: %v\n", err)
		return 1
	}

	entry := manifest.MainPath()
	execErr := sb.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoFile(entry)
	})

	exit := 0
	var secErr *sandbox.SecurityError
	var runErr *sandbox.ExecutionError
	switch {
	case errors.As(execErr, &secErr):
		logger.Error("plugin blocked by sandbox",
			"plugin", secErr.PluginID,
			"restriction", secErr.Restriction.String(),
			"attempted", secErr.Attempted)
		exit = 3
	case errors.As(execErr, &runErr):
		logger.Error("plugin failed", "plugin", runErr.PluginID, "error", runErr.Cause)
		exit = 1
	case execErr != nil:
		logger.Error("plugin run failed", "error", execErr)
		exit = 1
	}

	report, err := mgr.Report(plug.ID())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build report: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode report: %v\n", err)
		return 1
	}
	fmt.Println(string(out))

	return exit
}

// defaultConfigPath returns ~/.config/luaguard/config.toml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "luaguard.toml"
	}
	return filepath.Join(home, ".config", "luaguard", "config.toml")
}
