package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"

	"github.com/mattjoyce/reforge/internal/api"
	"github.com/mattjoyce/reforge/internal/budget"
	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/coord"
	"github.com/mattjoyce/reforge/internal/engine"
	"github.com/mattjoyce/reforge/internal/events"
	"github.com/mattjoyce/reforge/internal/log"
	"github.com/mattjoyce/reforge/internal/plan"
	"github.com/mattjoyce/reforge/internal/session"
	"github.com/mattjoyce/reforge/internal/storage"
	"github.com/mattjoyce/reforge/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "resume":
		return runResume(args)
	case "plan":
		return runPlan(args)
	case "status":
		return runStatus(args)
	case "rules":
		return runRulesNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `reforge - budgeted analysis and transformation over shared files

Usage:
  reforge run [--config PATH] TARGET...      Plan and execute a new session
  reforge resume --session ID [--config PATH] TARGET...
                                             Resume an interrupted session
  reforge plan [--config PATH] TARGET...     Print execution plans without running
  reforge status [--config PATH] [--session ID]
                                             Show budget usage or a session summary
  reforge rules lock --dir DIR               Write the checksum manifest for a rules dir
  reforge version [--json]                   Show version information

Targets may be files or directories; directories are walked recursively.
Exit code is 1 when any critical-risk step failed.
`)
}

// core bundles everything a session-running command needs.
type core struct {
	cfg      *config.Config
	db       *sql.DB
	hub      *events.Hub
	store    *session.Store
	coord    *coord.Manager
	governor *budget.Governor
	registry *worker.Registry
	engine   *engine.Engine
	planner  *plan.Planner
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

// bootstrap opens storage, clears state left by a crashed process, and wires
// the coordination core together.
func bootstrap(ctx context.Context, cfg *config.Config) (*core, error) {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(256)
	cm, err := coord.NewManager(db, hub, cfg.Locks, cfg.Storage.BackupDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := cm.ClearStaleRows(ctx); err != nil {
		log.Warn("could not clear stale lock rows", "error", err)
	}

	st := session.NewStore(db, cfg.Engine)
	if n, err := st.RecoverOrphaned(ctx); err != nil {
		log.Warn("could not recover orphaned sessions", "error", err)
	} else if n > 0 {
		log.Info("recovered orphaned sessions", "count", n)
	}

	reg := worker.NewRegistry()
	if err := worker.RegisterBuiltins(reg); err != nil {
		_ = db.Close()
		return nil, err
	}

	gov := budget.New(db, cfg.Budget)
	eng := engine.New(cfg.Engine, gov, cm, reg, st, hub)
	eng.SetDeferralAging(cfg.Budget.DeferralAging)

	return &core{
		cfg:      cfg,
		db:       db,
		hub:      hub,
		store:    st,
		coord:    cm,
		governor: gov,
		registry: reg,
		engine:   eng,
		planner:  plan.New(cfg.Rules),
	}, nil
}

func (c *core) close() {
	if c.db != nil {
		_ = c.db.Close()
	}
}

// collectTargets expands files and directories into a sorted, deduplicated
// list of regular files.
func collectTargets(args []string) ([]string, error) {
	seen := map[string]struct{}{}
	var targets []string

	add := func(path string) {
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			targets = append(targets, path)
		}
	}

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("resolve target %q: %w", arg, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", arg, err)
		}
		if !info.IsDir() {
			add(abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if d.IsDir() {
				if strings.HasPrefix(name, ".") && path != abs {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %q: %w", arg, err)
		}
	}

	sort.Strings(targets)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target files found")
	}
	return targets, nil
}

func buildPlans(p *plan.Planner, targets []string) ([]plan.ExecutionPlan, error) {
	plans := make([]plan.ExecutionPlan, 0, len(targets))
	for _, target := range targets {
		ep, err := p.Plan(target)
		if err != nil {
			return nil, err
		}
		if len(ep.Steps) == 0 {
			log.Debug("no rules matched, skipping target", "target", target)
			continue
		}
		plans = append(plans, *ep)
	}
	return plans, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: reforge run [--config PATH] TARGET...")
		return 1
	}
	return executeSession("", *configPath, fs.Args())
}

func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	sessionID := fs.String("session", "", "Session to resume")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *sessionID == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: reforge resume --session ID [--config PATH] TARGET...")
		return 1
	}
	return executeSession(*sessionID, *configPath, fs.Args())
}

func executeSession(sessionID, configPath string, targetArgs []string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	c, err := bootstrap(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup error: %v\n", err)
		return 1
	}
	defer c.close()

	c.coord.StartSweeper(ctx)
	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API, c.store, c.governor, c.hub, c.registry)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("status api stopped", "error", err)
			}
		}()
	}

	targets, err := collectTargets(targetArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Target error: %v\n", err)
		return 1
	}
	plans, err := buildPlans(c.planner, targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Planning error: %v\n", err)
		return 1
	}

	var sum *session.Summary
	if sessionID == "" {
		sum, err = c.engine.Run(ctx, plans)
	} else {
		sum, err = c.engine.Resume(ctx, sessionID, plans)
	}
	if sum != nil {
		printJSON(sum)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Session error: %v\n", err)
		return 1
	}
	if sum.CriticalFailures > 0 {
		return 1
	}
	return 0
}

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: reforge plan [--config PATH] TARGET...")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	targets, err := collectTargets(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Target error: %v\n", err)
		return 1
	}
	plans, err := buildPlans(plan.New(cfg.Rules), targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Planning error: %v\n", err)
		return 1
	}
	printJSON(plans)
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	sessionID := fs.String("session", "", "Session to summarize")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Storage error: %v\n", err)
		return 1
	}
	defer db.Close()

	if *sessionID != "" {
		st := session.NewStore(db, cfg.Engine)
		sum, err := st.Summarize(ctx, *sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Session error: %v\n", err)
			return 1
		}
		printJSON(sum)
		return 0
	}

	gov := budget.New(db, cfg.Budget)
	hourly, daily, err := gov.Used(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Budget error: %v\n", err)
		return 1
	}
	printJSON(map[string]any{
		"hourly_used":    hourly,
		"hourly_ceiling": cfg.Budget.HourlyCeiling,
		"daily_used":     daily,
		"daily_ceiling":  cfg.Budget.DailyCeiling,
	})
	return 0
}

func runRulesNoun(args []string) int {
	if len(args) < 1 || args[0] != "lock" {
		fmt.Fprintln(os.Stderr, "Usage: reforge rules lock --dir DIR")
		return 1
	}
	fs := flag.NewFlagSet("rules lock", flag.ContinueOnError)
	dir := fs.String("dir", "", "Directory containing rule files")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: reforge rules lock --dir DIR")
		return 1
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read dir error: %v\n", err)
		return 1
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && (strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "No rule files found in %s\n", *dir)
		return 1
	}
	if err := config.GenerateChecksums(*dir, files); err != nil {
		fmt.Fprintf(os.Stderr, "Checksum error: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %d rule file(s) in %s\n", len(files), *dir)
	return 0
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := versionInfo{Version: strings.TrimSpace(version), Commit: strings.TrimSpace(gitCommit)}
	if info.Commit == "" || info.Commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range bi.Settings {
				if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
					info.Commit = setting.Value[:12]
				}
			}
		}
	}

	if *jsonOut {
		printJSON(info)
		return 0
	}
	fmt.Printf("reforge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	return 0
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
