// team-bridge connects CLI-only agents to a Claude Code team: the run
// subcommand is the per-worker daemon, lead serves the driver's MCP
// tools over stdio, and status/report/merge are operator commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/bridge"
	"github.com/jaakkos/teambridge/internal/heartbeat"
	"github.com/jaakkos/teambridge/internal/history"
	"github.com/jaakkos/teambridge/internal/lead"
	"github.com/jaakkos/teambridge/internal/mailbox"
	"github.com/jaakkos/teambridge/internal/registry"
	"github.com/jaakkos/teambridge/internal/task"
	"github.com/jaakkos/teambridge/internal/team"
	"github.com/jaakkos/teambridge/internal/tmux"
	"github.com/jaakkos/teambridge/internal/usage"
	"github.com/jaakkos/teambridge/internal/worktree"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usageExit()
	}
	switch os.Args[1] {
	case "run":
		runBridge(os.Args[2:])
	case "lead":
		runLead(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "report":
		runReport(os.Args[2:])
	case "merge":
		runMerge(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("team-bridge " + Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usageExit()
	}
}

func usageExit() {
	fmt.Fprintln(os.Stderr, `usage: team-bridge <command> [flags]

commands:
  run     --config <path>            worker daemon (config under ~/.claude or ~/.omc)
  lead    --team <name> [--config f] lead MCP server over stdio
  status  --team <name>              print the unified member list
  report  --team <name>              render and save the team report
  merge   --team <name> [--worker w] merge worker branches into the base branch
  version                            print the version`)
	os.Exit(2)
}

// paths bundles the well-known directories every subcommand resolves.
type paths struct {
	home          string
	projectDir    string
	teamsRoot     string
	tasksRoot     string
	stateDir      string
	heartbeatRoot string
	logsDir       string
}

func resolvePaths() paths {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve home: %v\n", err)
		os.Exit(1)
	}
	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
		os.Exit(1)
	}
	stateDir := filepath.Join(projectDir, ".omc", "state")
	return paths{
		home:          home,
		projectDir:    projectDir,
		teamsRoot:     filepath.Join(home, ".claude", "teams"),
		tasksRoot:     filepath.Join(home, ".claude", "tasks"),
		stateDir:      stateDir,
		heartbeatRoot: filepath.Join(stateDir, "team-bridge"),
		logsDir:       filepath.Join(projectDir, ".omc", "logs"),
	}
}

// runBridge implements "team-bridge run --config <path>".
func runBridge(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "bridge config path")
	_ = fs.Parse(args)
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "run: --config is required")
		os.Exit(1)
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	p := resolvePaths()
	logger := setupLogger(filepath.Join(p.logsDir, "team-bridge-"+cfg.TeamName+".log"))
	logger.Printf("Bridge starting: team=%s worker=%s provider=%s", cfg.TeamName, cfg.WorkerName, cfg.Provider)

	reg := registry.New(p.teamsRoot, p.stateDir, logger)
	hbs := heartbeat.NewStore(p.heartbeatRoot)
	b := &bridge.Bridge{
		Config:     cfg,
		Tasks:      task.NewStore(p.tasksRoot),
		Mail:       mailbox.NewStore(p.teamsRoot),
		Heartbeats: hbs,
		Registry:   reg,
		Audit:      audit.New(p.logsDir, logger),
		Usage:      usage.NewTracker(p.logsDir),
		Sessions:   tmux.NewHost(logger),
		Logger:     logger,
		ProjectDir: p.projectDir,
	}

	// SIGINT/SIGTERM: best-effort deregistration so the lead doesn't see
	// a ghost worker, then exit cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Bridge: received %v, deregistering", sig)
		if err := reg.UnregisterMcpWorker(cfg.TeamName, cfg.WorkerName); err != nil {
			logger.Printf("Bridge: unregister: %v", err)
		}
		if err := hbs.Delete(cfg.TeamName, cfg.WorkerName); err != nil {
			logger.Printf("Bridge: delete heartbeat: %v", err)
		}
		os.Exit(0)
	}()

	if err := b.Run(); err != nil {
		logger.Printf("Bridge: %v", err)
		os.Exit(1)
	}
	logger.Println("Bridge stopped")
}

// runLead implements "team-bridge lead --team <name> [--config <yaml>]".
func runLead(args []string) {
	fs := flag.NewFlagSet("lead", flag.ExitOnError)
	teamName := fs.String("team", "", "team name")
	configPath := fs.String("config", "", "team config YAML (optional)")
	_ = fs.Parse(args)
	if *teamName == "" {
		fmt.Fprintln(os.Stderr, "lead: --team is required")
		os.Exit(1)
	}

	p := resolvePaths()
	logger := setupLogger(filepath.Join(p.logsDir, "team-lead-"+*teamName+".log"))
	logger.Printf("Lead starting for team %s", *teamName)

	deps := buildLeadDeps(p, *teamName, *configPath, logger)

	if x, err := history.Open(filepath.Join(p.stateDir, "team-history.sqlite")); err != nil {
		logger.Printf("Lead: history index unavailable: %v", err)
	} else {
		deps.History = x
		defer x.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Lead: received %v, shutting down", sig)
		cancel()
	}()

	watcher := lead.NewWatcher(deps, func(worker string, msg mailbox.OutboxMessage) {
		switch msg.Type {
		case mailbox.OutboxTaskComplete:
			logger.Printf("Lead: %s completed task %s", worker, msg.TaskID)
		case mailbox.OutboxTaskFailed, mailbox.OutboxError:
			logger.Printf("Lead: %s reported %s: %s", worker, msg.Type, msg.Error)
		default:
			logger.Printf("Lead: %s sent %s", worker, msg.Type)
		}
	})
	go watcher.Start(ctx)

	mcpServer := lead.NewServer(deps, Version)
	logger.Println("Stdio ready (driver connection)")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}
	cancel()
	watcher.Stop()
	logger.Println("Lead stopped")
}

// buildLeadDeps wires the lead's stores; the optional team YAML
// contributes capabilities and the merge base branch.
func buildLeadDeps(p paths, teamName, configPath string, logger *log.Logger) *lead.Deps {
	reg := registry.New(p.teamsRoot, p.stateDir, logger)
	hbs := heartbeat.NewStore(p.heartbeatRoot)

	capabilities := map[string][]string{}
	baseBranch := "main"
	if configPath != "" {
		cfg, err := team.LoadConfig(configPath)
		if err != nil {
			logger.Printf("Lead: team config %s: %v (continuing without)", configPath, err)
		} else {
			for _, w := range cfg.Workers {
				capabilities[w.Name] = w.Capabilities
			}
			if cfg.BaseBranch != "" {
				baseBranch = cfg.BaseBranch
			}
		}
	}

	deps := &lead.Deps{
		Team:       teamName,
		BaseBranch: baseBranch,
		Tasks:      task.NewStore(p.tasksRoot),
		Mail:       mailbox.NewStore(p.teamsRoot),
		Registry:   reg,
		Audit:      audit.New(p.logsDir, logger),
		Usage:      usage.NewTracker(p.logsDir),
		View:       &team.View{Registry: reg, Heartbeats: hbs, Capabilities: capabilities},
		Logger:     logger,
	}
	if worktree.IsGitRepo(p.projectDir) {
		deps.Worktrees = worktree.NewCoordinator(p.projectDir, logger)
	}
	return deps
}

// runStatus implements "team-bridge status --team <name>".
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	teamName := fs.String("team", "", "team name")
	_ = fs.Parse(args)
	if *teamName == "" {
		fmt.Fprintln(os.Stderr, "status: --team is required")
		os.Exit(1)
	}

	p := resolvePaths()
	logger := log.New(os.Stderr, "", 0)
	reg := registry.New(p.teamsRoot, p.stateDir, logger)
	view := &team.View{Registry: reg, Heartbeats: heartbeat.NewStore(p.heartbeatRoot)}

	members, err := view.GetTeamMembers(*teamName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if len(members) == 0 {
		fmt.Println("no members")
		return
	}
	fmt.Printf("%-16s %-14s %-12s %s\n", "NAME", "BACKEND", "STATUS", "TASK")
	for _, m := range members {
		taskID := m.CurrentTask
		if taskID == "" {
			taskID = "-"
		}
		fmt.Printf("%-16s %-14s %-12s %s\n", m.Name, m.Backend, m.Status, taskID)
	}
}

// runReport implements "team-bridge report --team <name>".
func runReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	teamName := fs.String("team", "", "team name")
	_ = fs.Parse(args)
	if *teamName == "" {
		fmt.Fprintln(os.Stderr, "report: --team is required")
		os.Exit(1)
	}

	p := resolvePaths()
	logger := log.New(os.Stderr, "", 0)
	report, err := usage.GenerateTeamReport(*teamName,
		task.NewStore(p.tasksRoot), audit.New(p.logsDir, logger), usage.NewTracker(p.logsDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
	saved, err := usage.SaveTeamReport(filepath.Join(p.projectDir, ".omc", "reports"), *teamName, report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: save: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(report)
	fmt.Fprintf(os.Stderr, "saved to %s\n", saved)
}

// runMerge implements "team-bridge merge --team <name> [--worker <w>] [--base <branch>]".
func runMerge(args []string) {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	teamName := fs.String("team", "", "team name")
	worker := fs.String("worker", "", "merge only this worker's branch")
	base := fs.String("base", "main", "base branch")
	_ = fs.Parse(args)
	if *teamName == "" {
		fmt.Fprintln(os.Stderr, "merge: --team is required")
		os.Exit(1)
	}

	p := resolvePaths()
	if !worktree.IsGitRepo(p.projectDir) {
		fmt.Fprintln(os.Stderr, "merge: not inside a git repository")
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", 0)
	coord := worktree.NewCoordinator(p.projectDir, logger)

	var results []worktree.MergeResult
	if *worker != "" {
		res, err := coord.MergeWorkerBranch(*teamName, *worker, *base)
		if err != nil {
			fmt.Fprintf(os.Stderr, "merge: %v\n", err)
			os.Exit(1)
		}
		results = []worktree.MergeResult{*res}
	} else {
		var err error
		results, err = coord.MergeAllWorkerBranches(*teamName, *base)
		if err != nil {
			fmt.Fprintf(os.Stderr, "merge: %v\n", err)
			os.Exit(1)
		}
	}

	failed := false
	for _, r := range results {
		if r.Success {
			fmt.Printf("merged %s (%s)\n", r.Worker, r.MergeCommit)
			continue
		}
		failed = true
		if len(r.Conflicts) > 0 {
			fmt.Printf("conflict %s: %s\n", r.Worker, strings.Join(r.Conflicts, ", "))
		} else {
			fmt.Printf("failed %s: %s\n", r.Worker, r.Error)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// setupLogger writes to the log file plus stderr when stderr is a
// terminal. Daemonized runs (stderr redirected) log to the file only to
// avoid duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			writers = append(writers, f)
			hasLogFile = true
		} else {
			fmt.Fprintf(os.Stderr, "[team-bridge] Warning: cannot open log file %s: %v\n", logFilePath, err)
		}
	} else {
		fmt.Fprintf(os.Stderr, "[team-bridge] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}
	return log.New(io.MultiWriter(writers...), "[team-bridge] ", log.LstdFlags)
}
