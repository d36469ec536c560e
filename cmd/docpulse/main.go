package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/docpulse/docpulse/internal/config"
	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/mcp"
	"github.com/docpulse/docpulse/internal/observe"
	"github.com/docpulse/docpulse/internal/propagate"
	"github.com/docpulse/docpulse/internal/store"
)

const version = "0.1.0-dev"

// errViolationsFound signals a non-zero exit after runValidate has already
// printed the violations.
var errViolationsFound = errors.New("cluster failed validation")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "list":
		if err := runList(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		if err := runValidate(os.Args[2:]); err != nil {
			if !errors.Is(err, errViolationsFound) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
	case "repair":
		if err := runRepair(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "health":
		if err := runHealth(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "propagate":
		if err := runPropagate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("docpulse %s\n", version)
	case "--version", "-v":
		fmt.Printf("docpulse %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// openEngine loads config, opens the snapshot store, and hydrates a manager
// from the last saved snapshot.
func openEngine() (*lifecycle.Manager, *store.SQLiteStore, config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, cfg, err
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = store.DefaultDBPath
	}
	snapshots, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("opening snapshot store: %w", err)
	}

	arena, err := snapshots.LoadArena(context.Background())
	if err != nil {
		snapshots.Close()
		return nil, nil, cfg, fmt.Errorf("loading snapshot: %w", err)
	}

	return lifecycle.NewManager(arena), snapshots, cfg, nil
}

func runServe(args []string) error {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	mgr, snapshots, cfg, err := openEngine()
	if err != nil {
		return err
	}
	defer snapshots.Close()

	s := mcp.NewServer(mcp.ServerConfig{
		Manager:   mgr,
		Scorer:    observe.NewScorerWithWeights(mgr, cfg.Health),
		Snapshots: snapshots,
		Version:   version,
	})

	fmt.Fprintf(os.Stderr, "docpulse %s serving MCP on stdio (db: %s)\n", version, snapshots.Path())
	return mcp.ServeStdio(s)
}

func runList(args []string) error {
	mgr, snapshots, _, err := openEngine()
	if err != nil {
		return err
	}
	defer snapshots.Close()

	clusters := mgr.ListClusters()
	if len(clusters) == 0 {
		fmt.Println("No clusters.")
		return nil
	}
	for _, c := range clusters {
		status := "active"
		if !c.IsActive {
			status = "inactive"
		}
		fmt.Printf("%s  %-24s %-16s %d facts  [%s]\n", c.ID, c.Name, c.Type, len(c.FactIDs), status)
	}
	return nil
}

func runValidate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: docpulse validate <cluster-id>")
	}

	mgr, snapshots, _, err := openEngine()
	if err != nil {
		return err
	}
	defer snapshots.Close()

	violations, err := mgr.Validate(args[0])
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		fmt.Printf("Cluster %s: valid\n", args[0])
		return nil
	}
	fmt.Printf("Cluster %s: %d violation(s)\n", args[0], len(violations))
	for _, v := range violations {
		fmt.Printf("  - %s\n", v.String())
	}
	return errViolationsFound
}

func runRepair(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: docpulse repair <cluster-id>")
	}

	mgr, snapshots, _, err := openEngine()
	if err != nil {
		return err
	}
	defer snapshots.Close()

	report, err := mgr.Repair(args[0])
	if err != nil {
		return err
	}
	if len(report.Actions) == 0 {
		fmt.Printf("Cluster %s: nothing to repair\n", args[0])
		return nil
	}
	for _, a := range report.Actions {
		fmt.Printf("  %s: %s\n", a.Action, a.Reason)
	}
	if err := snapshots.SaveSnapshot(context.Background(), mgr.Snapshot()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	fmt.Printf("Repaired cluster %s (%d action(s))\n", args[0], len(report.Actions))
	return nil
}

func runHealth(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: docpulse health <cluster-id>")
	}

	mgr, snapshots, cfg, err := openEngine()
	if err != nil {
		return err
	}
	defer snapshots.Close()

	scorer := observe.NewScorerWithWeights(mgr, cfg.Health)
	report, err := scorer.Score(args[0], nil)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPropagate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: docpulse propagate <cluster-id> <new-primary-value>")
	}

	mgr, snapshots, _, err := openEngine()
	if err != nil {
		return err
	}
	defer snapshots.Close()

	engine := propagate.NewEngine(mgr)
	result, err := engine.Propagate(args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	fmt.Printf("Primary %s: %q -> %q\n", result.PrimaryFactID, result.OldPrimaryValue, result.NewPrimaryValue)
	fmt.Printf("Updated %d fact(s)\n", len(result.Updated))
	for _, f := range result.Failures {
		fmt.Fprintf(os.Stderr, "  skipped %s (%s): %s\n", f.FactID, f.Kind, f.Detail)
	}

	if err := snapshots.SaveSnapshot(context.Background(), mgr.Snapshot()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`docpulse %s — Semantic consistency engine for interdependent facts

Usage:
  docpulse <command> [arguments]

Commands:
  serve                       Serve the engine over MCP on stdio
  list                        List clusters
  validate <cluster-id>       Check a cluster's structural invariants
  repair <cluster-id>         Self-heal a cluster and report actions
  health <cluster-id>         Print a cluster's health report as JSON
  propagate <id> <value>      Update the primary fact and ripple dependents
  version                     Print version

Flags:
  -h, --help                  Show this help message
  -v, --version               Print version

Configuration:
  ~/.docpulse/config.yaml     db_path and health penalty weights
  DOCPULSE_DB                 Overrides db_path
`, version)
}
