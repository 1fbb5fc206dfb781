// Command svnodectl is the operator CLI for the service-node subsystem:
// start-alias, start-all, start-missing, list, count, and status (§6
// "Operator CLI").
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"nhbchain/cmd/internal/nodestack"
	"nhbchain/config"
	"nhbchain/wire"
)

const (
	exitSuccess        = 0
	exitSyncIncomplete = 1
	exitWalletLocked   = 2
	exitNoSuchAlias    = 3

	defaultPassEnv = "SVNODE_PASS"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitNoSuchAlias)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configFile := fs.String("config", "./svnode-config.toml", "Path to the svnoded config file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable holding the alias keystore passphrase")
	fs.Parse(args)
	rest := fs.Args()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(exitSyncIncomplete)
	}

	switch cmd {
	case "list":
		os.Exit(runList(cfg))
	case "count":
		os.Exit(runCount(cfg, os.Getenv(*passEnv)))
	case "status":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: svnodectl status <alias>")
			os.Exit(exitNoSuchAlias)
		}
		os.Exit(runStatus(cfg, rest[0], os.Getenv(*passEnv)))
	case "start-alias":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: svnodectl start-alias <alias>")
			os.Exit(exitNoSuchAlias)
		}
		os.Exit(runStart(cfg, []string{rest[0]}, os.Getenv(*passEnv)))
	case "start-all":
		os.Exit(runStart(cfg, cfg.AliasNames(), os.Getenv(*passEnv)))
	case "start-missing":
		os.Exit(runStart(cfg, missingAliases(cfg, os.Getenv(*passEnv)), os.Getenv(*passEnv)))
	default:
		usage()
		os.Exit(exitNoSuchAlias)
	}
}

func usage() {
	fmt.Println("svnodectl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start-alias <alias>   Activate and run a single configured alias")
	fmt.Println("  start-all             Activate and run every configured alias")
	fmt.Println("  start-missing         Activate and run aliases not yet ENABLED")
	fmt.Println("  list                  List configured alias names")
	fmt.Println("  count                 Print the persisted registry size for each alias")
	fmt.Println("  status <alias>        Print the activation status of one alias")
}

func runList(cfg *config.Config) int {
	for _, name := range cfg.AliasNames() {
		fmt.Println(name)
	}
	return exitSuccess
}

func runCount(cfg *config.Config, passphrase string) int {
	total := 0
	for _, name := range cfg.AliasNames() {
		stack, _, err := nodestack.Build(cfg, name, passphrase, cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			continue
		}
		n := stack.Registry.Size()
		stack.Store.Close()
		fmt.Printf("%s: %d\n", name, n)
		total += n
	}
	fmt.Printf("total: %d\n", total)
	return exitSuccess
}

func runStatus(cfg *config.Config, alias, passphrase string) int {
	if _, ok := cfg.Aliases[alias]; !ok {
		fmt.Fprintf(os.Stderr, "no such alias %q\n", alias)
		return exitNoSuchAlias
	}
	stack, _, err := nodestack.Build(cfg, alias, passphrase, cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", alias, err)
		return exitWalletLocked
	}
	defer stack.Store.Close()

	synced := stack.Oracle.IsSynced()
	entry := stack.Registry.Lookup(stack.Resolved.Collateral)
	fmt.Printf("alias:      %s\n", alias)
	fmt.Printf("collateral: %s\n", stack.Resolved.Collateral)
	fmt.Printf("synced:     %v\n", synced)
	if entry == nil {
		fmt.Println("state:      UNKNOWN (no registry entry persisted yet)")
	} else {
		fmt.Printf("state:      %s\n", entry.LifecycleState)
		fmt.Printf("pose_score: %d\n", entry.PoSeScore)
		if tip, err := stack.Oracle.TipHeight(); err == nil {
			if _, reasons, err := stack.Election.QueueForPayment(tip, time.Unix(0, 0)); err == nil {
				if reason, ok := reasons[stack.Resolved.Collateral]; ok {
					fmt.Printf("disqualify: %s\n", reason)
				}
			}
		}
	}
	if !synced {
		return exitSyncIncomplete
	}
	return exitSuccess
}

func missingAliases(cfg *config.Config, passphrase string) []string {
	var missing []string
	for _, name := range cfg.AliasNames() {
		stack, _, err := nodestack.Build(cfg, name, passphrase, cfg.DataDir)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		entry := stack.Registry.Lookup(stack.Resolved.Collateral)
		stack.Store.Close()
		if entry == nil || entry.LifecycleState != wire.Enabled {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func runStart(cfg *config.Config, aliases []string, passphrase string) int {
	if len(aliases) == 0 {
		fmt.Fprintln(os.Stderr, "no matching aliases to start")
		return exitNoSuchAlias
	}
	logger := slog.Default()

	type running struct {
		alias string
		stack *nodestack.Stack
		sub   interface{ Stop() error }
	}
	var started []running
	for _, name := range aliases {
		if _, ok := cfg.Aliases[name]; !ok {
			fmt.Fprintf(os.Stderr, "no such alias %q\n", name)
			return exitNoSuchAlias
		}
		stack, _, err := nodestack.Build(cfg, name, passphrase, cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			return exitWalletLocked
		}
		if !stack.Oracle.IsSynced() {
			fmt.Fprintf(os.Stderr, "%s: chain sync incomplete\n", name)
			return exitSyncIncomplete
		}
		sub := stack.Subsystem(logger)
		if err := sub.LoadState(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: load state: %v\n", name, err)
			return exitWalletLocked
		}
		go sub.Run()
		started = append(started, running{alias: name, stack: stack, sub: sub})
		fmt.Printf("started %s on %s\n", name, stack.Resolved.ListenAddr.String())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	for _, r := range started {
		_ = r.sub.Stop()
		r.stack.Store.Close()
	}
	return exitSuccess
}
