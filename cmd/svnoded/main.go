// Command svnoded runs the service-node subsystem for a single configured
// alias: it loads the operator's identity from the config file, restores any
// persisted registry/vote state, and drives the 6-second tick loop until
// interrupted.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nhbchain/cmd/internal/nodestack"
	"nhbchain/config"
	"nhbchain/observability/logging"
)

const defaultPassEnv = "SVNODE_PASS"

func main() {
	configFile := flag.String("config", "./svnode-config.toml", "Path to the svnoded config file")
	alias := flag.String("alias", "", "Alias to run; required unless the config defines exactly one")
	passEnv := flag.String("pass-env", defaultPassEnv, "Environment variable holding the alias keystore passphrase")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logger := logging.Setup("svnoded", env)

	if err := run(*configFile, *alias, *passEnv, logger); err != nil {
		logger.Error("svnoded exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configFile, aliasFlag, passEnv string, logger *slog.Logger) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	alias := aliasFlag
	if alias == "" {
		names := cfg.AliasNames()
		if len(names) != 1 {
			return fmt.Errorf("no --alias given and config defines %d aliases (need exactly 1)", len(names))
		}
		alias = names[0]
	}

	stack, wasReset, err := nodestack.Build(cfg, alias, os.Getenv(passEnv), cfg.DataDir)
	if err != nil {
		return fmt.Errorf("build stack for alias %q: %w", alias, err)
	}
	defer stack.Store.Close()
	if wasReset {
		logger.Warn("persisted state was reset", slog.String("alias", alias))
	}

	sub := stack.Subsystem(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", slog.String("alias", alias))
		sub.Stop()
	}()

	logger.Info("svnoded started", slog.String("alias", alias), slog.String("listen", stack.Resolved.ListenAddr.String()))
	sub.Run()
	return nil
}
