package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "svnode-config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunFailsWithoutAliasFlagWhenMultipleAliasesConfigured(t *testing.T) {
	dir := t.TempDir()
	configFile := writeTestConfig(t, dir, `DataDir = "`+dir+`"

[Aliases.node1]
ListenAddr = "127.0.0.1:6101"
Collateral = "0000000000000000000000000000000000000000000000000000000000000000:0"
KeystorePath = "`+filepath.Join(dir, "node1.keystore")+`"

[Aliases.node2]
ListenAddr = "127.0.0.1:6102"
Collateral = "0000000000000000000000000000000000000000000000000000000000000001:0"
KeystorePath = "`+filepath.Join(dir, "node2.keystore")+`"
`)

	logger := slog.Default()
	if err := run(configFile, "", "SVNODE_PASS", logger); err == nil {
		t.Fatalf("expected an error when no --alias is given and more than one alias is configured")
	}
}

func TestRunFailsOnMissingConfiguredAlias(t *testing.T) {
	dir := t.TempDir()
	configFile := writeTestConfig(t, dir, `DataDir = "`+dir+`"
`)

	logger := slog.Default()
	if err := run(configFile, "node-not-in-config", "SVNODE_PASS", logger); err == nil {
		t.Fatalf("expected an error for an alias that is not configured")
	}
}
