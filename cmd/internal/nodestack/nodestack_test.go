package nodestack

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/localnode"
	"nhbchain/wire"
)

func writeTestAlias(t *testing.T, dir, name string) config.AliasEntry {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keystorePath := filepath.Join(dir, name+".keystore")
	if err := crypto.SaveToKeystore(keystorePath, key, "pass"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	var op wire.Outpoint
	op.TxID[0] = 7
	op.Vout = 0
	return config.AliasEntry{
		ListenAddr:   "127.0.0.1:6101",
		Collateral:   fmt.Sprintf("%s:%d", hex.EncodeToString(op.TxID[:]), op.Vout),
		KeystorePath: keystorePath,
	}
}

func TestBuildWiresAllComponents(t *testing.T) {
	dir := t.TempDir()
	entry := writeTestAlias(t, dir, "node1")
	cfg := &config.Config{
		ServiceNodeNetwork: "main",
		Aliases:            map[string]config.AliasEntry{"node1": entry},
	}

	stack, wasReset, err := Build(cfg, "node1", "pass", dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer stack.Store.Close()

	if !wasReset {
		t.Fatalf("expected a fresh store to report wasReset=true")
	}
	if stack.Registry == nil || stack.Lifecycle == nil || stack.Election == nil ||
		stack.Sync == nil || stack.LocalNode == nil || stack.PoSeAudit == nil {
		t.Fatalf("expected every component wired, got %+v", stack)
	}
	if stack.LocalNode.Status().State != localnode.Initial {
		t.Fatalf("expected a freshly built local node to start in the Initial state, got %v", stack.LocalNode.Status().State)
	}
	if !stack.Oracle.IsSynced() {
		t.Fatalf("expected the fake oracle to report synced")
	}
	if !stack.Election.HasLocalOutpoint() {
		t.Fatalf("expected Build to wire the local outpoint into Election")
	}
	if !stack.PoSeAudit.HasLocalOutpoint() {
		t.Fatalf("expected Build to wire the local outpoint into PoSeAudit")
	}
}

func TestBuildRejectsUnknownAlias(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Aliases: map[string]config.AliasEntry{}}
	if _, _, err := Build(cfg, "missing", "pass", dir); err == nil {
		t.Fatalf("expected an error for an unconfigured alias")
	}
}

func TestBuildRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	entry := writeTestAlias(t, dir, "node2")
	cfg := &config.Config{
		Aliases: map[string]config.AliasEntry{"node2": entry},
	}
	if _, _, err := Build(cfg, "node2", "wrong-pass", dir); err == nil {
		t.Fatalf("expected a keystore decryption error for the wrong passphrase")
	}
}

func TestSubsystemWiresHeartbeatLimiter(t *testing.T) {
	dir := t.TempDir()
	entry := writeTestAlias(t, dir, "node3")
	cfg := &config.Config{
		Aliases: map[string]config.AliasEntry{"node3": entry},
	}
	stack, _, err := Build(cfg, "node3", "pass", dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer stack.Store.Close()

	if stack.Lifecycle == nil {
		t.Fatalf("expected a lifecycle checker")
	}
	if !stack.Lifecycle.Precheck(stack.Resolved.Collateral, time.Now()) {
		t.Fatalf("expected a freshly-built checker to allow the first heartbeat")
	}
}
