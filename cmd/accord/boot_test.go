package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/config"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range cases {
		if got := logLevel(name); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestOpenStore_Memory(t *testing.T) {
	st, db, err := openStore(context.Background(), config.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		t.Fatal("store is nil")
	}
	if db != nil {
		t.Error("memory store should carry no SQL handle")
	}
}

func TestOpenStore_SQLiteCreatesDataDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreDriver = "sqlite"
	cfg.StoreDSN = filepath.Join(t.TempDir(), "nested", "accord.db")

	st, db, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if st == nil || db == nil {
		t.Fatal("sqlite should return both store and handle")
	}
	if _, err := os.Stat(cfg.StoreDSN); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreDriver = "etcd"
	if _, _, err := openStore(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestChainKey_GenerateThenLoad(t *testing.T) {
	cfg := config.Defaults()
	cfg.ChainKeyFile = filepath.Join(t.TempDir(), "keys", "chain.key")

	master, err := loadOrGenerateChainKey(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(master) != chain.MasterKeySize {
		t.Fatalf("key size = %d, want %d", len(master), chain.MasterKeySize)
	}

	again, err := loadOrGenerateChainKey(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(master, again) {
		t.Error("second load should return the persisted key")
	}

	raw, err := os.ReadFile(cfg.ChainKeyFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hex.DecodeString(strings.TrimSpace(string(raw))); err != nil {
		t.Errorf("key file is not hex: %v", err)
	}
}

func TestChainKey_ProductionRequiresFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Environment = "production"
	cfg.ChainKeyFile = filepath.Join(t.TempDir(), "missing.key")

	if _, err := loadOrGenerateChainKey(cfg); err == nil {
		t.Fatal("production boot must not generate a key")
	}
}

func TestLoadPolicies_DevelopmentDefaults(t *testing.T) {
	reg, err := loadPolicies(context.Background(), config.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.ClosePlugins()

	if entry := reg.Lookup("ping", 1); entry.Deny {
		t.Error("default policy should admit ping at trust level 1")
	}
	if entry := reg.Lookup("transfer_funds", 5); !entry.Deny {
		t.Error("unregistered intent types must stay denied")
	}
}

func TestLoadPolicies_ProductionRequiresFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Environment = "production"
	if _, err := loadPolicies(context.Background(), cfg); err == nil {
		t.Fatal("production boot must not fall back to the default policy")
	}
}
