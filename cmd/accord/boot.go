package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/config"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// logLevel maps the configured name onto a slog level, defaulting to info.
func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore builds the configured store. The SQL handle is non-nil only for
// sqlite and postgres; the caller closes it on shutdown.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *sql.DB, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemStore(), nil, nil

	case "sqlite":
		if cfg.StoreDSN != ":memory:" {
			if dir := filepath.Dir(cfg.StoreDSN); dir != "." {
				if err := os.MkdirAll(dir, 0750); err != nil {
					return nil, nil, fmt.Errorf("create data dir: %w", err)
				}
			}
		}
		db, err := sql.Open("sqlite", cfg.StoreDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// Chain-head CAS relies on one writer at a time per connection.
		db.SetMaxOpenConns(1)
		st, err := store.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return st, db, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.StoreDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		st, err := store.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return st, db, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func chainKeyPath(cfg *config.Config) string {
	if cfg.ChainKeyFile != "" {
		return cfg.ChainKeyFile
	}
	return filepath.Join("data", "chain.key")
}

// readChainKey loads the hex-encoded master secret. It never generates one:
// a fresh key replays every existing chain as broken.
func readChainKey(cfg *config.Config) ([]byte, error) {
	raw, err := os.ReadFile(chainKeyPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("read chain key: %w", err)
	}
	master, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid chain key format: %w", err)
	}
	return master, nil
}

// loadOrGenerateChainKey reads the persistent master secret, generating and
// saving one when missing. Production refuses to run on a generated key.
func loadOrGenerateChainKey(cfg *config.Config) ([]byte, error) {
	keyPath := chainKeyPath(cfg)

	master, err := readChainKey(cfg)
	if err == nil {
		log.Printf("[accord] chain: loaded master key from %s", keyPath)
		return master, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if cfg.Environment == "production" {
		return nil, fmt.Errorf("production mode requires %s to exist", keyPath)
	}

	master, err = chain.GenerateMaster()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(master)), 0600); err != nil {
		return nil, fmt.Errorf("save chain key: %w", err)
	}

	log.Printf("[accord] chain: generated new master key at %s", keyPath)
	fmt.Fprintf(os.Stdout, "\n%s⚠️  SECURITY WARNING: Using auto-generated chain key.%s\n", ColorBold+ColorYellow, ColorReset)
	fmt.Fprintf(os.Stdout, "   Key saved to: %s\n", keyPath)
	fmt.Fprintf(os.Stdout, "   Losing this key makes existing chains unverifiable.\n\n")
	return master, nil
}

// defaultPolicy keeps a development boot usable without a policy file: any
// registered pair may establish at trust level 1 and exchange ping intents.
const defaultPolicy = `
version: "1.0.0"
trust_rules:
  - initiator: "*"
    responder: "*"
    trust_level: 1
intents:
  - type: ping
    levels:
      - trust_level: 1
`

func loadPolicies(ctx context.Context, cfg *config.Config) (*policy.Registry, error) {
	if cfg.PolicyFile != "" {
		return policy.Load(ctx, cfg.PolicyFile)
	}
	if cfg.Environment == "production" {
		return nil, errors.New("production mode requires ACCORD_POLICY_FILE to be set")
	}
	log.Println("[accord] policy: no file configured, using permissive development defaults")
	return policy.Parse(ctx, []byte(defaultPolicy))
}
