// Command beemflow runs one flow document to completion (or
// suspension) against a local store, printing the resulting run
// record. It is intentionally minimal: the CLI front-end proper —
// subcommands, flow management, trigger wiring — is an external
// collaborator this module doesn't implement.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/beemflow/flow/internal/eventbus"
	"github.com/beemflow/flow/internal/orchestrator"
	"github.com/beemflow/flow/internal/registry"
	"github.com/beemflow/flow/internal/secrets"
	"github.com/beemflow/flow/internal/store"
	"github.com/beemflow/flow/internal/validate"
	"github.com/beemflow/flow/pkg/mcp"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: beemflow <flow.yaml> [event.json]")
		os.Exit(1)
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading flow file: %w", err)
	}
	ef, err := validate.ParseYAML(data)
	if err != nil {
		return fmt.Errorf("parsing flow: %w", err)
	}

	var event map[string]any
	if len(args) > 1 {
		eventData, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading event file: %w", err)
		}
		if err := json.Unmarshal(eventData, &event); err != nil {
			return fmt.Errorf("parsing event: %w", err)
		}
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	dialer := mcp.NewDialer(ef.Flow.MCPServers)
	reg := registry.NewToolRegistry(registry.NewHTTPAdapter(registry.NewClient()), dialer)

	bus := eventbus.NewBus(st, nil, eventbus.WithLogger(logger))
	opts := []orchestrator.Option{orchestrator.WithPoolSize(cfg.PoolSize), orchestrator.WithLogger(logger)}

	if cfg.VaultKeyPath != "" {
		vault, err := openVault(st, cfg.VaultKeyPath)
		if err != nil {
			return fmt.Errorf("opening vault: %w", err)
		}
		opts = append(opts, orchestrator.WithSecretResolver(secrets.NewResolver(vault)))
	}

	orch := orchestrator.NewOrchestrator(st, reg, bus, opts...)

	runRecord, err := orch.Start(context.Background(), ef, event, nil)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(runRecord, "", "  ")
	fmt.Println(string(out))
	return nil
}

// openVault builds an AESVault backed by the run's own store, keyed
// from the file at keyPath. A 32-byte file is used as a raw AES-256
// key; anything else is treated as a passphrase and stretched via
// PBKDF2 with a salt derived from keyPath itself, so the same path
// always rederives the same key without a second secret to manage.
func openVault(st store.Store, keyPath string) (*secrets.AESVault, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading vault key file: %w", err)
	}
	key := bytes.TrimSpace(raw)

	var cfg secrets.VaultConfig
	if len(key) == 32 {
		cfg.MasterKey = key
	} else {
		salt := sha256.Sum256([]byte("beemflow-vault-salt:" + keyPath))
		cfg = secrets.VaultConfig{Passphrase: string(key), Salt: salt[:]}
	}
	return secrets.NewAESVault(st, cfg)
}

func openStore(dbPath string) (store.Store, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
