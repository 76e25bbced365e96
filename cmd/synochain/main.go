package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/synochain/synochain/internal/config"
	"github.com/synochain/synochain/internal/ledger"
	"github.com/synochain/synochain/internal/storage"
)

const version = "v0.1.0"

var (
	cfgFile string
	cidFlag string
)

var rootCmd = &cobra.Command{
	Use:   "synochain",
	Short: "Synochain - content anchoring ledger",
	Long:  `A proof-of-work ledger that anchors hashed content identifiers in Merkle-rooted blocks`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "synochain.yaml", "config file path")
	verifyCmd.Flags().StringVar(&cidFlag, "cid", "", "also check that this content identifier is anchored")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(findCmd)
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openLedger opens the configured store and the ledger on top of it.
// The caller closes the ledger before the store.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Ledger, storage.Store, error) {
	store, err := storage.Open(ctx, storage.Backend(cfg.Storage.Backend), cfg.Storage.StorageLocation())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	l, err := ledger.Open(ctx, store, cfg.LedgerOptions(logger))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return l, store, nil
}

// withLedger runs fn against a ledger opened for a one-shot CLI command.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, l *ledger.Ledger, store storage.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := newLogger(cfg.Log, os.Stderr)

	l, store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runErr := fn(ctx, cfg, l, store)
	if err := l.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("synochain %s\n", version)
		fmt.Println("Content Anchoring Ledger")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the ledger storage with a genesis block",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, cfg *config.Config, l *ledger.Ledger, store storage.Store) error {
			genesis, err := l.Block(0)
			if err != nil {
				return err
			}

			fmt.Printf("Storage backend: %s\n", cfg.Storage.Backend)
			if cfg.Storage.Backend != string(storage.BackendPostgres) {
				fmt.Printf("Storage path: %s\n", cfg.Storage.Path)
			}
			fmt.Printf("Blocks: %d\n", l.Len())
			fmt.Printf("Genesis hash: %s\n", genesis.Hash)
			if err := l.RecoveryErr(); err != nil {
				color.Yellow("Previous snapshot was corrupt and has been quarantined: %v", err)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display ledger status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, cfg *config.Config, l *ledger.Ledger, store storage.Store) error {
			tip := l.Tip()

			fmt.Printf("Storage: %s\n", cfg.Storage.Backend)
			fmt.Printf("Difficulty: %d\n", l.Difficulty())
			fmt.Printf("Blocks: %d\n", l.Len())
			fmt.Printf("\nLatest block:\n")
			fmt.Printf("  Index: %d\n", tip.Index)
			fmt.Printf("  Timestamp: %s\n", tip.Timestamp)
			fmt.Printf("  Commitments: %d\n", len(tip.Commitments))
			fmt.Printf("  Hash: %s\n", tip.Hash)
			fmt.Printf("  Merkle root: %s\n", tip.MerkleRoot)
			writeStoreStatus(os.Stdout, store)
			return nil
		})
	},
}

// writeStoreStatus prints the bookkeeping a backend keeps about its last save.
func writeStoreStatus(w io.Writer, store storage.Store) {
	bs, ok := store.(*storage.BoltStore)
	if !ok {
		return
	}

	fmt.Fprintf(w, "\nStorage metadata:\n")
	for _, key := range []string{storage.MetaUpdatedAt, storage.MetaBlockCount, storage.MetaQuarantined} {
		if value, err := bs.GetMetadata(key); err == nil {
			fmt.Fprintf(w, "  %s: %s\n", key, value)
		}
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, cfg *config.Config, l *ledger.Ledger, store storage.Store) error {
			fmt.Printf("Verifying %d blocks\n", l.Len())

			failed := false
			if err := l.Verify(); err != nil {
				color.Red("  ❌ FAILED: %v", err)
				failed = true
			} else {
				color.Green("  ✅ OK: chain is intact")
			}

			if cidFlag != "" {
				if block, ok := l.FindCID(cidFlag); ok {
					color.Green("  ✅ CID %s anchored in block %d (%s)", cidFlag, block.Index, block.Hash)
				} else {
					color.Red("  ❌ CID %s not found in the ledger", cidFlag)
					failed = true
				}
			}

			if failed {
				return errors.New("verification failed")
			}
			return nil
		})
	},
}

var anchorCmd = &cobra.Command{
	Use:   "anchor <cid>...",
	Short: "Anchor content identifiers in a new block",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, cfg *config.Config, l *ledger.Ledger, store storage.Store) error {
			for _, contentID := range args {
				fmt.Printf("%s -> %s\n", contentID, l.Anchor(contentID))
			}

			block, err := l.Flush(ctx)
			if err != nil && !errors.Is(err, ledger.ErrPersist) {
				return fmt.Errorf("failed to anchor: %w", err)
			}

			color.Cyan("Sealed block %d with %d commitments", block.Index, len(block.Commitments))
			fmt.Printf("  Hash: %s\n", block.Hash)
			fmt.Printf("  Nonce: %d\n", block.Nonce)
			if err != nil {
				color.Yellow("  Block was not persisted: %v", err)
				return err
			}
			return nil
		})
	},
}

var findCmd = &cobra.Command{
	Use:   "find <cid>",
	Short: "Find the block that anchors a content identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, cfg *config.Config, l *ledger.Ledger, store storage.Store) error {
			block, ok := l.FindCID(args[0])
			if !ok {
				color.Red("CID %s not found", args[0])
				return ledger.ErrNotFound
			}

			color.Green("CID %s found", args[0])
			fmt.Printf("  Block: %d\n", block.Index)
			fmt.Printf("  Hash: %s\n", block.Hash)
			fmt.Printf("  Timestamp: %s\n", block.Timestamp)
			return nil
		})
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
