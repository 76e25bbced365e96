package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/synochain/synochain/internal/storage"
)

func main() {
	if len(os.Args) < 4 || len(os.Args) > 5 {
		fmt.Fprintf(os.Stderr, "Usage: %s <backend> <path-or-dsn> <block-index> [commitment|nonce|link|hash]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts one stored block so that chain verification fails\n")
		os.Exit(1)
	}

	backend := storage.Backend(os.Args[1])
	location := os.Args[2]
	index, err := strconv.ParseUint(os.Args[3], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid block index %q: %v\n", os.Args[3], err)
		os.Exit(1)
	}
	field := "commitment"
	if len(os.Args) == 5 {
		field = os.Args[4]
	}

	fmt.Printf("Opening %s storage: %s\n", backend, location)
	fmt.Printf("Target block: %d (%s)\n", index, field)

	if err := tamper(context.Background(), backend, location, index, field); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Tampering completed")
}

func tamper(ctx context.Context, backend storage.Backend, location string, index uint64, field string) error {
	// Bolt blocks can be rewritten in place without touching the rest of the chain.
	if backend == storage.BackendBolt {
		store, err := storage.NewBoltStore(location)
		if err != nil {
			return err
		}
		defer store.Close()

		record, err := store.GetBlock(index)
		if err != nil {
			return err
		}
		if err := corrupt(record, field); err != nil {
			return err
		}
		return store.PutBlock(record)
	}

	store, err := storage.Open(ctx, backend, location)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chain: %w", err)
	}
	if index >= uint64(len(records)) {
		return fmt.Errorf("block %d not found, chain has %d blocks", index, len(records))
	}

	if err := corrupt(&records[index], field); err != nil {
		return err
	}
	return store.Save(ctx, records)
}

func corrupt(record *storage.BlockRecord, field string) error {
	switch field {
	case "commitment":
		if len(record.Commitments) == 0 {
			return fmt.Errorf("block %d has no commitments", record.Index)
		}
		fmt.Printf("  Original commitment: %s\n", record.Commitments[0])
		record.Commitments[0] = flipFirst(record.Commitments[0])
		fmt.Printf("  Corrupted commitment: %s\n", record.Commitments[0])
	case "nonce":
		fmt.Printf("  Original nonce: %d\n", record.Nonce)
		record.Nonce++
		fmt.Printf("  Corrupted nonce: %d\n", record.Nonce)
	case "link":
		fmt.Printf("  Original previous hash: %s\n", record.PreviousHash)
		record.PreviousHash = flipFirst(record.PreviousHash)
		fmt.Printf("  Corrupted previous hash: %s\n", record.PreviousHash)
	case "hash":
		fmt.Printf("  Original hash: %s\n", record.Hash)
		record.Hash = flipFirst(record.Hash)
		fmt.Printf("  Corrupted hash: %s\n", record.Hash)
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func flipFirst(s string) string {
	if s == "" {
		return "a"
	}
	if s[0] == 'a' {
		return "b" + s[1:]
	}
	return "a" + s[1:]
}
