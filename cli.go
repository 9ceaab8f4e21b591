package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"audiowallet/host/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("audiowallet host %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "transfers":
		return cliTransfers(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "no database configured; pass -db")
		os.Exit(1)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	fmt.Printf("Version:  %s\n", Version)
	fmt.Printf("Database: %s\n", dbPath)

	room, err := st.LoadRoom(ctx)
	switch {
	case errors.Is(err, store.ErrNoRoom):
		fmt.Println("Room:     none persisted")
	case err != nil:
		fmt.Fprintf(os.Stderr, "error loading room: %v\n", err)
		os.Exit(1)
	default:
		lock := "unlocked"
		if room.Locked {
			lock = "locked"
		}
		fmt.Printf("Room:     %s (%s, id %s)\n", room.Name, lock, room.RoomID)
	}

	counts, err := st.TransferCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error counting transfers: %v\n", err)
		os.Exit(1)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Transfers: %d total", total)
	for _, state := range []string{"COMPLETE", "ERROR", "CANCELLED"} {
		if n := counts[state]; n > 0 {
			fmt.Printf(", %d %s", n, state)
		}
	}
	fmt.Println()
	return true
}

func cliTransfers(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	limit := 20
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil {
			fmt.Fprintln(os.Stderr, "Usage: host transfers [limit]")
			os.Exit(1)
		}
	}

	rows, err := st.RecentTransfers(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No transfers recorded.")
		return true
	}
	for _, r := range rows {
		when := time.UnixMilli(r.FinishedAt).Format(time.RFC3339)
		line := fmt.Sprintf("%s  %-9s  %s  %s -> %s  %s of %s",
			when, r.State, r.FileID, r.OwnerID, r.RequesterID,
			humanize.Bytes(uint64(r.BytesMoved)), humanize.Bytes(uint64(r.SizeBytes)))
		if r.ErrorCode != "" {
			line += "  (" + r.ErrorCode + ")"
		}
		fmt.Println(line)
	}
	return true
}
