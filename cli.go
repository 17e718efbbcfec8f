package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"xchat/server/internal/catalog"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled and the server should not start.
func RunCLI(args []string, dbPath, adminFile string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("xchat server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath, adminFile)
	case "rooms":
		return cliRooms(args[1:], dbPath)
	case "secret":
		return cliSecret(adminFile)
	default:
		return false
	}
}

func cliStatus(dbPath, adminFile string) bool {
	cat, err := catalog.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening catalog: %v\n", err)
		os.Exit(1)
	}
	defer cat.Close()

	n, _ := cat.RoomCount(context.Background())
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Admin secret file: %s\n", adminFile)
	fmt.Printf("Active rooms: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliRooms(args []string, dbPath string) bool {
	cat, err := catalog.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening catalog: %v\n", err)
		os.Exit(1)
	}
	defer cat.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		rooms, err := cat.ActiveRooms(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, r := range rooms {
			fmt.Printf("  %s\n", r)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		name := args[1]
		if err := cat.Create(ctx, name, "system"); err != nil {
			fmt.Fprintf(os.Stderr, "error creating room: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created room %s\n", name)
		return true
	}

	fmt.Fprintln(os.Stderr, "usage: rooms [list|create <name>]")
	os.Exit(1)
	return true
}

func cliSecret(adminFile string) bool {
	data, err := os.ReadFile(adminFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading admin secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(data)))
	return true
}
