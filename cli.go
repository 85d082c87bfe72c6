package main

import (
	"context"
	"fmt"
	"os"

	"audiohub/server/internal/auth"
	"audiohub/server/internal/httpapi"
	"audiohub/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("audiohub %s\n", httpapi.Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	users, err := auth.New(db).Users(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	owner := "none yet"
	for _, u := range users {
		if u.IsOwner {
			owner = u.Name
			break
		}
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %d\n", len(users))
	fmt.Printf("Owner: %s\n", owner)
	fmt.Printf("Version: %s\n", httpapi.Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if len(args) == 0 || args[0] == "list" {
		users, err := auth.New(db).Users(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No users registered.")
			return true
		}
		for _, u := range users {
			role := "member"
			switch {
			case u.IsOwner:
				role = "owner"
			case u.HasPatchbayAccess:
				role = "patchbay"
			}
			fmt.Printf("  [%d] %-20s %s\n", u.ID, u.Name, role)
		}
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server users [list]\n")
	os.Exit(1)
	return true
}
