// Package main implements a one-shot seed command that creates an operator
// account and installs the built-in saved command templates. It lives inside
// the server module so it can access internal packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email admin@example.com \
//	  --password secret \
//	  --name "Admin User" \
//	  --role admin
//
// Environment variables:
//
//	WINFLEET_DB_DRIVER  sqlite or postgres (default: sqlite)
//	WINFLEET_DB_DSN     SQLite file path or Postgres DSN (default: ./winfleet.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/winfleet-io/winfleet/internal/auth"
	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// systemCommands are the built-in templates installed on every seed run.
// Marked IsSystem so the API refuses to delete them.
var systemCommands = []db.SavedCommand{
	{
		Name:        "System Information",
		Description: "Full hardware and OS inventory",
		Category:    "diagnostics",
		Command:     "Get-ComputerInfo",
		IsSystem:    true,
	},
	{
		Name:        "Running Services",
		Description: "All services currently in the Running state",
		Category:    "diagnostics",
		Command:     "Get-Service | Where-Object {$_.Status -eq 'Running'}",
		IsSystem:    true,
	},
	{
		Name:        "Top Processes By CPU",
		Description: "Ten most CPU-hungry processes",
		Category:    "diagnostics",
		Command:     "Get-Process | Sort-Object CPU -Descending | Select-Object -First 10",
		IsSystem:    true,
	},
	{
		Name:        "Disk Health",
		Description: "Physical disk status and capacity",
		Category:    "storage",
		Command:     "Get-Disk | Select-Object Number, FriendlyName, HealthStatus, OperationalStatus, Size",
		IsSystem:    true,
	},
	{
		Name:        "Recent System Errors",
		Description: "Last 25 error entries from the System event log",
		Category:    "diagnostics",
		Command:     "Get-EventLog -LogName System -EntryType Error -Newest 25",
		IsSystem:    true,
	},
	{
		Name:        "Pending Reboot Check",
		Description: "Detect pending-reboot markers in the registry",
		Category:    "maintenance",
		Command:     "Test-Path 'HKLM:\\SOFTWARE\\Microsoft\\Windows\\CurrentVersion\\WindowsUpdate\\Auto Update\\RebootRequired'",
		IsSystem:    true,
	},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", "admin", "Role: admin or user")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "user" {
		return fmt.Errorf("--role must be 'admin' or 'user'")
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("WINFLEET_DB_DRIVER", "sqlite"),
		DSN:      envOrDefault("WINFLEET_DB_DSN", "./winfleet.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userRepo := repository.NewUserRepository(database)
	user := &db.User{
		Email:       *email,
		DisplayName: *name,
		Password:    hashed,
		Role:        *role,
		IsActive:    true,
	}
	if err := userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Role:  %s\n", user.Role)

	savedRepo := repository.NewSavedCommandRepository(database)
	installed := 0
	for i := range systemCommands {
		cmd := systemCommands[i]
		if err := savedRepo.Create(ctx, &cmd); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue // already installed on a previous run
			}
			return fmt.Errorf("install template %q: %w", cmd.Name, err)
		}
		installed++
	}
	fmt.Printf("✓ Installed %d command templates (%d already present)\n",
		installed, len(systemCommands)-installed)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
