package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/pkg/logger"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

const usage = "Usage: migrate <up|down|version|steps N|force V>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, "text")

	m, err := migrate.New(
		"file://"+cfg.Database.MigrationsPath,
		"sqlite://"+cfg.Database.Path,
	)
	if err != nil {
		log.Fatalf("Failed to create migrate instance: %v", err)
	}
	defer m.Close()

	entry := log.WithField("database", cfg.Database.Path)

	switch command := os.Args[1]; command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			entry.Fatalf("An error occurred while migrating up: %v", err)
		}
		entry.Info("Migrations applied successfully")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			entry.Fatalf("An error occurred while migrating down: %v", err)
		}
		entry.Info("Migrations rolled back successfully")
	case "steps", "force":
		if len(os.Args) < 3 {
			entry.Fatal(usage)
		}
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			entry.Fatalf("Invalid argument %q: %v", os.Args[2], err)
		}
		if command == "steps" {
			err = m.Steps(n)
		} else {
			err = m.Force(n)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			entry.Fatalf("Migration %s %d failed: %v", command, n, err)
		}
		entry.Infof("Migration %s %d completed", command, n)
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			entry.Info("No migrations applied")
			return
		}
		if err != nil {
			entry.Fatalf("Failed to read schema version: %v", err)
		}
		entry.WithField("dirty", dirty).Infof("Schema version %d", v)
	default:
		entry.Fatalf("Unknown command: %s. %s", command, usage)
	}
}
