//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unclebandit/reactivation-backend/internal/config"
	"github.com/unclebandit/reactivation-backend/internal/db"
	"github.com/unclebandit/reactivation-backend/internal/logging"
)

var seedFiles = []string{
	"campaigns.sql",
	"leads.sql",
}

func main() {
	dir := flag.String("dir", "seed", "directory holding the seed SQL files")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.File)
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.Database.DSN(), log)
	if err != nil {
		log.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}
	log.Info("schema applied")

	for _, name := range seedFiles {
		file := filepath.Join(*dir, name)
		content, err := os.ReadFile(file)
		if err != nil {
			log.Error("failed to read seed file", "file", file, "error", err)
			os.Exit(1)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Error("failed to execute seed file", "file", file, "error", err)
			os.Exit(1)
		}
		log.Info("seeded", "file", file)
	}

	log.Info("database seeding completed successfully")
}
