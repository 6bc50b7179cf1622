package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/database"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of migrations to apply; 0 applies all")
	seed := flag.Bool("seed", false, "import a semantic model after migrating up")
	modelPath := flag.String("model", "", "model YAML to seed; empty seeds the embedded default")
	list := flag.Bool("list", false, "list embedded migrations and exit")
	flag.Parse()

	if *list {
		names, err := database.MigrationNames()
		if err != nil {
			log.Fatalf("Failed to list migrations: %v", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := config.NewDefaultLoader().Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	db := cfg.Database

	fmt.Println("=== Running Database Migrations ===")
	fmt.Printf("Connecting to database: %s@%s:%s/%s\n", db.Username, db.Host, db.Port, db.Database)

	if err := database.CheckDatabase(ctx, db.DSN()); err != nil {
		log.Fatalf("Database connectivity failed: %v", err)
	}
	fmt.Println("✓ Database connectivity verified")

	dir := database.Direction(*direction)
	if dir != database.Up && dir != database.Down {
		log.Fatalf("Unknown direction %q", *direction)
	}

	version, err := database.RunMigrations(database.MigrationConfig{
		DatabaseURL: db.URL(),
		Direction:   dir,
		Steps:       *steps,
	})
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Printf("✓ Database migrations completed (schema version %d)\n", version)

	if !*seed {
		return
	}
	if dir == database.Down {
		log.Fatal("Refusing to seed after migrating down")
	}

	model, err := semantic.NewFileSource(*modelPath).Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	src, err := semantic.NewPostgresSource(db)
	if err != nil {
		log.Fatalf("Failed to open model store: %v", err)
	}
	defer src.Close()

	if err := src.Import(ctx, model); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	fmt.Printf("✓ Seeded semantic model version %s (%d metrics, %d dimensions)\n",
		model.Version, len(model.Metrics), len(model.Dimensions))
}
