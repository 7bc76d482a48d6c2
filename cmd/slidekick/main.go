package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/slidekick-data/slidekick/internal/api"
	"github.com/slidekick-data/slidekick/internal/config"
	"github.com/slidekick-data/slidekick/internal/db"
	"github.com/slidekick-data/slidekick/internal/inference"
	"github.com/slidekick-data/slidekick/internal/wsi"
)

var (
	listen    = flag.String("listen", "127.0.0.1:8000", "Listen address")
	dbFile    = flag.String("db", "slidekick.db", "SQLite database file")
	slidesDir = flag.String("slides-dir", "./slides", "Directory holding slide files")
	workers   = flag.Int("workers", 0, "Decoder worker count (0 uses the default)")
)

func main() {
	flag.Parse()

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		runMigrate(args[1:])
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	tuning := config.Defaults()
	if *workers > 0 {
		tuning.Workers = *workers
	}
	if err := tuning.Validate(); err != nil {
		log.Fatalf("invalid tuning: %v", err)
	}

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	if err := os.MkdirAll(*slidesDir, 0o755); err != nil {
		log.Fatalf("Failed to create slides directory: %v", err)
	}

	pool := wsi.NewPool(wsi.OpenRaw, tuning.Workers)
	defer pool.Close()

	orchestrator := &inference.Orchestrator{
		Pool:   pool,
		Model:  inference.NewBlobModel(tuning),
		DB:     database,
		Tuning: tuning,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := api.NewServer(database, pool, orchestrator, tuning, *slidesDir).ServeMux()

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoopbackOnlyMiddleware(api.LoggingMiddleware(mux)),
	}

	go func() {
		log.Printf("slidekick listening on %s (slides in %s)", *listen, *slidesDir)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

func runMigrate(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: slidekick migrate up|down|version|force <v>")
		os.Exit(2)
	}

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Print("migrations applied")
	case "down":
		if err := database.MigrateDown(); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Print("rolled back one migration")
	case "version":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			log.Fatalf("migrate version: %v", err)
		}
		log.Printf("schema version %d (dirty=%v)", version, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("migrate force requires a version")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid version %q", args[1])
		}
		if err := database.MigrateForce(version); err != nil {
			log.Fatalf("migrate force: %v", err)
		}
		log.Printf("forced schema version %d", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown migrate command %q\n", args[0])
		os.Exit(2)
	}
}
