package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subforge/subforge/archive"
	"github.com/subforge/subforge/assemblyai"
	"github.com/subforge/subforge/audio"
	"github.com/subforge/subforge/backoff"
	"github.com/subforge/subforge/config"
	"github.com/subforge/subforge/groq"
	"github.com/subforge/subforge/render"
	"github.com/subforge/subforge/server"
	"github.com/subforge/subforge/store"
	"github.com/subforge/subforge/worker"
)

func main() {
	cfg := config.Load()

	for _, dir := range []string{cfg.UploadDir, cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// Initialize the job store and restore persisted records
	jobStore, err := store.NewJobStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize job store: %v", err)
	}
	if err := jobStore.LoadJobs(); err != nil {
		log.Printf("Warning: Failed to load existing jobs: %v", err)
	}

	transcriber := assemblyai.NewClient(assemblyai.ClientConfig{
		APIKey:        cfg.AssemblyAIKey,
		BaseURL:       cfg.AssemblyAIBaseURL,
		UploadTimeout: cfg.UploadTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
		PollTimeout:   cfg.PollTimeout,
	})
	completer := groq.NewClient(groq.ClientConfig{
		APIKey:  cfg.GroqKey,
		BaseURL: cfg.GroqBaseURL,
		Timeout: cfg.CompleteTimeout,
		Retry: backoff.Policy{
			MaxAttempts: cfg.CompleteAttempts,
			BaseDelay:   cfg.CompleteBackoff,
		},
	})

	pipeline := worker.NewPipeline(jobStore, audio.NewExtractor(), transcriber, completer,
		render.NewRenderer(cfg.ProcessedDir), worker.PipelineConfig{
			ProcessedDir: cfg.ProcessedDir,
			PollInterval: cfg.PollInterval,
			PollBudget:   cfg.PollBudget,
		})

	// Archive terminal jobs to Postgres when a database is configured
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: job archive disabled: %v", err)
		} else {
			defer pool.Close()
			jobArchive := archive.New(pool)
			if err := jobArchive.EnsureSchema(context.Background()); err != nil {
				log.Printf("Warning: job archive disabled: %v", err)
			} else {
				pipeline.SetArchiver(jobArchive)
				log.Println("Terminal jobs will be archived to Postgres")
			}
		}
	}

	dispatcher := worker.NewDispatcher(jobStore, pipeline, cfg.UploadDir)

	srv := server.NewServer(jobStore, dispatcher, completer, cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Subtitle pipeline service started (max upload %dMB)", cfg.MaxUploadBytes>>20)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")
}
