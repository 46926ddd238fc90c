package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/aadiby/epic-dod-management/internal/adapters/jira"
    "github.com/aadiby/epic-dod-management/internal/adapters/notify"
    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/aadiby/epic-dod-management/internal/http"
    "github.com/aadiby/epic-dod-management/internal/jobs"
    "github.com/aadiby/epic-dod-management/internal/logger"
    "github.com/aadiby/epic-dod-management/internal/repo"
    "github.com/aadiby/epic-dod-management/internal/services"
)

func main() {
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    // DB
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()
    repository := repo.NewRepository(db, log)
    if err := repository.Migrate(ctx); err != nil {
        log.Fatal().Err(err).Msg("migrate failed")
    }

    // Adapters
    tracker := jira.NewClient(cfg, log)
    notifier := notify.NewDispatcher(cfg, log)

    // Services
    svc := services.New(cfg, log, repository, tracker, notifier)

    // HTTP server (Gin)
    router := http.NewRouter(cfg, log, svc)

    // Cron
    cron := jobs.NewCron(cfg, log, svc)
    cron.Start()
    defer cron.Stop()

    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    time.Sleep(500 * time.Millisecond)
}
