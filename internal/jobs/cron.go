package jobs

import (
    "context"
    "errors"
    "time"

    "github.com/robfig/cron/v3"
    "github.com/rs/zerolog"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/aadiby/epic-dod-management/internal/domain"
)

type Cron struct {
    cfg config.Config
    log zerolog.Logger
    svc syncRunner
    c   *cron.Cron
}

type syncRunner interface {
    RunSync(ctx context.Context, trigger, actor string) (domain.SyncRun, error)
}

func NewCron(cfg config.Config, log zerolog.Logger, svc syncRunner) *Cron {
    loc, _ := time.LoadLocation(cfg.TZ)
    c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
    cr := &Cron{cfg: cfg, log: log, svc: svc, c: c}
    _, _ = c.AddFunc(cfg.SyncCron, cr.sync)
    return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) sync() {
    ctx, cancel := context.WithTimeout(context.Background(), cr.cfg.SyncTimeout)
    defer cancel()
    cr.log.Info().Msg("cron: scheduled sync")
    run, err := cr.svc.RunSync(ctx, domain.SyncTriggerScheduled, "scheduler")
    if errors.Is(err, domain.ErrConcurrentSync) {
        cr.log.Info().Msg("cron: sync already running elsewhere")
        return
    }
    if err != nil {
        cr.log.Error().Err(err).Msg("cron: sync failed")
        return
    }
    cr.log.Info().Int64("run_id", run.ID).Str("status", run.Status).Int("sprints", run.SprintSnapshots).Msg("cron: sync done")
}
