package core

// scheduler.go runs periodic fact-table maintenance.
//
// Each run drops cached column sets, back-fills system columns on tables
// created by older schema versions and refreshes planner statistics. A
// failing table is logged and skipped; the job never stops the service.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JonMunkholm/factingest/internal/logging"
)

// MaintenanceReport summarizes one maintenance run.
type MaintenanceReport struct {
	Tables   int
	Failed   int
	Duration time.Duration
}

// RunMaintenance performs one maintenance pass over every registered table.
func (s *Service) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	start := s.now()
	log := logging.FromContext(ctx)

	s.columns.Cache().InvalidateAll()
	s.templates.Invalidate()

	tables, err := s.registry.ListTables(ctx)
	if err != nil {
		return MaintenanceReport{}, fmt.Errorf("maintenance: %w", err)
	}

	report := MaintenanceReport{Tables: len(tables)}
	var errs []error
	for _, meta := range tables {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.registry.EnsureSystemColumns(ctx, meta.Name, meta.Identity); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", meta.Name, err))
			log.Warn("system column back-fill failed", "table", meta.Name, "error", err)
			continue
		}
		if err := s.registry.Analyze(ctx, meta.Name); err != nil {
			log.Debug("analyze failed", "table", meta.Name, "error", err)
		}
	}
	report.Duration = s.now().Sub(start)

	log.Info("maintenance finished",
		"tables", report.Tables, "failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds())
	return report, errors.Join(errs...)
}

// Scheduler triggers RunMaintenance on a cron schedule.
type Scheduler struct {
	service *Service
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler registers the maintenance job under schedule, a robfig/cron
// expression or descriptor such as "@every 6h".
func NewScheduler(service *Service, schedule string) (*Scheduler, error) {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		service: service,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		)),
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	if _, err := s.service.RunMaintenance(s.ctx); err != nil {
		slog.Error("maintenance run failed", "error", err)
	}
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	slog.Info("maintenance scheduler started", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop cancels a running job and waits for it until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
