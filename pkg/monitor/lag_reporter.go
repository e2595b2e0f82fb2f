// Package monitor periodically reports consumer group lag for every stored
// spec, giving operators a log-based view between ad-hoc inspector queries.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/extractd/extractd/pkg/inspector"
	"github.com/extractd/extractd/pkg/log"
	"github.com/extractd/extractd/pkg/store"
)

// LagReporter runs the inspector on a cron schedule and logs total lag per
// consumer spec. Reporting is read-only and never touches running
// extractors.
type LagReporter struct {
	logger    *slog.Logger
	store     store.Store
	inspector *inspector.Inspector
	cron      *cron.Cron
}

func NewLagReporter(logger *slog.Logger, specStore store.Store, insp *inspector.Inspector) *LagReporter {
	return &LagReporter{
		logger:    logger.With("module", "lag-reporter"),
		store:     specStore,
		inspector: insp,
		cron:      cron.New(),
	}
}

// Start registers the report job under the given cron schedule and starts
// the scheduler.
func (r *LagReporter) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		r.report(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule lag report: %w", err)
	}

	r.cron.Start()
	r.logger.Info("Lag reporter started", "schedule", schedule)

	return nil
}

// Stop halts the scheduler and waits for an in-flight report to finish.
func (r *LagReporter) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("Lag reporter stopped")
}

func (r *LagReporter) report(ctx context.Context) {
	specs, err := r.store.List(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list specs for lag report", "error", err)

		return
	}

	for _, spec := range specs {
		logger := log.WithConsumer(r.logger, spec.ID, spec.GroupID, spec.Topic)
		brokers := []string{spec.BootstrapServer()}

		lag, err := r.inspector.Lag(ctx, spec.GroupID, spec.Topic, brokers)
		if err != nil {
			logger.WarnContext(ctx, "Lag report failed for consumer", "error", err)

			continue
		}

		var total int64
		for _, partition := range lag {
			total += partition.Lag
		}

		logger.InfoContext(ctx, "Consumer group lag",
			"status", spec.Status,
			"partitions", len(lag),
			"total_lag", total)
	}
}
