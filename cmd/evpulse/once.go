package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/models"
)

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single pipeline cycle and print station statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, a)
		},
	}
}

func runOnce(ctx context.Context, a *app) error {
	if err := a.init(ctx, nil); err != nil {
		return err
	}

	rep, err := a.coord.RunCycle(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("Cycle finished",
		zap.String("cycle_id", rep.Run.CycleID),
		zap.String("status", string(rep.Run.Status)),
		zap.Int("stations_ok", rep.Run.StationsOK),
		zap.Int("stations_failed", rep.Run.StationsFailed),
		zap.Int("records_processed", rep.Run.RecordsProcessed),
		zap.Int("records_rejected", rep.Run.RecordsRejected),
	)
	for _, src := range rep.Sources {
		if src.Status != models.RunSuccess {
			a.logger.Warn("Source run incomplete",
				zap.String("source", src.DataSource),
				zap.String("type", src.CollectionType),
				zap.String("status", string(src.Status)),
			)
		}
	}

	// 统计报告使用独立 context，周期被取消时仍可输出
	return a.logStats(context.WithoutCancel(ctx))
}
