package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caronte/caronte/internal/pipeline"
	"github.com/caronte/caronte/internal/rescan"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store/sqlitestore"
)

var (
	rescanNatsURL string
	rescanDBPath  string
	rescanGroup   string
)

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Run a rescan worker draining rescan tasks from the queue",
	Long: `Subscribes to the rescan queue a serve process publishes to on rule
changes, re-scanning each named connection's stored streams against the
current rule database and rewriting its matched rules in place.`,
	RunE: runRescan,
}

func init() {
	rescanCmd.Flags().StringVar(&rescanNatsURL, "nats", "nats://127.0.0.1:4222", "NATS URL for the rescan queue")
	rescanCmd.Flags().StringVar(&rescanDBPath, "db", "caronte.db", "path to the SQLite database")
	rescanCmd.Flags().StringVar(&rescanGroup, "group", "rescan-workers", "NATS queue group name, shared across worker processes")
}

func runRescan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := sqlitestore.Open(rescanDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := rules.NewRegistry(log.WithField("component", "rules"))
	ids := rowid.NewAllocator()

	pl, err := pipeline.New(registry, st, ids, cfg.MaxChunkBytes, cfg.FlagRegex, log.WithField("component", "pipeline"))
	if err != nil {
		return err
	}

	queue, err := rescan.Connect(rescanNatsURL, log.WithField("component", "rescan"))
	if err != nil {
		return err
	}
	defer queue.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := queue.Subscribe(ctx, rescanGroup, func(ctx context.Context, task rescan.Task) error {
		return pl.Rescan(ctx, task.ConnectionID)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.WithField("group", rescanGroup).Info("rescan worker started")
	<-ctx.Done()
	log.Info("rescan worker shutting down")
	return nil
}
