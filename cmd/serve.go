package cmd

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/httpapi"
	"github.com/caronte/caronte/internal/pcapsession"
	"github.com/caronte/caronte/internal/pipeline"
	"github.com/caronte/caronte/internal/rescan"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store/sqlitestore"
	"github.com/caronte/caronte/internal/streamreader"
)

var (
	serveNatsURL string
	serveDBPath  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API backed by the current rule set and stored connections",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveNatsURL, "nats", "", "NATS URL for the rescan queue (disabled if empty)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "caronte.db", "path to the SQLite database")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := sqlitestore.Open(serveDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := rules.NewRegistry(log.WithField("component", "rules"))
	reader := streamreader.New(st.ConnectionStreams())
	ids := rowid.NewAllocator()

	pl, err := pipeline.New(registry, st, ids, cfg.MaxChunkBytes, cfg.FlagRegex, log.WithField("component", "pipeline"))
	if err != nil {
		return err
	}
	asm := assembler.New(cfg.BlockGap(), cfg.IdleFlowTimeout(), pl.OnFlowDone, log.WithField("component", "assembler"))
	sessions := pcapsession.New(asm, log.WithField("component", "pcapsession"))

	handler := &httpapi.Handler{
		Registry: registry,
		Store:    st,
		Reader:   reader,
		Config:   cfg,
		Sessions: sessions,
		IDs:      ids,
	}

	if serveNatsURL != "" {
		queue, err := rescan.Connect(serveNatsURL, log.WithField("component", "rescan"))
		if err != nil {
			log.WithError(err).Warn("rescan queue unavailable, continuing without it")
		} else {
			defer queue.Close()
			handler.Rescan = queue
		}
	}

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	log.WithField("address", cfg.ListenAddress()).Info("starting caronte HTTP API")
	return http.ListenAndServe(cfg.ListenAddress(), router)
}
