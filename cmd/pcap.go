package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/pcapsession"
	"github.com/caronte/caronte/internal/pipeline"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store/sqlitestore"
)

var pcapDBPath string
var pcapFlushAll bool
var pcapDeleteOriginal bool

var pcapCmd = &cobra.Command{
	Use:   "pcap",
	Short: "Ingest PCAP captures into the connection store",
}

var pcapIngestCmd = &cobra.Command{
	Use:   "ingest <file.pcap>",
	Short: "Reassemble a pcap file's TCP connections, scan them, and persist the results",
	Args:  cobra.ExactArgs(1),
	RunE:  runPcapIngest,
}

func init() {
	pcapCmd.PersistentFlags().StringVar(&pcapDBPath, "db", "caronte.db", "path to the SQLite database")
	pcapIngestCmd.Flags().BoolVar(&pcapFlushAll, "flush-all", true, "force-close every flow still open at EOF")
	pcapIngestCmd.Flags().BoolVar(&pcapDeleteOriginal, "delete-original", false, "delete the source file once ingestion succeeds")
	pcapCmd.AddCommand(pcapIngestCmd)
}

func runPcapIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := sqlitestore.Open(pcapDBPath)
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

	asm := assembler.New(cfg.BlockGap(), cfg.IdleFlowTimeout(), pl.OnFlowDone, log.WithField("component", "assembler"))
	manager := pcapsession.New(asm, log.WithField("component", "pcapsession"))

	path := args[0]
	startedAt := time.Now()
	result, err := manager.FileSession(path, pcapFlushAll, pcapDeleteOriginal)
	if err != nil {
		return err
	}

	sessionID := ids.Next()
	session := pcapsession.BuildSessionRow(sessionID, startedAt, result)
	if err := st.PcapSessions().Insert(cmd.Context(), session); err != nil {
		return err
	}

	fmt.Printf("ingested %s: %d packets processed, %d invalid, %d flows\n",
		path, result.ProcessedPackets, result.InvalidPackets, asm.Len())
	return nil
}
