// Package cmd provides the Caronte CLI using Cobra.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "caronte",
	Short: "Passive traffic analysis and pattern tagging for CTF attack/defense",
	Long: `Caronte ingests PCAP captures, reassembles TCP connections, scans them
against a live-editable set of byte-pattern rules, and exposes the result
over an HTTP API so a team can triage which connections touched a flag.

Examples:
  caronte serve --config caronte.json       # start the HTTP API, publishing rescan tasks on rule changes
  caronte rescan --nats nats://...           # run a worker pool draining those rescan tasks
  caronte pcap ingest capture.pcap           # ingest one pcap file
  caronte rules import rules.json            # bulk-load a rule set`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the JSON config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pcapCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(rescanCmd)
}
