package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store/sqlitestore"
)

var rulesDBPath string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the rule set",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <rules.json>",
	Short: "Bulk-load a JSON array of rules into the store",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&rulesDBPath, "db", "caronte.db", "path to the SQLite database")
	rulesCmd.AddCommand(rulesImportCmd)
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var incoming []model.Rule
	if err := json.Unmarshal(data, &incoming); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	st, err := sqlitestore.Open(rulesDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := rules.NewRegistry(log.WithField("component", "rules"))

	imported := 0
	for _, rule := range incoming {
		id, err := registry.AddRule(rule)
		if err != nil {
			log.WithError(err).WithField("name", rule.Name).Warn("skipping rule")
			continue
		}
		stored, err := registry.GetRule(id)
		if err != nil {
			return err
		}
		if err := st.Rules().Insert(cmd.Context(), stored); err != nil {
			return err
		}
		imported++
	}

	fmt.Printf("imported %d/%d rules\n", imported, len(incoming))
	return nil
}
