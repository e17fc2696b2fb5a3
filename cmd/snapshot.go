package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/spf13/cobra"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/resolver"
	"github.com/geekxflood/proteus/internal/seed"
	"github.com/geekxflood/proteus/internal/storage"
	"github.com/geekxflood/proteus/internal/types"
)

var (
	snapshotContext string
	snapshotFormat  string
)

// snapshotCmd represents the snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print persisted object state",
	Long: `Print the rows saved in the state database, one per registration and row
index, without starting the agent.`,
	Example: `# Dump every saved row as a table
	proteus snapshot --config config.yaml

	# Only the "lab" context, as JSON
	proteus snapshot --context lab --format json`,
	RunE: printSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVar(&snapshotContext, "context", "", "Only print rows of this context")
	snapshotCmd.Flags().StringVarP(&snapshotFormat, "format", "f", "text", "Output format: text or json")
}

type snapshotRow struct {
	Context      string           `json:"context"`
	Registration string           `json:"registration"`
	Name         string           `json:"name"`
	Index        string           `json:"index"`
	Values       []types.Variable `json:"values"`
	SavedAt      time.Time        `json:"saved_at"`
}

func printSnapshot(cmd *cobra.Command, args []string) error {
	manager, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer manager.Close()

	logger, _, err := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	s, err := storage.NewStorage(manager, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer s.Close()

	records, err := s.Records(context.Background())
	if err != nil {
		return err
	}

	seedPath, _ := manager.GetString("seed.path", "")
	names := seedNames(seedPath)

	rows := make([]snapshotRow, 0, len(records))
	for _, rec := range records {
		if cmd.Flags().Changed("context") && rec.Context != snapshotContext {
			continue
		}
		rows = append(rows, snapshotRow{
			Context:      rec.Context,
			Registration: rec.Key,
			Name:         registrationName(names, rec.Key),
			Index:        rec.Index.String(),
			Values:       rec.Values,
			SavedAt:      rec.SavedAt,
		})
	}

	switch snapshotFormat {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "text":
		return writeSnapshotTable(cmd, rows)
	default:
		return fmt.Errorf("unknown format %q", snapshotFormat)
	}
}

func writeSnapshotTable(cmd *cobra.Command, rows []snapshotRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "No saved rows")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTEXT\tNAME\tREGISTRATION\tINDEX\tVALUES\tSAVED")
	for _, row := range rows {
		values := make([]string, len(row.Values))
		for i, v := range row.Values {
			values[i] = v.String()
		}
		ctx := row.Context
		if ctx == "" {
			ctx = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ctx, row.Name, row.Registration, row.Index, strings.Join(values, ", "), row.SavedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// seedNames builds a resolver from the seed at path. A seed that no longer
// loads yields an empty resolver.
func seedNames(path string) *resolver.Resolver {
	def, err := seed.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Object names unavailable: %v\n", err)
		return resolver.New()
	}
	r, err := resolver.FromSeed(def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Object names unavailable: %v\n", err)
		return resolver.New()
	}
	return r
}

func registrationName(names *resolver.Resolver, key string) string {
	o, err := oid.Parse(key)
	if err != nil {
		return key
	}
	return names.Name(o)
}
