package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/tasks"
)

var listFormat string

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l"},
	Short:   "List every task",
	Long: `List every task grouped by kind.

Examples:
  kiln list             # Table grouped by kind
  kiln list -f json     # Machine readable`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "Output format (table, json)")
}

func kindTitle(k tasks.Kind) string {
	return cases.Title(language.English).String(k.String())
}

type listedTask struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := tasks.NewRegistry(cfg, nil)
	if err != nil {
		return err
	}
	defer reg.Close()

	switch listFormat {
	case "json":
		var out []listedTask
		for _, t := range reg.Tasks() {
			out = append(out, listedTask{Name: t.Name, Kind: t.Kind.String(), Description: t.Description})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "table":
		return listTable(cmd, reg, cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: table, json)", listFormat)
	}
}

func listTable(cmd *cobra.Command, reg *tasks.Registry, cfg *config.Config) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	for _, kind := range tasks.Kinds {
		fmt.Fprintf(w, "%s\n", kindTitle(kind))
		for _, t := range reg.Tasks() {
			if t.Kind == kind {
				fmt.Fprintf(w, "  %s\t%s\n", t.Name, t.Description)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Outputs: %s, %s\n", cfg.Paths.Build, cfg.Paths.Theme)
	return w.Flush()
}
