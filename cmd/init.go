package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"i"},
	Short:   "Write a default .kiln.yml",
	Long: `Write the default configuration to .kiln.yml in the current directory,
or to the file given with --config. Every key is listed with its default
so the file doubles as a reference.

Examples:
  kiln init            # Create .kiln.yml
  kiln init --force    # Overwrite an existing file`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, _ []string) error {
	filename := cfgFile
	if filename == "" {
		filename = config.DefaultConfigName + ".yml"
	}

	if err := config.WriteFile(filename, config.Default(), initForce); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", filename)
	return nil
}
