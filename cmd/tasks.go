package cmd

import (
	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/tasks"
)

var buildClean bool

// taskCommands mirrors the registry built from the default configuration,
// so every registered task gets a subcommand of the same name.
func taskCommands() []*cobra.Command {
	reg, err := tasks.NewRegistry(config.Default(), nil)
	if err != nil {
		panic(err)
	}

	var cmds []*cobra.Command
	for _, t := range reg.Tasks() {
		name := t.Name
		c := &cobra.Command{
			Use:     name,
			Short:   t.Description,
			Args:    cobra.NoArgs,
			GroupID: t.Kind.String(),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runTask(cmd, name)
			},
		}

		switch name {
		case "serve", "default":
			addServerFlags(c)
		case "build":
			c.Flags().BoolVar(&buildClean, "clean", false, "run clean before building")
			c.RunE = func(cmd *cobra.Command, _ []string) error {
				if buildClean {
					return runTask(cmd, "clean", "build")
				}
				return runTask(cmd, "build")
			}
		}
		cmds = append(cmds, c)
	}
	return cmds
}

func init() {
	for _, k := range tasks.Kinds {
		rootCmd.AddGroup(&cobra.Group{ID: k.String(), Title: kindTitle(k) + " tasks:"})
	}
	rootCmd.AddCommand(taskCommands()...)
}
