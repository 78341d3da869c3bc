package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jmorganca/dam/envconfig"
)

func NewEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "List the environment variables and resolved options",
		RunE:  envHandler,
	}

	cmd.Flags().Bool("example", false, "Print a config file holding the resolved options")
	return cmd
}

func envHandler(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions(cmd)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(w, envconfig.GenerateExampleConfig(opts))
		return nil
	}

	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data [][]string
	for _, k := range keys {
		v := vars[k]
		data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
	}

	table := newTable(w, "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()
	return nil
}
