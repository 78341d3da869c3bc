package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/dam/envconfig"
	"github.com/jmorganca/dam/logutil"
	"github.com/jmorganca/dam/ml"
	_ "github.com/jmorganca/dam/ml/backend"
	"github.com/jmorganca/dam/model"
	_ "github.com/jmorganca/dam/model/models"
	"github.com/jmorganca/dam/model/models/dam"
	"github.com/jmorganca/dam/model/models/toyclip"
)

// resolveOptions layers the environment, a config file and --set flags.
func resolveOptions(cmd *cobra.Command) (envconfig.Options, error) {
	var opts envconfig.Options
	var err error
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		opts, err = envconfig.LoadOptions(envconfig.Default(), path)
	} else {
		var found string
		opts, found, err = envconfig.Resolve()
		if found != "" {
			slog.Debug("loaded config file", "path", found)
		}
	}
	if err != nil {
		return opts, err
	}

	sets, _ := cmd.Flags().GetStringArray("set")
	if len(sets) > 0 {
		m := make(map[string]any, len(sets))
		for _, s := range sets {
			k, v, ok := strings.Cut(s, "=")
			if !ok {
				return opts, fmt.Errorf("%w: --set %q is not key=value", envconfig.ErrInvalidOption, s)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}

		if opts, err = envconfig.DecodeOptions(opts, m); err != nil {
			return opts, err
		}
	}

	return opts, opts.Validate()
}

func newBackend(opts envconfig.Options) (ml.Context, error) {
	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: opts.NumThreads})
	if err != nil {
		return nil, err
	}
	return b.NewContext(), nil
}

// newBackbone builds the toy backbone through the architecture registry.
func newBackbone(ctx ml.Context, opts envconfig.Options) (model.Backbone, error) {
	c := toyclip.Config()
	c["toyclip.precision"] = opts.Precision

	w, err := toyclip.Weights(ctx, c, opts.Seed)
	if err != nil {
		return nil, err
	}
	return model.New(c, w)
}

// classes returns args, or every class the dataset describes.
func classes(args []string, descriptions dam.Descriptions) []string {
	if len(args) > 0 {
		return args
	}

	var out []string
	for name := range descriptions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dam",
		Short: "Structure-prompted adaptation of a frozen dual encoder",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	rootCmd.PersistentFlags().String("config", "", "TOML file with option overrides")
	rootCmd.PersistentFlags().StringArray("set", nil, "Override an option, e.g. --set n_set=3")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewInspectCmd(),
		NewForwardCmd(),
		NewShowCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}
