package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmorganca/dam/model/models/dam"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [CLASS...]",
		Short: "Show how class structures map onto attention biases",
		Long:  "Count the relations of each structure that land on prompt tokens and list the ones that do not",
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions(cmd)
	if err != nil {
		return err
	}

	descriptions, topologies, err := dam.Load(opts.GPTDir, opts.Dataset)
	if err != nil {
		return err
	}

	names := classes(args, descriptions)
	if err := dam.Check(names, descriptions, topologies, opts.NumSet); err != nil {
		return err
	}

	ctx, err := newBackend(opts)
	if err != nil {
		return err
	}
	defer ctx.Close()

	backbone, err := newBackbone(ctx, opts)
	if err != nil {
		return err
	}

	b, err := dam.NewAttentionBuilder(ctx, backbone.Processor(), names, topologies, dam.AttentionOptions{
		Prefix:    opts.TextPromptLength + opts.NumSet,
		NumSet:    opts.NumSet,
		NumLayers: backbone.Text().NumLayers(),
	})
	if err != nil {
		return err
	}

	var data [][]string
	for _, class := range names {
		for i := range opts.NumSet {
			e2e, e2a, err := b.Counts(class, i)
			if err != nil {
				return err
			}
			data = append(data, []string{dam.ClassName(class), strconv.Itoa(i), strconv.Itoa(pairs(e2e)), strconv.Itoa(pairs(e2a))})
		}
	}

	w := cmd.OutOrStdout()
	table := newTable(w, "CLASS", "STRUCTURE", "ENTITY PAIRS", "ATTRIBUTE PAIRS")
	table.AppendBulk(data)
	table.Render()

	dropped := b.Coverage()
	if len(dropped) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	data = data[:0]
	for _, d := range dropped {
		data = append(data, []string{d.Class, strconv.Itoa(d.Structure), d.Kind, d.Pair[0] + " - " + d.Pair[1], d.Reason})
	}

	table = newTable(w, "CLASS", "STRUCTURE", "KIND", "RELATION", "REASON")
	table.AppendBulk(data)
	table.Render()
	return nil
}

// pairs counts the token pairs a relation matrix links, each counted once.
func pairs(counts []int32) int {
	var n int32
	for _, c := range counts {
		n += c
	}
	return int(n / 2)
}
