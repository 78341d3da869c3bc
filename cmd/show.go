package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/dam/fs"
	"github.com/jmorganca/dam/ml"
)

func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show CHECKPOINT",
		Short: "Show the learned tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  showHandler,
	}
}

func showHandler(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions(cmd)
	if err != nil {
		return err
	}

	ctx, err := newBackend(opts)
	if err != nil {
		return err
	}
	defer ctx.Close()

	c, err := fs.Load(ctx, args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "id:           %s\n", c.Header.ID)
	fmt.Fprintf(w, "epoch:        %d\n", c.Header.Epoch)
	fmt.Fprintf(w, "created:      %s\n", c.Header.Created.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "architecture: %s\n", c.Header.Architecture)
	fmt.Fprintf(w, "classes:      %s\n\n", strings.Join(c.Header.Classes, ", "))

	var data [][]string
	for _, name := range c.Names() {
		t := c.Tensors[name]
		data = append(data, []string{name, fmt.Sprint(t.Shape()), t.DType().String(), ml.Dump(t, ml.DumpOptions{Items: 2, Precision: 3})})
	}

	table := newTable(w, "NAME", "SHAPE", "DTYPE", "VALUES")
	table.AppendBulk(data)
	table.Render()
	return nil
}
