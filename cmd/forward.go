package cmd

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/dam/envconfig"
	"github.com/jmorganca/dam/fs"
	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model/input"
	"github.com/jmorganca/dam/model/models/dam"
)

func NewForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward [CLASS...]",
		Short: "Run one forward pass over a synthetic batch",
		Long:  "Build the model on the toy backbone, classify a batch of random images and print the logits",
		RunE:  forwardHandler,
	}

	cmd.Flags().Int("batch", 4, "Number of images")
	cmd.Flags().Bool("eval", false, "Run in evaluation mode")
	cmd.Flags().String("labels", "", "Comma separated class index per image (default image index modulo classes)")
	cmd.Flags().String("load", "", "Checkpoint to load learned tensors from")
	cmd.Flags().String("save", "", "Directory to write a checkpoint to")
	cmd.Flags().Int("epoch", 0, "Epoch recorded in the saved checkpoint (0 saves the best checkpoint)")
	return cmd
}

func parseLabels(s string, n, classes int) ([]int32, error) {
	if s == "" {
		labels := make([]int32, n)
		for i := range labels {
			labels[i] = int32(i % classes)
		}
		return labels, nil
	}

	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("%d labels for %d images", len(fields), n)
	}

	labels := make([]int32, n)
	for i, f := range fields {
		l, err := strconv.ParseInt(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", i, err)
		}
		labels[i] = int32(l)
	}
	return labels, nil
}

func randomImages(ctx ml.Context, opts envconfig.Options, n int) (ml.Tensor, error) {
	r := rand.New(rand.NewSource(opts.Seed + 1))
	s := make([]float32, n*3*8*8)
	for i := range s {
		s[i] = r.Float32()
	}
	return ctx.FromFloatSlice(s, n, 3, 8, 8)
}

func forwardHandler(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions(cmd)
	if err != nil {
		return err
	}

	n, _ := cmd.Flags().GetInt("batch")
	if n < 1 {
		return fmt.Errorf("batch must be at least 1, got %d", n)
	}

	descriptions, topologies, err := dam.Load(opts.GPTDir, opts.Dataset)
	if err != nil {
		return err
	}
	names := classes(args, descriptions)

	ctx, err := newBackend(opts)
	if err != nil {
		return err
	}
	defer ctx.Close()

	backbone, err := newBackbone(ctx, opts)
	if err != nil {
		return err
	}

	m, err := dam.New(ctx, backbone, names, descriptions, topologies, opts)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("load"); path != "" {
		c, err := fs.Load(ctx, path)
		if err != nil {
			return err
		}

		missing, unexpected, err := m.Load(c.Tensors)
		if err != nil {
			return err
		}
		slog.Info("loaded checkpoint", "path", path, "header", c.Header, "missing", len(missing), "unexpected", unexpected)
	}

	eval, _ := cmd.Flags().GetBool("eval")
	m.SetTraining(!eval)

	images, err := randomImages(ctx, opts, n)
	if err != nil {
		return err
	}

	batch := input.Batch{Images: images}
	if s, _ := cmd.Flags().GetString("labels"); s != "" || !eval {
		if batch.Labels, err = parseLabels(s, n, len(names)); err != nil {
			return err
		}
	}

	out, err := m.Forward(ctx, batch)
	if err != nil {
		return err
	}
	slog.LogAttrs(cmd.Context(), slog.LevelInfo, "coefficients", m.Coefficients()...)

	w := cmd.OutOrStdout()
	header := []string{"IMAGE"}
	for _, name := range names {
		header = append(header, strings.ToUpper(dam.ClassName(name)))
	}
	header = append(header, "PREDICTED")

	values := out.Logits.Floats()
	var data [][]string
	for i := range n {
		row := values[i*len(names) : (i+1)*len(names)]
		line := []string{strconv.Itoa(i)}
		best := 0
		for j, v := range row {
			line = append(line, strconv.FormatFloat(float64(v), 'f', 4, 32))
			if v > row[best] {
				best = j
			}
		}
		data = append(data, append(line, dam.ClassName(names[best])))
	}

	table := newTable(w, header...)
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintln(w)
	if out.HasLoss {
		fmt.Fprintf(w, "loss:     %.4f\n", out.Loss)
	}
	if out.HasAccuracy {
		fmt.Fprintf(w, "accuracy: %.4f\n", out.Accuracy)
	}
	fmt.Fprintf(w, "mix:      %.4f\n", out.Mix)

	if dir, _ := cmd.Flags().GetString("save"); dir != "" {
		epoch, _ := cmd.Flags().GetInt("epoch")
		path := fs.Path(dir, "model", epoch)
		h, err := fs.Save(path, fs.Header{Epoch: epoch, Architecture: "toyclip", Classes: names, Options: opts}, m.Params())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "saved:    %s (%s)\n", path, h.ID)
	}

	return nil
}
