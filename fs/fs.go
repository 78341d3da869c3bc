// Package fs reads and writes checkpoints of learned tensors.
package fs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/jmorganca/dam/envconfig"
	"github.com/jmorganca/dam/ml"
)

var ErrNotFound = errors.New("checkpoint not found")

const (
	bestFile  = "model-best.cbor"
	epochFile = "model.cbor-"
)

// Path returns where the checkpoint of the named component lives under
// dir. Epochs below one select the best checkpoint, so epochs count from
// one and an epoch 0 file cannot be addressed.
func Path(dir, name string, epoch int) string {
	if epoch < 1 {
		return filepath.Join(dir, name, bestFile)
	}
	return filepath.Join(dir, name, epochFile+strconv.Itoa(epoch))
}

// Header describes the run a checkpoint came from.
type Header struct {
	ID           string            `cbor:"id"`
	Epoch        int               `cbor:"epoch"`
	Created      time.Time         `cbor:"created"`
	Architecture string            `cbor:"architecture"`
	Classes      []string          `cbor:"classes"`
	Options      envconfig.Options `cbor:"options"`
}

func (h Header) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", h.ID),
		slog.Int("epoch", h.Epoch),
		slog.String("architecture", h.Architecture),
		slog.Int("classes", len(h.Classes)),
	)
}

type tensor struct {
	Shape []int     `cbor:"shape"`
	DType string    `cbor:"dtype"`
	F32   []float32 `cbor:"f32,omitempty"`
	F16   []uint16  `cbor:"f16,omitempty"`
}

type file struct {
	Header  Header            `cbor:"header"`
	Tensors map[string]tensor `cbor:"tensors"`
}

// Checkpoint is a decoded checkpoint file.
type Checkpoint struct {
	Header  Header
	Tensors map[string]ml.Tensor
}

// Names lists the tensors in name order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.Tensors))
	for name := range c.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes tensors to path, replacing any existing file. A missing ID
// or creation time is filled in; the header written is returned.
func Save(path string, h Header, tensors map[string]ml.Tensor) (Header, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Created.IsZero() {
		h.Created = time.Now().UTC()
	}

	f := file{Header: h, Tensors: make(map[string]tensor, len(tensors))}
	for name, t := range tensors {
		e := tensor{Shape: t.Shape(), DType: t.DType().String()}
		switch t.DType() {
		case ml.DTypeF16:
			for _, v := range t.Floats() {
				e.F16 = append(e.F16, float16.Fromfloat32(v).Bits())
			}
		case ml.DTypeF32, ml.DTypeBF16:
			e.DType = ml.DTypeF32.String()
			e.F32 = t.Floats()
		default:
			return h, fmt.Errorf("%s: unsupported dtype %s", name, t.DType())
		}
		f.Tensors[name] = e
	}

	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return h, err
	}

	b, err := em.Marshal(f)
	if err != nil {
		return h, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.partial")
	if err != nil {
		return h, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return h, err
	}
	if err := tmp.Close(); err != nil {
		return h, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return h, err
	}

	slog.Debug("saved checkpoint", "path", path, "header", h, "tensors", len(tensors))
	return h, nil
}

// Load decodes the checkpoint at path into tensors of ctx.
func Load(ctx ml.Context, path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}

	var f file
	if err := cbor.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if _, err := uuid.Parse(f.Header.ID); err != nil {
		return nil, fmt.Errorf("%s: invalid id: %w", path, err)
	}

	c := Checkpoint{Header: f.Header, Tensors: make(map[string]ml.Tensor, len(f.Tensors))}
	for name, e := range f.Tensors {
		var t ml.Tensor
		switch e.DType {
		case ml.DTypeF16.String():
			values := make([]float32, len(e.F16))
			for i, bits := range e.F16 {
				values[i] = float16.Frombits(bits).Float32()
			}

			if t, err = ctx.FromFloatSlice(values, e.Shape...); err == nil {
				t = t.Cast(ctx, ml.DTypeF16)
			}
		case ml.DTypeF32.String():
			t, err = ctx.FromFloatSlice(e.F32, e.Shape...)
		default:
			err = fmt.Errorf("unsupported dtype %q", e.DType)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, name, err)
		}

		ml.SetName(t, name)
		c.Tensors[name] = t
	}

	slog.Debug("loaded checkpoint", "path", path, "header", c.Header)
	return &c, nil
}
