package envconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/dam/ml"
)

// Options are the hyperparameters of one model instance. Default seeds them
// from the environment; files and flags may then override individual keys.
type Options struct {
	TextPromptLength   int `mapstructure:"n_tpro"`
	VisionPromptLength int `mapstructure:"n_vpro"`
	NumSet             int `mapstructure:"n_set"`

	ImageAlignM float64 `mapstructure:"image_align_m"`
	TextAlignM  float64 `mapstructure:"text_align_m"`
	LossWeight  float64 `mapstructure:"loss_w"`

	CrossDataset bool `mapstructure:"xd"`
	CrossTerms   bool `mapstructure:"cd"`
	ChunkSize    int  `mapstructure:"chunk_size"`

	GPTDir  string `mapstructure:"gpt_dir"`
	Dataset string `mapstructure:"dataset"`

	Seed       int64  `mapstructure:"seed"`
	Precision  string `mapstructure:"prec"`
	NumThreads int    `mapstructure:"num_threads"`
}

// Default returns the options described by the current environment.
func Default() Options {
	return Options{
		TextPromptLength:   TextPromptLength,
		VisionPromptLength: VisionPromptLength,
		NumSet:             NumSet,
		ImageAlignM:        ImageAlignM,
		TextAlignM:         TextAlignM,
		LossWeight:         LossWeight,
		CrossDataset:       CrossDataset,
		CrossTerms:         CrossTerms,
		ChunkSize:          ChunkSize,
		GPTDir:             GPTDir,
		Dataset:            Dataset,
		Seed:               Seed,
		Precision:          Precision,
		NumThreads:         NumThreads,
	}
}

var ErrInvalidOption = errors.New("invalid option")

// Validate reports every option that is out of range.
func (o Options) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"n_tpro":     o.TextPromptLength,
		"n_vpro":     o.VisionPromptLength,
		"n_set":      o.NumSet,
		"chunk_size": o.ChunkSize,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be greater than zero, got %d", ErrInvalidOption, name, v))
		}
	}

	if o.NumThreads < 0 {
		errs = append(errs, fmt.Errorf("%w: num_threads must not be negative, got %d", ErrInvalidOption, o.NumThreads))
	}

	if _, err := ml.ParsePrecision(o.Precision); err != nil || strings.EqualFold(o.Precision, "bf16") {
		errs = append(errs, fmt.Errorf("%w: prec must be one of fp16, fp32 or amp, got %q", ErrInvalidOption, o.Precision))
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// DType is the precision the frozen backbone runs in.
func (o Options) DType() ml.DType {
	d, err := ml.ParsePrecision(o.Precision)
	if err != nil {
		return ml.DTypeF32
	}
	return d
}

// DecodeOptions overlays m onto base. Values may be strings, so flags such
// as n_set=3 decode as well as typed TOML values. Unknown keys are errors.
func DecodeOptions(base Options, m map[string]any) (Options, error) {
	out := base
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return base, err
	}

	if err := d.Decode(m); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	return out, nil
}

// LoadOptions reads a TOML file and overlays it onto base. Keys may sit at
// the top level or inside any table; tables only group related keys.
//
//	[prompt]
//	n_tpro = 4
//
//	[alignment]
//	xd = true
func LoadOptions(base Options, path string) (Options, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return base, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	flat := make(map[string]any)
	for k, v := range raw {
		if table, ok := v.(map[string]any); ok {
			for kk, vv := range table {
				if _, dup := flat[kk]; dup {
					return base, fmt.Errorf("%w: %s set twice in %s", ErrInvalidOption, kk, path)
				}
				flat[kk] = vv
			}
			continue
		}

		if _, dup := flat[k]; dup {
			return base, fmt.Errorf("%w: %s set twice in %s", ErrInvalidOption, k, path)
		}
		flat[k] = v
	}

	o, err := DecodeOptions(base, flat)
	if err != nil {
		return base, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	if ConfigFile != "" {
		return []string{ConfigFile}
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "dam", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "dam", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "dam", "config.toml"))
		}
	}
	return paths
}

// Resolve returns the environment defaults overlaid with the first config
// file found, and that file's path.
func Resolve() (Options, string, error) {
	base := Default()
	for _, path := range GetConfigPaths() {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			o, err := LoadOptions(base, path)
			return o, path, err
		case ConfigFile != "":
			return base, "", err
		}
	}
	return base, "", nil
}

// GenerateExampleConfig returns a config file holding the given options.
func GenerateExampleConfig(o Options) string {
	var sb strings.Builder
	sb.WriteString("# dam configuration\n")
	fmt.Fprintf(&sb, "\n[prompt]\nn_tpro = %d\nn_vpro = %d\nn_set = %d\n", o.TextPromptLength, o.VisionPromptLength, o.NumSet)
	fmt.Fprintf(&sb, "\n[alignment]\nimage_align_m = %g\ntext_align_m = %g\nloss_w = %g\nxd = %t\ncd = %t\nchunk_size = %d\n",
		o.ImageAlignM, o.TextAlignM, o.LossWeight, o.CrossDataset, o.CrossTerms, o.ChunkSize)
	fmt.Fprintf(&sb, "\n[data]\ngpt_dir = %q\ndataset = %q\n", o.GPTDir, o.Dataset)
	fmt.Fprintf(&sb, "\n[runtime]\nseed = %d\nprec = %q\nnum_threads = %d\n", o.Seed, o.Precision, o.NumThreads)
	return sb.String()
}
