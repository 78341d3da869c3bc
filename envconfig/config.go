package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmorganca/dam/logutil"
)

var (
	// Set via DAM_DEBUG in the environment. 1 enables debug logging, 2
	// enables per layer tracing.
	Debug int
	// Set via DAM_N_TPRO in the environment
	TextPromptLength int
	// Set via DAM_N_VPRO in the environment
	VisionPromptLength int
	// Set via DAM_N_SET in the environment
	NumSet int
	// Set via DAM_IMAGE_ALIGN_M in the environment
	ImageAlignM float64
	// Set via DAM_TEXT_ALIGN_M in the environment
	TextAlignM float64
	// Set via DAM_LOSS_W in the environment
	LossWeight float64
	// Set via DAM_XD in the environment
	CrossDataset bool
	// Set via DAM_CD in the environment
	CrossTerms bool
	// Set via DAM_CHUNK_SIZE in the environment
	ChunkSize int
	// Set via DAM_SEED in the environment
	Seed int64
	// Set via DAM_GPT_DIR in the environment
	GPTDir string
	// Set via DAM_DATASET in the environment
	Dataset string
	// Set via DAM_PREC in the environment
	Precision string
	// Set via DAM_NUM_THREADS in the environment
	NumThreads int
	// Set via DAM_CONFIG in the environment
	ConfigFile string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DAM_DEBUG":         {"DAM_DEBUG", Debug, "Show additional debug information (1 debug, 2 trace)"},
		"DAM_N_TPRO":        {"DAM_N_TPRO", TextPromptLength, "Text prompt length (default 2)"},
		"DAM_N_VPRO":        {"DAM_N_VPRO", VisionPromptLength, "Image prompt length (default 2)"},
		"DAM_N_SET":         {"DAM_N_SET", NumSet, "Structures per class (default 5)"},
		"DAM_IMAGE_ALIGN_M": {"DAM_IMAGE_ALIGN_M", ImageAlignM, "Weight of the aligned image feature (default 0.1)"},
		"DAM_TEXT_ALIGN_M":  {"DAM_TEXT_ALIGN_M", TextAlignM, "Weight of the aligned text feature (default 0.1)"},
		"DAM_LOSS_W":        {"DAM_LOSS_W", LossWeight, "Weight of the consistency loss (default 1)"},
		"DAM_XD":            {"DAM_XD", CrossDataset, "Cross dataset mode: shared text alignment and chunked cross modal logits"},
		"DAM_CD":            {"DAM_CD", CrossTerms, "Average zero-shot cross terms into the logits"},
		"DAM_CHUNK_SIZE":    {"DAM_CHUNK_SIZE", ChunkSize, "Classes per chunk in cross dataset mode (default 100)"},
		"DAM_SEED":          {"DAM_SEED", Seed, "Seed for prompt initialisation and structure sampling"},
		"DAM_GPT_DIR":       {"DAM_GPT_DIR", GPTDir, "Directory holding description/ and structure/ files"},
		"DAM_DATASET":       {"DAM_DATASET", Dataset, "Dataset name used to locate description files"},
		"DAM_PREC":          {"DAM_PREC", Precision, "Precision: fp16, fp32 or amp (default fp32)"},
		"DAM_NUM_THREADS":   {"DAM_NUM_THREADS", NumThreads, "Goroutines used for batched math (default GOMAXPROCS)"},
		"DAM_CONFIG":        {"DAM_CONFIG", ConfigFile, "TOML file with option overrides"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel maps DAM_DEBUG onto a slog level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func positive(key string, dst *int) {
	if s := clean(key); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		} else {
			*dst = v
		}
	}
}

func float(key string, dst *float64) {
	if s := clean(key); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			slog.Error("invalid setting", key, s, "error", err)
		} else {
			*dst = v
		}
	}
}

func boolean(key string, dst *bool) {
	if s := clean(key); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			slog.Error("invalid setting", key, s, "error", err)
		} else {
			*dst = v
		}
	}
}

func LoadConfig() {
	// default values
	Debug = 0
	TextPromptLength = 2
	VisionPromptLength = 2
	NumSet = 5
	ImageAlignM = 0.1
	TextAlignM = 0.1
	LossWeight = 1
	CrossDataset = false
	CrossTerms = false
	ChunkSize = 100
	Seed = 1
	NumThreads = 0

	if debug := clean("DAM_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	positive("DAM_N_TPRO", &TextPromptLength)
	positive("DAM_N_VPRO", &VisionPromptLength)
	positive("DAM_N_SET", &NumSet)
	positive("DAM_CHUNK_SIZE", &ChunkSize)
	positive("DAM_NUM_THREADS", &NumThreads)

	float("DAM_IMAGE_ALIGN_M", &ImageAlignM)
	float("DAM_TEXT_ALIGN_M", &TextAlignM)
	float("DAM_LOSS_W", &LossWeight)

	boolean("DAM_XD", &CrossDataset)
	boolean("DAM_CD", &CrossTerms)

	if seed := clean("DAM_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "DAM_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}

	GPTDir = clean("DAM_GPT_DIR")
	Dataset = clean("DAM_DATASET")
	ConfigFile = clean("DAM_CONFIG")

	Precision = strings.ToLower(clean("DAM_PREC"))
	if Precision == "" {
		Precision = "fp32"
	}
}
