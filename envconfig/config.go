package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmorganca/cascade/logutil"
)

var (
	// Set via CASCADE_DEBUG in the environment
	Debug bool
	// Set via CASCADE_DEBUG=2 in the environment
	Trace bool
	// Set via CASCADE_MODELS in the environment
	ModelsDir string
	// Set via CASCADE_HF_ENDPOINT in the environment
	HFEndpoint string
	// Set via HF_TOKEN or CASCADE_HF_TOKEN in the environment
	HFToken string
	// Set via CASCADE_NUM_PARALLEL in the environment
	NumParallel int
	// Set via CASCADE_BACKEND in the environment
	Backend string
)

const defaultHFEndpoint = "https://huggingface.co"

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CASCADE_DEBUG":        {"CASCADE_DEBUG", Debug, "Show additional debug information (e.g. CASCADE_DEBUG=1, 2 for trace)"},
		"CASCADE_MODELS":       {"CASCADE_MODELS", ModelsDir, "The path to the weights cache directory"},
		"CASCADE_HF_ENDPOINT":  {"CASCADE_HF_ENDPOINT", HFEndpoint, "Hugging Face endpoint used to fetch missing weights"},
		"CASCADE_HF_TOKEN":     {"CASCADE_HF_TOKEN", HFToken != "", "Access token sent when fetching weights (HF_TOKEN is also read)"},
		"CASCADE_NUM_PARALLEL": {"CASCADE_NUM_PARALLEL", NumParallel, "Maximum number of samples generated concurrently (default 1)"},
		"CASCADE_BACKEND":      {"CASCADE_BACKEND", Backend, "Network backend used to run the text encoders, prior, decoder and VQGAN"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// LogLevel returns the slog level implied by CASCADE_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Models returns the weights cache directory, creating nothing.
func Models() string {
	if ModelsDir != "" {
		return ModelsDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cascade", "models")
	}

	return filepath.Join(home, ".cascade", "models")
}

func LoadConfig() {
	// defaults
	Debug, Trace = false, false
	NumParallel = 1
	HFEndpoint = defaultHFEndpoint

	if debug := clean("CASCADE_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n > 0
			Trace = n > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	ModelsDir = clean("CASCADE_MODELS")

	if endpoint := clean("CASCADE_HF_ENDPOINT"); endpoint != "" {
		HFEndpoint = strings.TrimSuffix(endpoint, "/")
	}

	HFToken = clean("CASCADE_HF_TOKEN")
	if HFToken == "" {
		HFToken = clean("HF_TOKEN")
	}

	if onp := clean("CASCADE_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CASCADE_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	Backend = clean("CASCADE_BACKEND")
}
