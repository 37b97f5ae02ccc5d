package envconfig

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/cascade/logutil"
)

func TestConfig(t *testing.T) {
	t.Setenv("CASCADE_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	require.Equal(t, slog.LevelInfo, LogLevel())

	t.Setenv("CASCADE_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)

	t.Setenv("CASCADE_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.False(t, Trace)
	require.Equal(t, slog.LevelDebug, LogLevel())

	t.Setenv("CASCADE_DEBUG", "2")
	LoadConfig()
	require.True(t, Trace)
	require.Equal(t, logutil.LevelTrace, LogLevel())

	t.Setenv("CASCADE_DEBUG", "yes please")
	LoadConfig()
	require.True(t, Debug)
}

func TestNumParallel(t *testing.T) {
	cases := map[string]int{
		"":    1,
		"4":   4,
		"0":   1,
		"-2":  1,
		"two": 1,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("CASCADE_NUM_PARALLEL", value)
			LoadConfig()
			assert.Equal(t, expect, NumParallel)
		})
	}
}

func TestModels(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CASCADE_MODELS", "'"+dir+"'")
	LoadConfig()
	assert.Equal(t, dir, Models())

	t.Setenv("CASCADE_MODELS", "")
	t.Setenv("HOME", dir)
	LoadConfig()
	assert.Equal(t, filepath.Join(dir, ".cascade", "models"), Models())
}

func TestHuggingFace(t *testing.T) {
	t.Setenv("CASCADE_HF_ENDPOINT", "")
	t.Setenv("CASCADE_HF_TOKEN", "")
	t.Setenv("HF_TOKEN", "")
	LoadConfig()
	assert.Equal(t, "https://huggingface.co", HFEndpoint)
	assert.Empty(t, HFToken)

	t.Setenv("CASCADE_HF_ENDPOINT", "http://mirror.local/")
	t.Setenv("HF_TOKEN", "hf_abc")
	LoadConfig()
	assert.Equal(t, "http://mirror.local", HFEndpoint)
	assert.Equal(t, "hf_abc", HFToken)

	t.Setenv("CASCADE_HF_TOKEN", "hf_override")
	LoadConfig()
	assert.Equal(t, "hf_override", HFToken)
}
