package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tiny = `{
  "added_tokens": [
    {"id": 8, "content": "<|startoftext|>", "special": true},
    {"id": 9, "content": "<|endoftext|>", "special": true}
  ],
  "model": {
    "type": "BPE",
    "end_of_word_suffix": "</w>",
    "unk_token": "<|endoftext|>",
    "vocab": {
      "a": 0, "b": 1, "c": 2,
      "a</w>": 3, "b</w>": 4, "c</w>": 5,
      "ab": 6, "abc</w>": 7,
      "!": 10, "!</w>": 11
    },
    "merges": %s
  }
}`

func load(t *testing.T, merges string) *Tokenizer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(tiny, merges)), 0o644))

	tok, err := Load(path)
	require.NoError(t, err)
	return tok
}

func TestEncode(t *testing.T) {
	for name, merges := range map[string]string{
		"strings": `["a b", "ab c</w>"]`,
		"pairs":   `[["a", "b"], ["ab", "c</w>"]]`,
	} {
		t.Run(name, func(t *testing.T) {
			tok := load(t, merges)

			cases := map[string][]int32{
				"":                  {8, 9},
				"abc":               {8, 7, 9},
				"abc cab!":          {8, 7, 2, 0, 4, 11, 9},
				"  A \n B ":         {8, 3, 4, 9},
				"ABC<|endoftext|>a": {8, 7, 9, 3, 9},
				"z":                 {8, 9, 9},
				"<|startoftext|>a":  {8, 8, 3, 9},
			}

			for input, want := range cases {
				got, err := tok.Encode(input)
				require.NoError(t, err)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("Encode(%q) mismatch (-want +got):\n%s", input, diff)
				}
			}
		})
	}
}

func TestVocab(t *testing.T) {
	tok := load(t, `[]`)

	id, ok := tok.Vocab("<|endoftext|>")
	assert.True(t, ok)
	assert.Equal(t, int32(9), id)

	id, ok = tok.Vocab("!")
	assert.True(t, ok)
	assert.Equal(t, int32(10), id)

	_, ok = tok.Vocab("<pad>")
	assert.False(t, ok)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Parse([]byte(`{"model": {"type": "Unigram"}}`))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Parse([]byte(`{"model": {"type": "BPE", "merges": 3}}`))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a red cube", normalize("  A\tRED\n\ncube "))
	// decomposed e + combining acute composes to a single rune
	assert.Equal(t, "café", normalize("CAFÉ"))
}
