// Package tokenizer implements the CLIP byte-level BPE tokenizer described
// by a Hugging Face tokenizer.json.
package tokenizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

const (
	StartOfText = "<|startoftext|>"
	EndOfText   = "<|endoftext|>"
)

// clipPattern splits normalized text into words. Whitespace between words
// is dropped.
const clipPattern = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

var ErrUnsupported = errors.New("tokenizer: unsupported model")

type Tokenizer struct {
	values  map[string]int32
	merges  map[string]int
	special map[string]int32

	suffix string
	unk    int32
	bos    int32
	eos    int32

	pretokenizer *regexp2.Regexp
}

type file struct {
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Type            string           `json:"type"`
		Vocab           map[string]int32 `json:"vocab"`
		Merges          json.RawMessage  `json:"merges"`
		EndOfWordSuffix string           `json:"end_of_word_suffix"`
		UnkToken        string           `json:"unk_token"`
	} `json:"model"`
}

// Load reads a tokenizer.json from path.
func Load(path string) (*Tokenizer, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	t, err := Parse(bts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return t, nil
}

func Parse(bts []byte) (*Tokenizer, error) {
	var f file
	if err := json.NewDecoder(bytes.NewReader(bts)).Decode(&f); err != nil {
		return nil, err
	}

	if f.Model.Type != "" && f.Model.Type != "BPE" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, f.Model.Type)
	}

	merges, err := parseMerges(f.Model.Merges)
	if err != nil {
		return nil, err
	}

	t := Tokenizer{
		values:       f.Model.Vocab,
		merges:       make(map[string]int, len(merges)),
		special:      make(map[string]int32),
		suffix:       f.Model.EndOfWordSuffix,
		unk:          -1,
		bos:          -1,
		eos:          -1,
		pretokenizer: regexp2.MustCompile(clipPattern, regexp2.None),
	}

	if t.values == nil {
		t.values = make(map[string]int32)
	}

	for i, merge := range merges {
		t.merges[merge] = i
	}

	for _, added := range f.AddedTokens {
		t.values[added.Content] = added.ID
		if added.Special {
			t.special[added.Content] = added.ID
		}
	}

	if id, ok := t.values[f.Model.UnkToken]; ok {
		t.unk = id
	}

	if id, ok := t.values[StartOfText]; ok {
		t.bos = id
	}

	if id, ok := t.values[EndOfText]; ok {
		t.eos = id
	}

	return &t, nil
}

// parseMerges accepts both the "a b" and the ["a", "b"] encodings.
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var merges []string
	if err := json.Unmarshal(raw, &merges); err == nil {
		return merges, nil
	}

	var pairs [][2]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("tokenizer: merges: %w", err)
	}

	merges = make([]string, len(pairs))
	for i, p := range pairs {
		merges[i] = p[0] + " " + p[1]
	}

	return merges, nil
}

// Vocab looks up the id of a single token.
func (t *Tokenizer) Vocab(token string) (int32, bool) {
	id, ok := t.values[token]
	return id, ok
}

func (t *Tokenizer) merge(left, right string) int {
	if rank, ok := t.merges[left+" "+right]; ok {
		return rank
	}

	return -1
}

// normalize applies the CLIP normalizer: NFC, collapsed whitespace, lower case.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(norm.NFC.String(s)), " "))
}
