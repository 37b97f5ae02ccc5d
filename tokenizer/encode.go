package tokenizer

import (
	"cmp"
	"strings"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/jmorganca/cascade/logutil"
)

// byteToRune maps each byte to the printable rune standing in for it in
// byte-level vocabularies.
var byteToRune [256]rune

func init() {
	for b := range 256 {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}
		byteToRune[b] = r
	}
}

type fragment struct {
	value string
	ids   []int32
}

type pair struct {
	a, b  int
	rank  int
	value string
}

type symbol struct {
	p, n  int
	value string
}

// Encode tokenizes s and wraps the result in the start and end of text
// tokens.
func (t *Tokenizer) Encode(s string) ([]int32, error) {
	var ids []int32
	if t.bos >= 0 {
		ids = append(ids, t.bos)
	}

	for _, frag := range t.splitSpecial(normalize(s)) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		r := []rune(frag.value)
		m, err := t.pretokenizer.FindRunesMatch(r)
		for ; m != nil && err == nil; m, err = t.pretokenizer.FindNextMatch(m) {
			ids = append(ids, t.word(m.String())...)
		}

		if err != nil {
			return nil, err
		}
	}

	if t.eos >= 0 {
		ids = append(ids, t.eos)
	}

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids, nil
}

func (t *Tokenizer) splitSpecial(s string) []fragment {
	fragments := []fragment{{value: s}}
	for special, id := range t.special {
		if !strings.Contains(s, special) {
			continue
		}

		var next []fragment
		for _, frag := range fragments {
			if len(frag.ids) > 0 {
				next = append(next, frag)
				continue
			}

			rest := frag.value
			for {
				i := strings.Index(rest, special)
				if i < 0 {
					break
				}

				if i > 0 {
					next = append(next, fragment{value: rest[:i]})
				}
				next = append(next, fragment{value: special, ids: []int32{id}})
				rest = rest[i+len(special):]
			}

			if rest != "" {
				next = append(next, fragment{value: rest})
			}
		}
		fragments = next
	}

	return fragments
}

// word runs the BPE merges over a single pretokenized word. The last
// symbol of the word carries the end-of-word suffix.
func (t *Tokenizer) word(w string) []int32 {
	var sb strings.Builder
	for _, b := range []byte(w) {
		sb.WriteRune(byteToRune[b])
	}

	runes := []rune(sb.String())
	if id, ok := t.values[string(runes)+t.suffix]; ok {
		return []int32{id}
	}

	symbols := make([]symbol, len(runes))
	for i, r := range runes {
		symbols[i] = symbol{p: i - 1, n: i + 1, value: string(r)}
	}
	symbols[len(symbols)-1].value += t.suffix

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(symbols) {
			return nil
		}

		left, right := symbols[a].value, symbols[b].value
		rank := t.merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}
		return cmp.Compare(i.a, j.a)
	})

	for i := range len(symbols) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := symbols[pair.a], symbols[pair.b]
		if left.value == "" || right.value == "" || left.n != pair.b || left.value+right.value != pair.value {
			continue
		}

		symbols[pair.a].value = pair.value
		symbols[pair.b].value = ""
		symbols[pair.a].n = right.n
		if right.n < len(symbols) {
			symbols[right.n].p = pair.a
		}

		if pair := pairwise(symbols[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, symbols[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, s := range symbols {
		if s.value == "" {
			continue
		}

		if id, ok := t.values[s.value]; ok {
			ids = append(ids, id)
		} else if t.unk >= 0 {
			ids = append(ids, t.unk)
		}
	}

	return ids
}
