// Package conditioning builds the paired text embeddings that drive
// classifier-free guidance.
package conditioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/cascade/latent"
	"github.com/jmorganca/cascade/logutil"
)

const endOfText = "<|endoftext|>"

var ErrNoPadToken = errors.New("conditioning: vocabulary has no pad token")

type Tokenizer interface {
	Encode(string) ([]int32, error)
	Vocab(string) (int32, bool)
}

type TextEncoder interface {
	// Forward embeds ids, attending only to the first validLength of them.
	Forward(ctx context.Context, ids []int32, validLength int) (*tensor.Dense, error)
}

type Config struct {
	MaxPositionEmbeddings int
	// PadWith is the token used to right-pad prompts. <|endoftext|> is used
	// when empty or missing from the vocabulary.
	PadWith string
	// Width is the expected embedding width; zero skips the check.
	Width int
}

var (
	PriorCLIP   = Config{MaxPositionEmbeddings: 77, PadWith: "!", Width: 1280}
	DecoderCLIP = Config{MaxPositionEmbeddings: 77, PadWith: endOfText, Width: 1024}
)

type Builder struct {
	Tokenizer Tokenizer
	Encoder   TextEncoder
	Config    Config
}

// Build returns the embeddings of negative and prompt joined along the
// batch axis, negative first.
func (b *Builder) Build(ctx context.Context, prompt, negative string) (*tensor.Dense, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	pad, err := b.padID()
	if err != nil {
		return nil, err
	}

	prompts := []struct {
		name, text string
	}{
		{"negative prompt", negative},
		{"prompt", prompt},
	}

	type input struct {
		ids   []int32
		valid int
	}

	inputs := make([]input, len(prompts))
	for i, p := range prompts {
		ids, err := b.Tokenizer.Encode(p.text)
		if err != nil {
			return nil, fmt.Errorf("tokenize %s: %w", p.name, err)
		}

		inputs[i].ids, inputs[i].valid = Pad(ids, pad, b.Config.MaxPositionEmbeddings)
		if len(ids) > b.Config.MaxPositionEmbeddings {
			slog.Warn("truncating prompt", "prompt", p.name, "tokens", len(ids), "max", b.Config.MaxPositionEmbeddings)
		}
	}

	start := time.Now()
	embeddings := make([]*tensor.Dense, len(prompts))

	g, ctx := errgroup.WithContext(ctx)
	for i := range inputs {
		g.Go(func() error {
			emb, err := b.Encoder.Forward(ctx, inputs[i].ids, inputs[i].valid)
			if err != nil {
				return fmt.Errorf("encode %s: %w", prompts[i].name, err)
			}

			if shape := emb.Shape(); b.Config.Width > 0 && (len(shape) == 0 || shape[len(shape)-1] != b.Config.Width) {
				return fmt.Errorf("encode %s: %w: embedding %v, want width %d", prompts[i].name, latent.ErrShape, shape, b.Config.Width)
			}

			embeddings[i] = emb
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	cond, err := latent.Concat(embeddings[0], embeddings[1])
	if err != nil {
		return nil, err
	}

	logutil.Trace("conditioning", "shape", cond.Shape(), "valid", []int{inputs[0].valid, inputs[1].valid}, logutil.Elapsed(start))
	return cond, nil
}

// Validate reports configuration errors Build would fail on without
// running the encoder.
func (b *Builder) Validate() error {
	if b.Config.MaxPositionEmbeddings < 1 {
		return fmt.Errorf("conditioning: max position embeddings must be positive, got %d", b.Config.MaxPositionEmbeddings)
	}

	_, err := b.padID()
	return err
}

func (b *Builder) padID() (int32, error) {
	if b.Config.PadWith != "" {
		if id, ok := b.Tokenizer.Vocab(b.Config.PadWith); ok {
			return id, nil
		}
	}

	if id, ok := b.Tokenizer.Vocab(endOfText); ok {
		return id, nil
	}

	return 0, fmt.Errorf("%w: neither %q nor %q is in the vocabulary", ErrNoPadToken, b.Config.PadWith, endOfText)
}

// Pad right-pads ids with pad to exactly length, truncating longer
// sequences. It returns the padded ids and the number of real tokens.
func Pad(ids []int32, pad int32, length int) ([]int32, int) {
	valid := min(len(ids), length)

	padded := make([]int32, length)
	copy(padded, ids[:valid])
	for i := valid; i < length; i++ {
		padded[i] = pad
	}

	return padded, valid
}
