// Package imagegen runs the two diffusion stages of the cascade and turns
// their output into image files.
package imagegen

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	mathrand "math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/cascade/conditioning"
	"github.com/jmorganca/cascade/envconfig"
	"github.com/jmorganca/cascade/latent"
	"github.com/jmorganca/cascade/logutil"
	"github.com/jmorganca/cascade/model"
	"github.com/jmorganca/cascade/sample"
	"github.com/jmorganca/cascade/schedule"
)

// LatentGrid is the prior latent grid for an image of height x width
// pixels.
func LatentGrid(height, width int) (gh, gw int) {
	return int(math.Ceil(float64(height) / ResolutionMultiple)), int(math.Ceil(float64(width) / ResolutionMultiple))
}

// DecoderGrid is the decoder latent grid for a prior grid of gh x gw.
func DecoderGrid(gh, gw int) (dh, dw int) {
	return int(float64(gh) * DecoderRatio), int(float64(gw) * DecoderRatio)
}

// PriorToDecoder maps the prior's image embedding into the range the
// decoder was trained to condition on: x*42 - 1.
func PriorToDecoder(x *tensor.Dense) *tensor.Dense {
	return latent.Affine(x, 42, -1)
}

// Result describes one generated sample.
type Result struct {
	Index    int
	Seed     uint64
	Filename string
	Image    *image.RGBA
}

type Pipeline struct {
	Networks       *model.Networks
	PriorTokenizer conditioning.Tokenizer
	Tokenizer      conditioning.Tokenizer
	Writer         Writer

	// Parallel bounds the number of samples generated at once. Zero uses
	// CASCADE_NUM_PARALLEL.
	Parallel int

	// Progress, when set, reports denoising progress per sample and stage.
	Progress func(sample int, stage string, step, total int)
}

// Generate produces req.NumSamples images. Samples are independent; the
// first failure cancels the remaining ones and is returned.
func (p *Pipeline) Generate(ctx context.Context, req Request) ([]Result, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := slog.With("request", uuid.NewString())
	logger.Info("generating", "prompt", req.Prompt, "size", fmt.Sprintf("%dx%d", req.Width, req.Height), "samples", req.NumSamples)
	start := time.Now()

	priorBuilder := &conditioning.Builder{
		Tokenizer: p.PriorTokenizer,
		Encoder:   p.Networks.PriorCLIP,
		Config:    conditioning.PriorCLIP,
	}
	decoderBuilder := &conditioning.Builder{
		Tokenizer: p.Tokenizer,
		Encoder:   p.Networks.CLIP,
		Config:    conditioning.DecoderCLIP,
	}

	// both stages are checked before either encoder runs
	if err := priorBuilder.Validate(); err != nil {
		return nil, fmt.Errorf("prior conditioning: %w", err)
	}
	if err := decoderBuilder.Validate(); err != nil {
		return nil, fmt.Errorf("decoder conditioning: %w", err)
	}

	priorCond, err := priorBuilder.Build(ctx, req.Prompt, req.NegativePrompt)
	if err != nil {
		return nil, fmt.Errorf("prior conditioning: %w", err)
	}

	decoderCond, err := decoderBuilder.Build(ctx, req.Prompt, req.NegativePrompt)
	if err != nil {
		return nil, fmt.Errorf("decoder conditioning: %w", err)
	}

	logger.Debug("built conditioning", "prior", priorCond.Shape(), "decoder", decoderCond.Shape(), logutil.Elapsed(start))

	parallel := p.Parallel
	if parallel < 1 {
		parallel = max(envconfig.NumParallel, 1)
	}

	results := make([]Result, req.NumSamples)
	sem := semaphore.NewWeighted(int64(parallel))

	g, ctx := errgroup.WithContext(ctx)
	for i := range req.NumSamples {
		seed := mathrand.Uint64()
		if req.Seed != nil {
			seed = *req.Seed + uint64(i)
		}

		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			r, err := p.sample(ctx, logger.With("sample", i+1, "seed", seed), req, i, seed, priorCond, decoderCond)
			if err != nil {
				return fmt.Errorf("sample %d/%d: %w", i+1, req.NumSamples, err)
			}

			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("generated", "samples", req.NumSamples, logutil.Elapsed(start))
	return results, nil
}

// sample runs prior, decoder and decode for sample i. It shares nothing
// mutable with other samples.
func (p *Pipeline) sample(ctx context.Context, logger *slog.Logger, req Request, i int, seed uint64, priorCond, decoderCond *tensor.Dense) (Result, error) {
	src := rand.NewSource(seed)
	gh, gw := LatentGrid(req.Height, req.Width)
	dh, dw := DecoderGrid(gh, gw)

	priorSchedule := schedule.DefaultConfig(req.Prior.Schedule)
	prior := sample.Stage{
		Name: "prior",
		Predictor: sample.PredictorFunc(func(ctx context.Context, x *tensor.Dense, t float64, cond *tensor.Dense) (*tensor.Dense, error) {
			return p.Networks.Prior.Forward(ctx, x, priorSchedule.Ratio(t), cond)
		}),
		Schedule: priorSchedule,
		Guidance: sample.Guidance{Scale: guidance(req.Prior), Steps: req.Prior.Steps},
		Shape:    []int{1, PriorChannels, gh, gw},
	}

	start := time.Now()
	embedding, err := prior.Run(ctx, priorCond, src, p.progress(i, prior.Name))
	if err != nil {
		return Result{}, err
	}
	logger.Debug("prior done", "shape", embedding.Shape(), logutil.Values("embedding", latent.Float32s(embedding)), logutil.Elapsed(start))

	effnet := PriorToDecoder(embedding)
	decoder := sample.Stage{
		Name:       "decoder",
		Predictor:  newDecoderPredictor(p.Networks.Decoder, effnet),
		Schedule:   schedule.DefaultConfig(req.Decoder.Schedule),
		Guidance:   sample.Guidance{Scale: guidance(req.Decoder), Steps: req.Decoder.Steps},
		Shape:      []int{1, DecoderChannels, dh, dw},
		InitScale:  true,
		ScaleInput: true,
	}

	start = time.Now()
	x, err := decoder.Run(ctx, decoderCond, src, p.progress(i, decoder.Name))
	if err != nil {
		return Result{}, err
	}
	logger.Debug("decoder done", "shape", x.Shape(), logutil.Values("latent", latent.Float32s(x)), logutil.Elapsed(start))

	logger.Info(fmt.Sprintf("generating the final image for sample %d/%d", i+1, req.NumSamples))
	pixels, err := p.Networks.VQGAN.Decode(ctx, x)
	if err != nil {
		return Result{}, fmt.Errorf("vqgan: %w", err)
	}

	img, err := PostProcess(pixels)
	if err != nil {
		return Result{}, err
	}
	img = Resize(img, req.Width, req.Height)

	r := Result{
		Index:    i,
		Seed:     seed,
		Filename: OutputFilename(req.FinalImage, i+1, req.NumSamples, nil),
		Image:    img,
	}

	if p.Writer != nil {
		if err := p.Writer.Save(img, r.Filename); err != nil {
			return Result{}, fmt.Errorf("save %s: %w", r.Filename, err)
		}
		logger.Info("saved", "file", r.Filename)
	}

	return r, nil
}

func (p *Pipeline) progress(i int, stage string) func(step, total int) {
	if p.Progress == nil {
		return nil
	}

	return func(step, total int) {
		p.Progress(i, stage, step, total)
	}
}

func guidance(s StageOptions) float64 {
	if s.Guidance == nil {
		return GuidanceScale
	}
	return *s.Guidance
}

// decoderPredictor passes the prior's image embedding to the decoder next
// to the text conditioning. The unconditional branch gets a zero embedding.
type decoderPredictor struct {
	decoder model.Decoder
	effnet  *tensor.Dense
}

func newDecoderPredictor(decoder model.Decoder, effnet *tensor.Dense) *decoderPredictor {
	// shapes match by construction
	doubled, _ := latent.Concat(latent.Zeros(latent.Shape(effnet)...), effnet)
	return &decoderPredictor{decoder: decoder, effnet: doubled}
}

func (d *decoderPredictor) Predict(ctx context.Context, x *tensor.Dense, t float64, cond *tensor.Dense) (*tensor.Dense, error) {
	if d.effnet.Shape()[0] != x.Shape()[0] {
		return nil, fmt.Errorf("%w: image embedding %v for latent %v", latent.ErrShape, d.effnet.Shape(), x.Shape())
	}
	return d.decoder.Forward(ctx, x, t, d.effnet, cond)
}
