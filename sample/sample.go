// Package sample runs the classifier-free guided denoising loop of a single
// diffusion stage.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/jmorganca/cascade/latent"
	"github.com/jmorganca/cascade/logutil"
	"github.com/jmorganca/cascade/schedule"
)

var ErrShapeMismatch = errors.New("sample: shape mismatch")

// Predictor estimates the noise in x at timestep t. x and the returned
// estimate carry the unconditional batch first and the conditional batch
// second, aligned with cond.
type Predictor interface {
	Predict(ctx context.Context, x *tensor.Dense, t float64, cond *tensor.Dense) (*tensor.Dense, error)
}

type PredictorFunc func(ctx context.Context, x *tensor.Dense, t float64, cond *tensor.Dense) (*tensor.Dense, error)

func (f PredictorFunc) Predict(ctx context.Context, x *tensor.Dense, t float64, cond *tensor.Dense) (*tensor.Dense, error) {
	return f(ctx, x, t, cond)
}

type Guidance struct {
	Scale float64
	Steps int
}

// Stage describes one diffusion stage of the cascade.
type Stage struct {
	Name      string
	Predictor Predictor
	Schedule  *schedule.Config
	Guidance  Guidance

	// Shape of the latent, [B, C, H, W].
	Shape []int

	// InitScale multiplies the initial noise by the schedule's initial sigma.
	InitScale bool
	// ScaleInput applies the schedule's model input scaling each step.
	ScaleInput bool
}

// Guide combines the two branches of a noise estimate as
// uncond + scale*(cond-uncond). A scale of 1 returns cond and a scale of 0
// returns uncond exactly.
func Guide(uncond, cond *tensor.Dense, scale float64) (*tensor.Dense, error) {
	if !latent.SameShape(uncond, cond) {
		return nil, fmt.Errorf("%w: unconditional %v, conditional %v", ErrShapeMismatch, uncond.Shape(), cond.Shape())
	}

	switch scale {
	case 1:
		return latent.Clone(cond), nil
	case 0:
		return latent.Clone(uncond), nil
	}

	diff, err := latent.AddScaled(cond, uncond, -1)
	if err != nil {
		return nil, err
	}

	return latent.AddScaled(uncond, diff, float32(scale))
}

// Run draws the initial latent from src and denoises it over the stage's
// schedule. cond must hold twice the latent batch, unconditional half
// first. The returned latent is not rescaled.
func (s *Stage) Run(ctx context.Context, cond *tensor.Dense, src rand.Source, progress func(step, total int)) (*tensor.Dense, error) {
	sched, err := schedule.New(s.Schedule, s.Guidance.Steps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	if len(s.Shape) == 0 || s.Shape[0] < 1 {
		return nil, fmt.Errorf("%w: %s latent shape %v", ErrShapeMismatch, s.Name, s.Shape)
	}

	if cond == nil || len(cond.Shape()) == 0 || cond.Shape()[0] != 2*s.Shape[0] {
		var got any
		if cond != nil {
			got = cond.Shape()
		}
		return nil, fmt.Errorf("%w: %s conditioning %v does not pair with latent batch %d", ErrShapeMismatch, s.Name, got, s.Shape[0])
	}

	x := latent.Randn(src, s.Shape...)
	if s.InitScale {
		x = latent.Affine(x, float32(sched.InitNoiseSigma()), 0)
	}

	timesteps := sched.Timesteps()
	total := len(timesteps)
	if progress != nil {
		progress(0, total)
	}

	start := time.Now()
	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		stepStart := time.Now()

		input := latent.Duplicate(x)
		if s.ScaleInput {
			input = sched.ScaleModelInput(input, i)
		}

		eps, err := s.Predictor.Predict(ctx, input, t, cond)
		if err != nil {
			return nil, fmt.Errorf("%s step %d/%d: %w", s.Name, i+1, total, err)
		}

		if !latent.SameShape(eps, input) {
			return nil, fmt.Errorf("%w: %s step %d predicted %v for input %v", ErrShapeMismatch, s.Name, i+1, eps.Shape(), input.Shape())
		}

		uncond, text, err := latent.Halves(eps)
		if err != nil {
			return nil, err
		}

		guided, err := Guide(uncond, text, s.Guidance.Scale)
		if err != nil {
			return nil, err
		}

		x, err = sched.Step(guided, x, i, src)
		if err != nil {
			return nil, fmt.Errorf("%s step %d/%d: %w", s.Name, i+1, total, err)
		}

		logutil.TraceContext(ctx, "denoise", "stage", s.Name, "step", i+1, "total", total, "t", t, logutil.Values("latent", latent.Float32s(x)), logutil.Elapsed(stepStart))
		if progress != nil {
			progress(i+1, total)
		}
	}

	slog.Debug("stage complete", "stage", s.Name, "steps", total, "schedule", sched.Kind(), logutil.Elapsed(start))
	return x, nil
}
