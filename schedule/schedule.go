// Package schedule builds the noise schedules traversed by each diffusion
// stage and advances a latent from one schedule entry to the next.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/jmorganca/cascade/latent"
)

var ErrInvalidSteps = errors.New("schedule: steps must be at least 1")

type Kind string

const (
	// Wuerstchen is the continuous-time cosine schedule with DDPM ancestral
	// steps used by both cascade stages.
	Wuerstchen Kind = "wuerstchen"
	DDIM       Kind = "ddim"
	Euler      Kind = "euler"
)

func Kinds() []Kind {
	return []Kind{Wuerstchen, DDIM, Euler}
}

// Config holds the training-time constants of a schedule.
type Config struct {
	Kind Kind

	// cosine schedule
	S      float64
	Scaler float64

	// discrete schedules
	TrainTimesteps int
	BetaStart      float64
	BetaEnd        float64
	StepsOffset    int
}

func DefaultConfig(kind Kind) *Config {
	return &Config{
		Kind:           kind,
		S:              0.008,
		Scaler:         1,
		TrainTimesteps: 1000,
		BetaStart:      0.00085,
		BetaEnd:        0.012,
		StepsOffset:    1,
	}
}

// Ratio maps a timestep of this kind onto [0, 1], the noise level a
// ratio-conditioned network expects. Cosine timesteps already are ratios.
func (c *Config) Ratio(t float64) float64 {
	if c.Kind == Wuerstchen || c.Kind == "" || c.TrainTimesteps < 1 {
		return t
	}

	return min(max(t/float64(c.TrainTimesteps), 0), 1)
}

// Schedule is an immutable sequence of timesteps, noisiest first. Entry n
// (one past the last step) is the terminal state each step moves towards.
type Schedule struct {
	kind      Kind
	timesteps []float64
	alphaBars []float64
	sigmas    []float64
}

func New(cfg *Config, steps int) (*Schedule, error) {
	if steps < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidSteps, steps)
	}

	if cfg == nil {
		cfg = DefaultConfig(Wuerstchen)
	}

	switch cfg.Kind {
	case Wuerstchen, "":
		return newCosine(cfg, steps), nil
	case DDIM:
		return newDDIM(cfg, steps), nil
	case Euler:
		return newEuler(cfg, steps), nil
	default:
		return nil, fmt.Errorf("schedule: unknown kind %q", cfg.Kind)
	}
}

func newCosine(cfg *Config, steps int) *Schedule {
	s := &Schedule{
		kind:      Wuerstchen,
		timesteps: floats.Span(make([]float64, steps+1), 1, 0),
	}

	// Span may land next to zero; the terminal must be exact so the last
	// step adds no noise
	s.timesteps[steps] = 0

	base := math.Pow(math.Cos(cfg.S/(1+cfg.S)*math.Pi/2), 2)
	s.alphaBars = make([]float64, steps+1)
	for i, t := range s.timesteps {
		switch {
		case cfg.Scaler > 1:
			t = 1 - math.Pow(1-t, cfg.Scaler)
		case cfg.Scaler > 0 && cfg.Scaler < 1:
			t = math.Pow(t, cfg.Scaler)
		}

		ab := math.Pow(math.Cos((t+cfg.S)/(1+cfg.S)*math.Pi/2), 2) / base
		s.alphaBars[i] = min(max(ab, 1e-4), 0.9999)
	}

	return s
}

// trainAlphaBars is the cumulative product of 1-beta over the
// scaled-linear beta schedule.
func trainAlphaBars(cfg *Config) []float64 {
	betas := floats.Span(make([]float64, cfg.TrainTimesteps), math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))

	alphaBars := make([]float64, len(betas))
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b*b
		alphaBars[i] = prod
	}

	return alphaBars
}

func newDDIM(cfg *Config, steps int) *Schedule {
	train := trainAlphaBars(cfg)
	ratio := max(cfg.TrainTimesteps/steps, 1)

	s := &Schedule{
		kind:      DDIM,
		timesteps: make([]float64, steps+1),
		alphaBars: make([]float64, steps+1),
	}

	for i := range steps {
		t := min((steps-1-i)*ratio+cfg.StepsOffset, cfg.TrainTimesteps-1)
		s.timesteps[i] = float64(t)
		s.alphaBars[i] = train[t]
	}

	// the final step lands on a clean sample
	s.timesteps[steps] = -1
	s.alphaBars[steps] = 1
	return s
}

func newEuler(cfg *Config, steps int) *Schedule {
	train := trainAlphaBars(cfg)
	trainSigmas := make([]float64, len(train))
	for i, ab := range train {
		trainSigmas[i] = math.Sqrt((1 - ab) / ab)
	}

	s := &Schedule{
		kind:      Euler,
		timesteps: make([]float64, steps+1),
		alphaBars: make([]float64, steps+1),
		sigmas:    make([]float64, steps+1),
	}

	last := float64(cfg.TrainTimesteps - 1)
	if steps == 1 {
		s.timesteps[0] = last
	} else {
		floats.Span(s.timesteps[:steps], last, 0)
		s.timesteps[steps-1] = 0
	}

	for i, t := range s.timesteps[:steps] {
		lo := min(max(int(math.Floor(t)), 0), len(trainSigmas)-1)
		hi := min(lo+1, len(trainSigmas)-1)
		frac := t - float64(lo)
		sigma := trainSigmas[lo]*(1-frac) + trainSigmas[hi]*frac

		s.sigmas[i] = sigma
		s.alphaBars[i] = 1 / (1 + sigma*sigma)
	}

	s.timesteps[steps] = 0
	s.alphaBars[steps] = 1
	return s
}

func (s *Schedule) Kind() Kind {
	return s.kind
}

// Len is the number of denoising steps.
func (s *Schedule) Len() int {
	return len(s.timesteps) - 1
}

// Timesteps returns the value passed to the noise predictor at each step.
func (s *Schedule) Timesteps() []float64 {
	return slices.Clone(s.timesteps[:s.Len()])
}

// AlphaBars returns the cumulative signal coefficient of each step. It
// increases monotonically: index 0 is the noisiest state.
func (s *Schedule) AlphaBars() []float64 {
	return slices.Clone(s.alphaBars[:s.Len()])
}

// Sigma is the noise-to-signal ratio at step i.
func (s *Schedule) Sigma(i int) float64 {
	if s.sigmas != nil {
		return s.sigmas[i]
	}

	ab := s.alphaBars[i]
	return math.Sqrt((1 - ab) / ab)
}

// InitNoiseSigma is the standard deviation expected of the initial latent.
func (s *Schedule) InitNoiseSigma() float64 {
	if s.kind == Euler {
		return math.Sqrt(s.sigmas[0]*s.sigmas[0] + 1)
	}

	return 1
}

// ScaleModelInput rescales x before it is handed to the predictor at step i.
// Only the Euler schedule changes its input.
func (s *Schedule) ScaleModelInput(x *tensor.Dense, i int) *tensor.Dense {
	if s.kind != Euler {
		return x
	}

	sigma := s.sigmas[i]
	return latent.Affine(x, float32(1/math.Sqrt(sigma*sigma+1)), 0)
}

// Step advances x from step i to step i+1 given the guided noise estimate
// eps. src supplies the ancestral noise of the cosine schedule and may be
// nil for the deterministic kinds. Step does not modify its inputs.
func (s *Schedule) Step(eps, x *tensor.Dense, i int, src rand.Source) (*tensor.Dense, error) {
	if i < 0 || i >= s.Len() {
		return nil, fmt.Errorf("schedule: step %d out of range [0, %d)", i, s.Len())
	}

	if !latent.SameShape(eps, x) {
		return nil, fmt.Errorf("%w: noise %v, latent %v", latent.ErrShape, eps.Shape(), x.Shape())
	}

	switch s.kind {
	case DDIM:
		return s.stepDDIM(eps, x, i)
	case Euler:
		return latent.AddScaled(x, eps, float32(s.sigmas[i+1]-s.sigmas[i]))
	default:
		return s.stepAncestral(eps, x, i, src)
	}
}

func (s *Schedule) stepAncestral(eps, x *tensor.Dense, i int, src rand.Source) (*tensor.Dense, error) {
	abT, abPrev := s.alphaBars[i], s.alphaBars[i+1]
	alpha := abT / abPrev

	// mu = (x - (1-alpha)/sqrt(1-abT) * eps) / sqrt(alpha)
	mu, err := latent.AddScaled(x, eps, float32(-(1-alpha)/math.Sqrt(1-abT)))
	if err != nil {
		return nil, err
	}
	mu = latent.Affine(mu, float32(1/math.Sqrt(alpha)), 0)

	if s.timesteps[i+1] == 0 {
		return mu, nil
	}

	if src == nil {
		return nil, errors.New("schedule: ancestral step needs a random source")
	}

	std := math.Sqrt((1 - alpha) * (1 - abPrev) / (1 - abT))
	return latent.AddScaled(mu, latent.Randn(src, latent.Shape(x)...), float32(std))
}

func (s *Schedule) stepDDIM(eps, x *tensor.Dense, i int) (*tensor.Dense, error) {
	abT, abPrev := s.alphaBars[i], s.alphaBars[i+1]

	// x0 = (x - sqrt(1-abT) * eps) / sqrt(abT)
	x0, err := latent.AddScaled(x, eps, float32(-math.Sqrt(1-abT)))
	if err != nil {
		return nil, err
	}
	x0 = latent.Affine(x0, float32(1/math.Sqrt(abT)), 0)

	return latent.AddScaled(latent.Affine(x0, float32(math.Sqrt(abPrev)), 0), eps, float32(math.Sqrt(1-abPrev)))
}
