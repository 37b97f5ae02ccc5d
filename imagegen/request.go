package imagegen

import (
	"errors"
	"fmt"

	"github.com/jmorganca/cascade/schedule"
)

const (
	// GuidanceScale is the classifier-free guidance weight of both stages.
	GuidanceScale = 7.5
	// ResolutionMultiple is the number of pixels per prior latent cell.
	ResolutionMultiple = 42.67
	// DecoderRatio is the number of decoder latent cells per prior cell.
	DecoderRatio = 10.67

	PriorChannels   = 16
	DecoderChannels = 4

	DefaultSize       = 1024
	DefaultSteps      = 30
	DefaultFinalImage = "sd_final.png"
)

var ErrInvalidRequest = errors.New("imagegen: invalid request")

// StageOptions overrides the defaults of one diffusion stage.
type StageOptions struct {
	Steps int
	// Guidance defaults to GuidanceScale when nil.
	Guidance *float64
	Schedule schedule.Kind
}

type Request struct {
	Prompt         string
	NegativePrompt string

	Height, Width int
	NumSamples    int

	// Seed makes sample i draw its noise from Seed+i. A nil seed draws a
	// fresh random seed per sample.
	Seed *uint64

	// FinalImage is the base output filename.
	FinalImage string

	Prior, Decoder StageOptions
}

// withDefaults fills zero fields. Negative values are left for validate.
func (r Request) withDefaults() Request {
	if r.Height == 0 {
		r.Height = DefaultSize
	}

	if r.Width == 0 {
		r.Width = DefaultSize
	}

	if r.NumSamples == 0 {
		r.NumSamples = 1
	}

	if r.FinalImage == "" {
		r.FinalImage = DefaultFinalImage
	}

	for _, s := range []*StageOptions{&r.Prior, &r.Decoder} {
		if s.Steps == 0 {
			s.Steps = DefaultSteps
		}

		if s.Schedule == "" {
			s.Schedule = schedule.Wuerstchen
		}
	}

	return r
}

func (r Request) validate() error {
	switch {
	case r.Height < 1 || r.Width < 1:
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidRequest, r.Width, r.Height)
	case r.NumSamples < 1:
		return fmt.Errorf("%w: number of samples %d", ErrInvalidRequest, r.NumSamples)
	}

	for name, s := range map[string]StageOptions{"prior": r.Prior, "decoder": r.Decoder} {
		if _, err := schedule.New(schedule.DefaultConfig(s.Schedule), s.Steps); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, name, err)
		}
	}

	return nil
}
