package imagegen

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/cascade/conditioning"
	"github.com/jmorganca/cascade/latent"
	"github.com/jmorganca/cascade/model"
	"github.com/jmorganca/cascade/schedule"
)

type words struct{}

func (words) Encode(s string) ([]int32, error) {
	ids := []int32{49406}
	for range strings.Fields(s) {
		ids = append(ids, int32(len(ids)))
	}
	return append(ids, 49407), nil
}

func (words) Vocab(s string) (int32, bool) {
	switch s {
	case "!":
		return 0, true
	case "<|endoftext|>":
		return 49407, true
	}
	return 0, false
}

// fakes counts every network call and checks the shapes it is handed.
type fakes struct {
	t *testing.T

	mu       sync.Mutex
	encodes  int
	priors   int
	decoders int
	decodes  []*tensor.Dense

	decodeErr error
}

type encoder struct {
	f     *fakes
	width int
}

func (e encoder) Forward(_ context.Context, ids []int32, valid int) (*tensor.Dense, error) {
	e.f.mu.Lock()
	e.f.encodes++
	e.f.mu.Unlock()

	assert.Len(e.f.t, ids, 77)
	assert.LessOrEqual(e.f.t, valid, 77)
	return latent.Zeros(1, len(ids), e.width), nil
}

type fakePrior struct{ f *fakes }

func (p fakePrior) Forward(_ context.Context, x *tensor.Dense, r float64, clip *tensor.Dense) (*tensor.Dense, error) {
	p.f.mu.Lock()
	p.f.priors++
	p.f.mu.Unlock()

	shape := latent.Shape(x)
	assert.Equal(p.f.t, 2, shape[0], "doubled batch")
	assert.Equal(p.f.t, PriorChannels, shape[1])
	assert.Equal(p.f.t, []int{2, 77, 1280}, latent.Shape(clip))
	assert.True(p.f.t, r >= 0 && r <= 1, "ratio %v", r)

	return latent.Affine(x, 0.1, 0), nil
}

type fakeDecoder struct{ f *fakes }

func (d fakeDecoder) Forward(_ context.Context, x *tensor.Dense, _ float64, effnet, clip *tensor.Dense) (*tensor.Dense, error) {
	d.f.mu.Lock()
	d.f.decoders++
	d.f.mu.Unlock()

	assert.Equal(d.f.t, 2, latent.Shape(x)[0], "doubled batch")
	assert.Equal(d.f.t, DecoderChannels, latent.Shape(x)[1])
	assert.Equal(d.f.t, []int{2, 77, 1024}, latent.Shape(clip))

	uncond, cond, err := latent.Halves(effnet)
	require.NoError(d.f.t, err)
	assert.Equal(d.f.t, make([]float32, len(latent.Float32s(uncond))), latent.Float32s(uncond))
	assert.Equal(d.f.t, PriorChannels, latent.Shape(cond)[1])

	return latent.Affine(x, 0.1, 0), nil
}

type fakeVQGAN struct{ f *fakes }

// Decode returns a grey image four times the size of the latent grid.
func (v fakeVQGAN) Decode(_ context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	v.f.mu.Lock()
	v.f.decodes = append(v.f.decodes, latent.Clone(x))
	v.f.mu.Unlock()

	if v.f.decodeErr != nil {
		return nil, v.f.decodeErr
	}

	shape := latent.Shape(x)
	h, w := shape[2]*4, shape[3]*4
	return latent.Zeros(1, 3, h, w), nil
}

type memWriter struct {
	mu    sync.Mutex
	names []string
}

func (m *memWriter) Save(_ image.Image, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return nil
}

func newPipeline(t *testing.T) (*Pipeline, *fakes, *memWriter) {
	f := &fakes{t: t}
	w := &memWriter{}
	return &Pipeline{
		Networks: &model.Networks{
			PriorCLIP: encoder{f: f, width: 1280},
			CLIP:      encoder{f: f, width: 1024},
			Prior:     fakePrior{f: f},
			Decoder:   fakeDecoder{f: f},
			VQGAN:     fakeVQGAN{f: f},
		},
		PriorTokenizer: words{},
		Tokenizer:      words{},
		Writer:         w,
		Parallel:       2,
	}, f, w
}

func steps(n int) (StageOptions, StageOptions) {
	return StageOptions{Steps: n}, StageOptions{Steps: n}
}

func TestLatentGrid(t *testing.T) {
	gh, gw := LatentGrid(1024, 1024)
	assert.Equal(t, 24, gh)
	assert.Equal(t, 24, gw)

	gh, gw = LatentGrid(768, 1280)
	assert.Equal(t, 18, gh)
	assert.Equal(t, 30, gw)

	dh, dw := DecoderGrid(24, 24)
	assert.Equal(t, 256, dh)
	assert.Equal(t, 256, dw)
}

func TestPriorToDecoder(t *testing.T) {
	x := latent.New([]int{1, 2}, []float32{0, 0.5})
	assert.Equal(t, []float32{-1, 20}, latent.Float32s(PriorToDecoder(x)))
	assert.Equal(t, []float32{0, 0.5}, latent.Float32s(x))
}

func TestOutputFilename(t *testing.T) {
	five := 5
	cases := []struct {
		base     string
		idx, n   int
		timestep *int
		want     string
	}{
		{"sd_final.png", 2, 3, nil, "sd_final.2.png"},
		{"sd_final.png", 1, 1, nil, "sd_final.png"},
		{"sd_final.png", 1, 1, &five, "sd_final-5.png"},
		{"sd_final.png", 2, 3, &five, "sd_final.2-5.png"},
		{"out/cube.jpeg", 3, 4, nil, "out/cube.3.jpeg"},
		{"final", 2, 2, nil, "final.2.png"},
		{"final", 1, 1, nil, "final"},
		{"final", 1, 1, &five, "final-5.png"},
	}

	for _, tt := range cases {
		assert.Equal(t, tt.want, OutputFilename(tt.base, tt.idx, tt.n, tt.timestep), "%+v", tt)
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	p, f, w := newPipeline(t)

	var progress []string
	var mu sync.Mutex
	p.Progress = func(i int, stage string, step, total int) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, stage+string(rune('0'+step))+"/"+string(rune('0'+total)))
	}

	prior, decoder := steps(2)
	results, err := p.Generate(context.Background(), Request{
		Prompt:         "a red cube",
		NegativePrompt: "",
		Height:         128,
		Width:          128,
		NumSamples:     1,
		Prior:          prior,
		Decoder:        decoder,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, f.encodes, "two prompts per stage")
	assert.Equal(t, 2, f.priors)
	assert.Equal(t, 2, f.decoders)
	require.Len(t, f.decodes, 1)
	assert.Equal(t, []int{1, DecoderChannels, 32, 32}, latent.Shape(f.decodes[0]))

	require.Len(t, results, 1)
	assert.Equal(t, image.Rect(0, 0, 128, 128), results[0].Image.Bounds())
	assert.Equal(t, "sd_final.png", results[0].Filename)
	assert.Equal(t, []string{"sd_final.png"}, w.names)

	want := []string{"prior0/2", "prior1/2", "prior2/2", "decoder0/2", "decoder1/2", "decoder2/2"}
	if diff := cmp.Diff(want, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateResizes(t *testing.T) {
	p, _, _ := newPipeline(t)

	prior, decoder := steps(1)
	results, err := p.Generate(context.Background(), Request{Prompt: "a red cube", Height: 100, Width: 60, Prior: prior, Decoder: decoder})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 60, 100), results[0].Image.Bounds())
}

func TestGenerateSampleIndependence(t *testing.T) {
	p, f, w := newPipeline(t)

	seed := uint64(42)
	prior, decoder := steps(2)
	req := Request{Prompt: "a red cube", Height: 64, Width: 64, NumSamples: 2, Seed: &seed, Prior: prior, Decoder: decoder}

	results, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, uint64(42), results[0].Seed)
	assert.Equal(t, uint64(43), results[1].Seed)
	assert.Equal(t, "sd_final.1.png", results[0].Filename)
	assert.Equal(t, "sd_final.2.png", results[1].Filename)
	assert.ElementsMatch(t, []string{"sd_final.1.png", "sd_final.2.png"}, w.names)

	assert.Equal(t, 4, f.priors)
	assert.Equal(t, 4, f.decoders)
	require.Len(t, f.decodes, 2)
	assert.NotEqual(t, latent.Float32s(f.decodes[0]), latent.Float32s(f.decodes[1]))

	// a single sample with the second seed reproduces the second latent
	first := map[float32]bool{}
	for _, d := range f.decodes {
		first[latent.Float32s(d)[0]] = true
	}

	again, f2, _ := newPipeline(t)
	seed2 := uint64(43)
	req.NumSamples, req.Seed = 1, &seed2
	_, err = again.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, f2.decodes, 1)
	assert.True(t, first[latent.Float32s(f2.decodes[0])[0]])
}

func TestGenerateInvalidRequest(t *testing.T) {
	cases := map[string]Request{
		"height":  {Height: -1},
		"samples": {NumSamples: -2},
		"steps":   {Prior: StageOptions{Steps: -1}},
		"kind":    {Decoder: StageOptions{Schedule: "pndm"}},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			p, f, _ := newPipeline(t)
			_, err := p.Generate(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, f.encodes, "rejected before any network call")
		})
	}

	p, _, _ := newPipeline(t)
	_, err := p.Generate(context.Background(), Request{Prior: StageOptions{Steps: -1}})
	require.ErrorIs(t, err, schedule.ErrInvalidSteps)
}

// padless has neither pad token in its vocabulary.
type padless struct{ words }

func (padless) Vocab(string) (int32, bool) { return 0, false }

func TestGenerateNoPadTokenBeforeEncoding(t *testing.T) {
	p, f, _ := newPipeline(t)
	p.Tokenizer = padless{}

	_, err := p.Generate(context.Background(), Request{Height: 64, Width: 64})
	require.ErrorIs(t, err, conditioning.ErrNoPadToken)
	assert.ErrorContains(t, err, "decoder conditioning")
	assert.Zero(t, f.encodes, "rejected before any encoder call")
}

func TestGeneratePriorRatio(t *testing.T) {
	for _, kind := range schedule.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			p, f, w := newPipeline(t)

			req := Request{Height: 64, Width: 64, Prior: StageOptions{Steps: 3, Schedule: kind}, Decoder: StageOptions{Steps: 1}}
			_, err := p.Generate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, 3, f.priors)
			assert.Len(t, w.names, 1)
		})
	}
}

func TestGenerateDecodeError(t *testing.T) {
	p, f, w := newPipeline(t)
	f.decodeErr = errors.New("vqgan exploded")

	prior, decoder := steps(1)
	_, err := p.Generate(context.Background(), Request{Height: 64, Width: 64, NumSamples: 3, Prior: prior, Decoder: decoder})
	require.ErrorContains(t, err, "vqgan exploded")
	assert.Empty(t, w.names)
}

func TestGenerateCancelled(t *testing.T) {
	p, _, _ := newPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, Request{Height: 64, Width: 64})
	require.ErrorIs(t, err, context.Canceled)
}

func TestGuidanceOverride(t *testing.T) {
	assert.InDelta(t, GuidanceScale, guidance(StageOptions{}), 0)

	zero := 0.0
	assert.InDelta(t, 0, guidance(StageOptions{Guidance: &zero}), 0)
}

func TestPostProcess(t *testing.T) {
	// one 2x2 image: red ramps -1..3, green 0, blue -3
	x := latent.New([]int{1, 3, 2, 2}, []float32{
		-1, 0, 1, 3,
		0, 0, 0, 0,
		-3, -3, -3, -3,
	})

	img, err := PostProcess(x)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())

	assert.Equal(t, []uint8{
		0, 128, 0, 255,
		128, 128, 0, 255,
		255, 128, 0, 255,
		255, 128, 0, 255,
	}, img.Pix)

	_, err = PostProcess(latent.Zeros(1, 4, 2, 2))
	require.ErrorIs(t, err, latent.ErrShape)
}

func TestResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.Same(t, img, Resize(img, 10, 10))
	assert.Equal(t, image.Rect(0, 0, 20, 5), Resize(img, 20, 5).Bounds())
}

func TestPNGWriter(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out", "sd_final.png")
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))

	require.NoError(t, PNGWriter{}.Save(img, name))

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()

	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}
