package cmd

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmorganca/cascade/envconfig"
	"github.com/jmorganca/cascade/format"
	"github.com/jmorganca/cascade/imagegen"
	"github.com/jmorganca/cascade/model"
	"github.com/jmorganca/cascade/progress"
	"github.com/jmorganca/cascade/schedule"
	"github.com/jmorganca/cascade/tokenizer"
	"github.com/jmorganca/cascade/weights"
)

type generateOptions struct {
	Request   imagegen.Request
	Backend   string
	Params    model.Params
	Overrides map[weights.File]string
	Profile   string
	Trace     string
}

func parseGenerateFlags(cmd *cobra.Command) (*generateOptions, error) {
	flags := cmd.Flags()
	opts := generateOptions{Params: model.Params{Device: model.GPU}}

	var err error
	if opts.Overrides, err = weightOverrides(cmd); err != nil {
		return nil, err
	}

	req := &opts.Request
	for name, p := range map[string]*string{
		"prompt":        &req.Prompt,
		"uncond-prompt": &req.NegativePrompt,
		"final-image":   &req.FinalImage,
		"backend":       &opts.Backend,
		"cpuprofile":    &opts.Profile,
		"tracing":       &opts.Trace,
	} {
		if *p, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}

	var steps, priorSteps, decoderSteps int
	for name, p := range map[string]*int{
		"height":                &req.Height,
		"width":                 &req.Width,
		"num-samples":           &req.NumSamples,
		"n-steps":               &steps,
		"prior-steps":           &priorSteps,
		"decoder-steps":         &decoderSteps,
		"sliced-attention-size": &opts.Params.SlicedAttentionSize,
	} {
		if *p, err = flags.GetInt(name); err != nil {
			return nil, err
		}
	}

	req.Prior.Steps = cmp.Or(priorSteps, steps)
	req.Decoder.Steps = cmp.Or(decoderSteps, steps)

	// zero would fall back to the default step count
	if req.Prior.Steps < 1 || req.Decoder.Steps < 1 {
		return nil, fmt.Errorf("%w: steps must be at least 1", imagegen.ErrInvalidRequest)
	}

	if flags.Changed("seed") {
		seed, err := flags.GetUint64("seed")
		if err != nil {
			return nil, err
		}
		req.Seed = &seed
	}

	scale, err := flags.GetFloat64("guidance-scale")
	if err != nil {
		return nil, err
	}
	req.Prior.Guidance, req.Decoder.Guidance = &scale, &scale

	for name, p := range map[string]*schedule.Kind{
		"prior-scheduler":   &req.Prior.Schedule,
		"decoder-scheduler": &req.Decoder.Schedule,
	} {
		kind, err := flags.GetString(name)
		if err != nil {
			return nil, err
		}
		*p = schedule.Kind(kind)
	}

	if cpu, err := flags.GetBool("cpu"); err != nil {
		return nil, err
	} else if cpu {
		opts.Params.Device = model.CPU
	}

	if opts.Backend == "" {
		opts.Backend = envconfig.Backend
	}

	return &opts, nil
}

func generateHandler(cmd *cobra.Command, args []string) error {
	opts, err := parseGenerateFlags(cmd)
	if err != nil {
		return err
	}

	// fail on a missing backend before downloading any weights
	backend, err := model.Lookup(opts.Backend)
	if err != nil {
		return err
	}

	if opts.Profile != "" {
		f, err := os.Create(opts.Profile)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	if opts.Trace != "" {
		f, err := os.Create(opts.Trace)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := trace.Start(f); err != nil {
			return err
		}
		defer trace.Stop()
		slog.Info("writing execution trace", "file", opts.Trace)
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	paths, err := resolveWeights(cmd.Context(), p, opts.Overrides)
	if err != nil {
		return err
	}

	spinner := progress.NewSpinner("loading networks")
	p.Add("", spinner)

	params := opts.Params
	params.Weights = paths
	networks, err := model.Load(cmd.Context(), backend, params)
	if err != nil {
		return err
	}

	priorTokenizer, err := tokenizer.Load(paths[weights.PriorTokenizer])
	if err != nil {
		return err
	}

	tok, err := tokenizer.Load(paths[weights.Tokenizer])
	if err != nil {
		return err
	}

	spinner.Stop()

	pipeline := imagegen.Pipeline{
		Networks:       networks,
		PriorTokenizer: priorTokenizer,
		Tokenizer:      tok,
		Writer:         imagegen.PNGWriter{},
		Progress:       stepProgress(p),
	}

	start := time.Now()
	results, err := pipeline.Generate(cmd.Context(), opts.Request)
	if err != nil {
		return err
	}

	p.StopAndClear()
	for _, r := range results {
		fmt.Printf("%s (seed %d)\n", r.Filename, r.Seed)
	}

	slog.Info("done", "samples", len(results), "elapsed", format.HumanDuration(time.Since(start)))
	return nil
}

// resolveWeights fetches missing weight files, showing a bar per download.
func resolveWeights(ctx context.Context, p *progress.Progress, overrides map[weights.File]string) (map[weights.File]string, error) {
	var mu sync.Mutex
	bars := make(map[weights.File]*progress.Bar)

	resolver := weights.NewResolver()
	resolver.Progress = func(file weights.File, completed, total int64) {
		mu.Lock()
		defer mu.Unlock()

		bar, ok := bars[file]
		if !ok {
			bar = progress.NewBar(fmt.Sprintf("pulling %s...", file), total, completed)
			bars[file] = bar
			p.Add(file.String(), bar)
		}

		bar.Set(completed)
	}

	return resolver.ResolveAll(ctx, weights.Files(), overrides)
}

// stepProgress shows one step bar per sample, replaced when the sample
// moves from the prior to the decoder.
func stepProgress(p *progress.Progress) func(int, string, int, int) {
	var mu sync.Mutex
	bars := make(map[string]*progress.StepBar)

	return func(i int, stage string, step, total int) {
		mu.Lock()
		defer mu.Unlock()

		name := fmt.Sprintf("sample %d %s", i+1, stage)
		bar, ok := bars[name]
		if !ok {
			bar = progress.NewStepBar(name, total)
			bars[name] = bar
			p.Add(fmt.Sprintf("sample-%d", i), bar)
		}

		bar.Set(step)
	}
}
