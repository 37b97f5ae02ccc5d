// Package model declares the networks of the cascade as opaque
// capabilities and keeps the registry of backends able to run them.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/cascade/weights"
)

var ErrUnknownBackend = errors.New("model: unknown backend")

type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// TextEncoder embeds a padded token sequence of which only the first
// validLength ids are attended to.
type TextEncoder interface {
	Forward(ctx context.Context, ids []int32, validLength int) (*tensor.Dense, error)
}

// Prior predicts the noise of an image-embedding latent x at ratio r given
// the text conditioning.
type Prior interface {
	Forward(ctx context.Context, x *tensor.Dense, r float64, clip *tensor.Dense) (*tensor.Dense, error)
}

// Decoder predicts the noise of a pixel-space latent x at ratio r given
// the image embedding produced by the prior and the text conditioning.
type Decoder interface {
	Forward(ctx context.Context, x *tensor.Dense, r float64, effnet, clip *tensor.Dense) (*tensor.Dense, error)
}

// Autoencoder decodes a pixel-space latent into an image tensor
// [B, 3, H, W] with values centred on zero.
type Autoencoder interface {
	Decode(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error)
}

// Networks bundles everything a generation runs. The networks are only
// read after loading and may be shared by concurrent samples.
type Networks struct {
	PriorCLIP TextEncoder
	CLIP      TextEncoder
	Prior     Prior
	Decoder   Decoder
	VQGAN     Autoencoder
}

func (n *Networks) validate() error {
	var missing []string
	for name, v := range map[string]any{
		"prior text encoder": n.PriorCLIP,
		"text encoder":       n.CLIP,
		"prior":              n.Prior,
		"decoder":            n.Decoder,
		"vqgan":              n.VQGAN,
	} {
		if v == nil {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("model: backend did not load %s", strings.Join(missing, ", "))
	}

	return nil
}

type Params struct {
	Device Device
	// Weights maps each weight file to its resolved local path.
	Weights map[weights.File]string
	// SlicedAttentionSize splits attention into slices of this many heads;
	// zero disables slicing.
	SlicedAttentionSize int
}

type Loader func(ctx context.Context, params Params) (*Networks, error)

var (
	mu       sync.RWMutex
	backends = make(map[string]Loader)
)

// Register makes a backend available by name. It panics if name is
// registered twice.
func Register(name string, loader Loader) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := backends[name]; ok {
		panic("model: backend already registered: " + name)
	}

	backends[name] = loader
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

// Lookup returns the name of the backend Load would run. An empty name
// selects the only registered backend.
func Lookup(name string) (string, error) {
	_, name, err := lookup(name)
	return name, err
}

func lookup(name string) (Loader, string, error) {
	registered := Backends()
	if name == "" && len(registered) == 1 {
		name = registered[0]
	}

	mu.RLock()
	loader, ok := backends[name]
	mu.RUnlock()

	if !ok {
		if len(registered) == 0 {
			return nil, name, fmt.Errorf("%w %q: no backends are registered", ErrUnknownBackend, name)
		}
		return nil, name, fmt.Errorf("%w %q: available backends are %s", ErrUnknownBackend, name, strings.Join(registered, ", "))
	}

	return loader, name, nil
}

// Load runs the named backend's loader. An empty name selects the only
// registered backend.
func Load(ctx context.Context, name string, params Params) (*Networks, error) {
	loader, name, err := lookup(name)
	if err != nil {
		return nil, err
	}

	slog.Debug("loading networks", "backend", name, "device", params.Device, "sliced_attention_size", params.SlicedAttentionSize)
	n, err := loader(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if err := n.validate(); err != nil {
		return nil, err
	}

	return n, nil
}
