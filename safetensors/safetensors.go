// Package safetensors reads tensors from .safetensors weight files.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/jmorganca/cascade/latent"
)

// maxHeaderSize bounds the JSON header to reject files that are not
// safetensors at all.
const maxHeaderSize = 100 << 20

var ErrInvalidHeader = errors.New("safetensors: invalid header")

type Info struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Elements is the number of values in the tensor.
func (i Info) Elements() int {
	n := 1
	for _, d := range i.Shape {
		n *= d
	}
	return n
}

type File struct {
	f       *os.File
	size    int64
	base    int64
	headers map[string]Info
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}

	if n <= 0 || n > maxHeaderSize || 8+n > st.Size() {
		f.Close()
		return nil, fmt.Errorf("%w: %s: header size %d", ErrInvalidHeader, path, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		f.Close()
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}
	delete(raw, "__metadata__")

	headers := make(map[string]Info, len(raw))
	for name, msg := range raw {
		var info Info
		if err := json.Unmarshal(msg, &info); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrInvalidHeader, path, name, err)
		}

		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || 8+n+info.Offsets[1] > st.Size() {
			f.Close()
			return nil, fmt.Errorf("%w: %s: tensor %s out of bounds", ErrInvalidHeader, path, name)
		}

		headers[name] = info
	}

	return &File{f: f, size: st.Size(), base: 8 + n, headers: headers}, nil
}

func (f *File) Close() error {
	return f.f.Close()
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	keys := maps.Keys(f.headers)
	slices.Sort(keys)
	return keys
}

func (f *File) Info(name string) (Info, bool) {
	info, ok := f.headers[name]
	return info, ok
}

// Size is the size of the file in bytes.
func (f *File) Size() int64 {
	return f.size
}

// Parameters is the total number of values across all tensors.
func (f *File) Parameters() uint64 {
	var n uint64
	for _, info := range f.headers {
		n += uint64(info.Elements())
	}
	return n
}

// Tensor decodes name into a float32 tensor.
func (f *File) Tensor(name string) (*tensor.Dense, error) {
	info, ok := f.headers[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q", name)
	}

	r := io.NewSectionReader(f.f, f.base+info.Offsets[0], info.Offsets[1]-info.Offsets[0])
	size := info.Offsets[1] - info.Offsets[0]

	var f32s []float32
	switch info.DType {
	case "F32":
		f32s = make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("safetensors: %s: unsupported dtype %s", name, info.DType)
	}

	if len(f32s) != info.Elements() {
		return nil, fmt.Errorf("%w: %s has %d values for shape %v", latent.ErrShape, name, len(f32s), info.Shape)
	}

	shape := info.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}

	return latent.New(shape, f32s), nil
}
