package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/jmorganca/cascade/latent"
)

type entry struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

func write(t *testing.T, entries ...entry) string {
	t.Helper()

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var body bytes.Buffer
	for _, e := range entries {
		start := body.Len()
		body.Write(e.data)
		header[e.name] = map[string]any{
			"dtype":        e.dtype,
			"shape":        e.shape,
			"data_offsets": []int{start, body.Len()},
		}
	}

	bts, err := json.Marshal(header)
	require.NoError(t, err)

	var f bytes.Buffer
	require.NoError(t, binary.Write(&f, binary.LittleEndian, int64(len(bts))))
	f.Write(bts)
	f.Write(body.Bytes())

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(path, f.Bytes(), 0o644))
	return path
}

func f32(vs ...float32) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, vs)
	return b.Bytes()
}

func f16(vs ...float32) []byte {
	var b bytes.Buffer
	for _, v := range vs {
		binary.Write(&b, binary.LittleEndian, float16.Fromfloat32(v).Bits())
	}
	return b.Bytes()
}

func TestOpen(t *testing.T) {
	path := write(t,
		entry{"prior.proj.weight", "F32", []int{2, 3}, f32(1, 2, 3, 4, 5, 6)},
		entry{"prior.proj.bias", "F16", []int{2}, f16(0.5, -2)},
		entry{"embedding", "BF16", []int{1, 2}, bfloat16.EncodeFloat32([]float32{1.5, -0.25})},
	)

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"embedding", "prior.proj.bias", "prior.proj.weight"}, f.Names())
	assert.Equal(t, uint64(10), f.Parameters())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), f.Size())

	info, ok := f.Info("prior.proj.weight")
	require.True(t, ok)
	assert.Equal(t, "F32", info.DType)
	assert.Equal(t, 6, info.Elements())

	w, err := f.Tensor("prior.proj.weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, latent.Shape(w))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, latent.Float32s(w))

	b, err := f.Tensor("prior.proj.bias")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -2}, latent.Float32s(b))

	e, err := f.Tensor("embedding")
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -0.25}, latent.Float32s(e))

	_, err = f.Tensor("missing")
	require.Error(t, err)
}

func TestTensorErrors(t *testing.T) {
	path := write(t,
		entry{"ints", "I64", []int{1}, make([]byte, 8)},
		entry{"short", "F32", []int{4}, f32(1, 2)},
	)

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Tensor("ints")
	require.ErrorContains(t, err, "unsupported dtype I64")

	_, err = f.Tensor("short")
	require.ErrorIs(t, err, latent.ErrShape)
}

func TestOpenInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]byte{
		"empty":     {},
		"huge":      append(binary.LittleEndian.AppendUint64(nil, 1<<40), '{', '}'),
		"not json":  append(binary.LittleEndian.AppendUint64(nil, 3), 'a', 'b', 'c'),
		"overflows": append(binary.LittleEndian.AppendUint64(nil, 58), []byte(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}    `)...),
	}

	for name, bts := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".safetensors")
			require.NoError(t, os.WriteFile(path, bts, 0o644))

			_, err := Open(path)
			require.ErrorIs(t, err, ErrInvalidHeader)
		})
	}

	_, err := Open(filepath.Join(dir, "missing.safetensors"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
