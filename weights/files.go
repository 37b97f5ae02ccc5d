// Package weights locates the tokenizer and network weight files of the
// cascade, downloading missing files into a local cache.
package weights

import "fmt"

const (
	DecoderRepo = "warp-ai/wuerstchen"
	PriorRepo   = "warp-ai/wuerstchen-prior"
)

type File int

const (
	Tokenizer File = iota
	PriorTokenizer
	CLIP
	PriorCLIP
	Decoder
	VQGAN
	Prior
)

// Files lists every file a generation needs, in load order.
func Files() []File {
	return []File{PriorTokenizer, PriorCLIP, Prior, Tokenizer, CLIP, Decoder, VQGAN}
}

func (f File) String() string {
	switch f {
	case Tokenizer:
		return "tokenizer"
	case PriorTokenizer:
		return "prior-tokenizer"
	case CLIP:
		return "clip"
	case PriorCLIP:
		return "prior-clip"
	case Decoder:
		return "decoder"
	case VQGAN:
		return "vqgan"
	case Prior:
		return "prior"
	default:
		return fmt.Sprintf("File(%d)", int(f))
	}
}

// Repo is the Hugging Face repository hosting the file.
func (f File) Repo() string {
	switch f {
	case PriorTokenizer, PriorCLIP, Prior:
		return PriorRepo
	default:
		return DecoderRepo
	}
}

// Path is the file's path inside its repository.
func (f File) Path() string {
	switch f {
	case Tokenizer, PriorTokenizer:
		return "tokenizer/tokenizer.json"
	case CLIP, PriorCLIP:
		return "text_encoder/model.safetensors"
	case Decoder:
		return "decoder/diffusion_pytorch_model.safetensors"
	case VQGAN:
		return "vqgan/diffusion_pytorch_model.safetensors"
	case Prior:
		return "prior/diffusion_pytorch_model.safetensors"
	default:
		return ""
	}
}

// IsTokenizer reports whether the file is a tokenizer.json rather than
// safetensors weights.
func (f File) IsTokenizer() bool {
	return f == Tokenizer || f == PriorTokenizer
}
