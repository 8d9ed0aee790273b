package service

import "errors"

const (
	ImageSize = 112
	Channels  = 3
	TensorLen = ImageSize * ImageSize * Channels

	// EmbeddingDim is the output width of the ArcFace model.
	EmbeddingDim = 512
)

// InputShape is the NHWC layout of a single preprocessed face.
var InputShape = []int64{1, ImageSize, ImageSize, Channels}

var (
	ErrDecode           = errors.New("decode image")
	ErrInference        = errors.New("inference")
	ErrStore            = errors.New("store write")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Metadata is caller-supplied context for one ingested image. Empty strings
// mean absent.
type Metadata struct {
	Name      string
	SourceURL string
}

// Face is the record persisted for every successfully processed image.
type Face struct {
	ID        uint32               `json:"id"`
	Name      *string              `json:"name,omitempty"`
	SourceURL *string              `json:"source_url,omitempty"`
	Date      *string              `json:"date,omitempty"`
	Vectors   map[string][]float32 `json:"_vectors"`
}
