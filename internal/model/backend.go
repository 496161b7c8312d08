package model

import (
	"context"

	"github.com/loqalabs/loqa-asr/internal/features"
)

// Features is the model input produced by Preprocess and moved onto the
// device by Place.
type Features struct {
	Mel        features.Mel
	Samples    []float32
	SampleRate int
	// ValidFrames counts mel frames backed by real audio rather than padding.
	ValidFrames int
	Device      Device
	Precision   Precision
}

// Generation is the raw model output. Backends that decode natively fill Text.
type Generation struct {
	Tokens []int
	Text   string
}

// Backend abstracts a speech recognition engine. Implementations must be safe
// for concurrent use or serialize internally.
type Backend interface {
	Name() string
	Version() string
	Preprocess(samples []float32, sampleRate int) (Features, error)
	Place(f Features, s Strategy) (Features, error)
	Generate(ctx context.Context, f Features) (Generation, error)
	Decode(g Generation) (string, error)
	Close() error
}
