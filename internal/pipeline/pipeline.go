// Package pipeline defines the boundary over speech-to-text and
// text-to-speech backends. Implementations hold no session state; each
// call is independent and the core never retries on its own.
package pipeline

import (
	"context"
	"fmt"
)

// Transcription is the result of one speech-to-text call.
type Transcription struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, payload []byte) (Transcription, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Provider bundles both capabilities the way backends expose them.
type Provider interface {
	Transcriber
	Synthesizer
}

// AdapterError is a processing failure for a single unit of work.
// Retry policy, if any, belongs to the caller.
type AdapterError struct {
	Op        string
	Detail    string
	Retryable bool
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("pipeline %s failed: %s", e.Op, e.Detail)
}
