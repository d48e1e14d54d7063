package pipeline

import (
	"context"
	"strings"
)

// StubProvider is the development backend used when no real speech service
// is configured. Output shapes match a real provider so the session and
// room layers exercise the same paths either way.
type StubProvider struct{}

func NewStubProvider() *StubProvider { return &StubProvider{} }

func (p *StubProvider) Transcribe(ctx context.Context, payload []byte) (Transcription, error) {
	if err := ctx.Err(); err != nil {
		return Transcription{}, err
	}
	if len(payload) == 0 {
		return Transcription{}, &AdapterError{Op: "transcribe", Detail: "empty audio payload"}
	}
	return Transcription{
		Transcript: "Hello, how can I help you today?",
		Confidence: 0.95,
	}, nil
}

func (p *StubProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &AdapterError{Op: "synthesize", Detail: "empty text"}
	}
	return []byte("dummy_audio_content"), nil
}
