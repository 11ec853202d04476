package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend transcribes windows through the OpenAI audio.transcriptions
// API, requesting verbose JSON so segment timings survive.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

func (b *OpenAIBackend) Transcribe(ctx context.Context, req Request) ([]RawSegment, error) {
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.model,
		FilePath: "window.wav",
		Reader:   bytes.NewReader(req.Audio),
		Language: req.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return nil, nil
		}
		// No timings returned; treat the whole window as one segment.
		return []RawSegment{{
			Text:    resp.Text,
			StartMs: req.StartMs,
			EndMs:   req.EndMs,
		}}, nil
	}

	segs := make([]RawSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, RawSegment{
			Text:    s.Text,
			StartMs: req.StartMs + int64(s.Start*1000),
			EndMs:   req.StartMs + int64(s.End*1000),
		})
	}
	return segs, nil
}

// classifyOpenAIError maps 4xx-class API errors to fatal; everything else
// (timeouts, 5xx, transport failures) stays retryable.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return Fatal(fmt.Errorf("openai: %w", err))
		}
	}
	return fmt.Errorf("openai: %w", err)
}
