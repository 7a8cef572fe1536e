// Package transcribe turns captured segments into text. It keeps loaded
// speech models in a small cache and runs inference on a bounded worker
// pool, releasing results strictly in segment order.
package transcribe

import (
	"context"
)

// Request is one inference call: mono PCM plus hints.
type Request struct {
	SegmentIndex int
	Samples      []int16
	SampleRate   int
	Language     string // empty lets the model detect it
}

// Inference is a model's answer for one request.
type Inference struct {
	Text       string
	Confidence float64
}

// Model is a loaded speech model bound to one tag.
type Model interface {
	Infer(ctx context.Context, req Request) (Inference, error)
}

// Engine loads models by tag. Load failures should be reported as
// ModelLoadError; transient inference failures as TranscriptionTransient.
type Engine interface {
	Load(ctx context.Context, tag string) (Model, error)
}

// infer calls m but gives up as soon as ctx is done, even if the backend
// ignores cancellation.
func infer(ctx context.Context, m Model, req Request) (Inference, error) {
	type result struct {
		inf Inference
		err error
	}
	ch := make(chan result, 1)
	go func() {
		inf, err := m.Infer(ctx, req)
		ch <- result{inf, err}
	}()

	select {
	case r := <-ch:
		return r.inf, r.err
	case <-ctx.Done():
		return Inference{}, ctx.Err()
	}
}
