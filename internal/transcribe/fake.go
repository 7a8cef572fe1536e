package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is an in-memory Engine for tests and offline runs.
type FakeEngine struct {
	// Transcript answers each request; nil answers "segment N".
	Transcript func(req Request) (string, error)
	LoadErr    error
	// FailReloads fails every load of a tag after its first.
	FailReloads bool
	Delay       time.Duration

	mu     sync.Mutex
	loads  map[string]int
	closed []string
}

func (f *FakeEngine) Load(ctx context.Context, tag string) (Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loads == nil {
		f.loads = make(map[string]int)
	}
	f.loads[tag]++
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	if f.FailReloads && f.loads[tag] > 1 {
		return nil, fmt.Errorf("model %s: weights no longer available", tag)
	}
	return &fakeModel{f: f, tag: tag}, nil
}

// Loads returns how many times tag was loaded.
func (f *FakeEngine) Loads(tag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[tag]
}

// Closed returns the tags of models that were closed, in order.
func (f *FakeEngine) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeModel struct {
	f   *FakeEngine
	tag string
}

func (m *fakeModel) Infer(ctx context.Context, req Request) (Inference, error) {
	if m.f.Delay > 0 {
		select {
		case <-time.After(m.f.Delay):
		case <-ctx.Done():
			return Inference{}, ctx.Err()
		}
	}
	if m.f.Transcript == nil {
		return Inference{Text: fmt.Sprintf("segment %d", req.SegmentIndex), Confidence: 1}, nil
	}
	text, err := m.f.Transcript(req)
	if err != nil {
		return Inference{}, err
	}
	return Inference{Text: text, Confidence: 0.9}, nil
}

func (m *fakeModel) Close() error {
	m.f.mu.Lock()
	defer m.f.mu.Unlock()
	m.f.closed = append(m.f.closed, m.tag)
	return nil
}
