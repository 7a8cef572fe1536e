package audio

import (
	"errors"
	"io"
	"sync"
	"time"
)

// FakeOpener replays in-memory PCM as a capture device. It is used by tests
// and by offline runs that transcribe an existing file.
type FakeOpener struct {
	Samples []int16
	DevList []DeviceInfo
	OpenErr error
	// FailAt makes Read return ReadErr once this many samples were delivered.
	FailAt  int
	ReadErr error
	// Hold keeps the stream open after the samples run out, as a live
	// microphone would, until the engine stops it.
	Hold bool
	// Pace sleeps between reads.
	Pace time.Duration

	mu     sync.Mutex
	opened []string
}

// Devices returns DevList.
func (f *FakeOpener) Devices() ([]DeviceInfo, error) { return f.DevList, nil }

// Opened returns the device names passed to Open, in order.
func (f *FakeOpener) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *FakeOpener) Open(device string, _, _ int) (Source, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.mu.Lock()
	f.opened = append(f.opened, device)
	f.mu.Unlock()
	return &fakeSource{f: f, closed: make(chan struct{})}, nil
}

type fakeSource struct {
	f         *FakeOpener
	pos       int
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSource) Read(dst []int16) (int, error) {
	if s.f.Pace > 0 {
		time.Sleep(s.f.Pace)
	}
	if s.f.ReadErr != nil && s.pos >= s.f.FailAt {
		return 0, s.f.ReadErr
	}
	if s.pos >= len(s.f.Samples) {
		if !s.f.Hold {
			return 0, io.EOF
		}
		select {
		case <-s.closed:
			return 0, errors.New("fake source closed")
		case <-time.After(time.Millisecond):
			return 0, nil
		}
	}
	end := min(s.pos+len(dst), len(s.f.Samples))
	if s.f.ReadErr != nil {
		end = min(end, max(s.f.FailAt, s.pos))
	}
	n := copy(dst, s.f.Samples[s.pos:end])
	s.pos += n
	return n, nil
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
