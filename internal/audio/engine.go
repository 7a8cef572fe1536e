package audio

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/trace"
)

// DeviceInfo describes a selectable input device.
type DeviceInfo struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"` // "microphone", "loopback" or ""
	Channels int     `json:"channels"`
	Rate     float64 `json:"default_sample_rate"`
	Default  bool    `json:"default"`
}

// Source is an open input stream of mono 16-bit PCM. Read blocks on device
// I/O; io.EOF ends the capture cleanly.
type Source interface {
	Read(buf []int16) (int, error)
	Close() error
}

// Opener lists and opens input devices. An empty device name selects the
// preferred input.
type Opener interface {
	Devices() ([]DeviceInfo, error)
	Open(device string, sampleRate, framesPerBuffer int) (Source, error)
}

// Config sets the capture format and segment geometry.
type Config struct {
	SampleRate      int
	FramesPerBuffer int
	SegmentDuration time.Duration
	OverlapDuration time.Duration
	QueueSize       int
}

// Engine runs one capture at a time on a dedicated goroutine and publishes
// segments on a bounded channel.
type Engine struct {
	opener Opener
	cfg    Config

	mu       sync.Mutex
	running  bool
	stop     func()
	done     chan struct{}
	err      error
	captured time.Duration
}

// NewEngine validates cfg and creates an idle engine.
func NewEngine(opener Opener, cfg Config) (*Engine, error) {
	if _, err := NewSegmenter(cfg.SampleRate, cfg.SegmentDuration, cfg.OverlapDuration); err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidArgument, "invalid segment geometry")
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	return &Engine{opener: opener, cfg: cfg}, nil
}

// Devices lists available input devices.
func (e *Engine) Devices() ([]DeviceInfo, error) {
	devs, err := e.opener.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DeviceUnavailable, "list input devices")
	}
	return devs, nil
}

// Start opens device and begins capture. The returned channel is closed when
// capture ends, after the trailing partial segment has been flushed.
func (e *Engine) Start(ctx context.Context, device string) (<-chan Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, apperrors.New(apperrors.AlreadyRecording, "capture already running")
	}

	seg, _ := NewSegmenter(e.cfg.SampleRate, e.cfg.SegmentDuration, e.cfg.OverlapDuration)
	src, err := e.opener.Open(device, e.cfg.SampleRate, e.cfg.FramesPerBuffer)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DeviceUnavailable, "open input device %q", device)
	}

	out := make(chan Segment, e.cfg.QueueSize)
	e.running = true
	e.err = nil
	e.captured = 0
	stopCh := make(chan struct{})
	e.stop = sync.OnceFunc(func() { close(stopCh) })
	e.done = make(chan struct{})

	go e.capture(ctx, src, seg, out, stopCh, e.done)
	trace.Logger(ctx).Info("audio capture started", "device", device, "rate", e.cfg.SampleRate,
		"segment", e.cfg.SegmentDuration, "overlap", e.cfg.OverlapDuration)
	return out, nil
}

// Interrupt asks the running capture to stop without waiting for it. The
// trailing partial segment is still flushed. It is a no-op when idle.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.stop()
	}
}

// Stop ends capture, flushes the trailing partial segment and waits for the
// capture goroutine. It returns the fatal capture error, if any. Stopping an
// idle engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		err := e.err
		e.mu.Unlock()
		return err
	}
	stop, done := e.stop, e.done
	e.mu.Unlock()

	stop()
	<-done
	return e.Err()
}

// Done is closed when the current capture goroutine exits.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err returns the error that ended the last capture, if it was fatal.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Captured returns the audio length of the last capture.
func (e *Engine) Captured() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captured
}

func (e *Engine) capture(ctx context.Context, src Source, seg *Segmenter, out chan<- Segment, stopCh, done chan struct{}) {
	log := trace.Logger(ctx)
	var fatal error

	defer func() {
		if err := src.Close(); err != nil {
			log.Debug("audio source close error", "error", err)
		}
		close(out)
		e.mu.Lock()
		e.running = false
		e.err = fatal
		e.captured = seg.Captured()
		e.mu.Unlock()
		close(done)
	}()

	flush := func() {
		if last, ok := seg.Flush(); ok {
			select {
			case out <- last:
			case <-ctx.Done():
			}
		}
	}

	buf := make([]int16, e.cfg.FramesPerBuffer)
	for {
		select {
		case <-stopCh:
			flush()
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			for _, s := range seg.Write(buf[:n]) {
				select {
				case out <- s:
				default:
					fatal = apperrors.Newf(apperrors.BackpressureExceeded,
						"segment queue full (%d pending), transcription cannot keep pace", cap(out)).
						WithMetadata("segment", strconv.Itoa(s.Index))
					log.Error("audio capture aborted", "error", fatal)
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			fatal = apperrors.Wrap(err, apperrors.DeviceUnavailable, "input device read failed")
			log.Error("audio capture aborted", "error", fatal)
			flush()
			return
		}
	}
}
