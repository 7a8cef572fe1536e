package transcribe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/audio"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/resilience"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcript"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the inference pool size when none is configured.
const DefaultWorkers = 2

// Config tunes a Dispatcher.
type Config struct {
	Workers  int
	Language string
	// DrainTimeout bounds how long in-flight segments may keep running after
	// the input closes. Zero waits indefinitely.
	DrainTimeout time.Duration
	Retry        resilience.RetryConfig
	// SilenceThreshold skips inference for segments whose RMS level is
	// below it; they come back Transcribed with no text. Zero disables it.
	SilenceThreshold float64
}

// Dispatcher transcribes segments with models from a ModelCache.
type Dispatcher struct {
	cache *ModelCache
	cfg   Config
}

// NewDispatcher creates a dispatcher. A zero Retry gets the transcription
// defaults.
func NewDispatcher(cache *ModelCache, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retry.IsRetryable == nil {
		cfg.Retry = resilience.TranscribeRetryConfig(cfg.Retry.MaxRetries)
	}
	return &Dispatcher{cache: cache, cfg: cfg}
}

// Warm loads tag ahead of the first segment so load failures surface before
// a recording starts.
func (d *Dispatcher) Warm(ctx context.Context, tag string) error {
	_, err := d.cache.Get(ctx, tag)
	return err
}

// Models lists the loaded model tags, most recently used first.
func (d *Dispatcher) Models() []string { return d.cache.Tags() }

// Lease holds a loaded model for the length of a run. While it is held the
// cache will not evict or close the model.
type Lease struct {
	Tag     string
	model   Model
	release func()
}

// Release unpins the model. It is safe to call more than once.
func (l *Lease) Release() { l.release() }

// Acquire loads tag and pins it. A load failure is a ModelLoadError.
func (d *Dispatcher) Acquire(ctx context.Context, tag string) (*Lease, error) {
	m, release, err := d.cache.Acquire(ctx, tag)
	if err != nil {
		return nil, err
	}
	return &Lease{Tag: tag, model: m, release: release}, nil
}

// transcribe runs one segment on the leased model, retrying retryable
// failures with backoff. When they are exhausted, or on any other failure,
// the segment comes back Unavailable with placeholder text and the cause is
// returned alongside it.
func (d *Dispatcher) transcribe(ctx context.Context, lease *Lease, seg audio.Segment) (audio.Segment, error) {
	ctx, span := trace.StartSpan(ctx, "transcribe.segment")
	span.SetAttr("segment", seg.Index)
	span.SetAttr("model", lease.Tag)
	defer span.End()
	log := trace.Logger(ctx)

	if d.cfg.SilenceThreshold > 0 && seg.RMS() < d.cfg.SilenceThreshold {
		seg.Text, seg.Confidence, seg.Status = "", 1, audio.Transcribed
		span.SetAttr("silent", true)
		log.Debug("silent segment skipped", "segment", seg.Index, "rms", seg.RMS())
		return seg, nil
	}

	req := Request{
		SegmentIndex: seg.Index,
		Samples:      seg.Samples,
		SampleRate:   seg.SampleRate,
		Language:     d.cfg.Language,
	}
	inf, err := resilience.RetryValue(ctx, d.cfg.Retry, func() (Inference, error) {
		return infer(ctx, lease.model, req)
	})
	if err != nil {
		log.Warn("segment unavailable", "segment", seg.Index, "error", err)
		return unavailable(seg), err
	}
	seg.Text = strings.TrimSpace(inf.Text)
	seg.Confidence = inf.Confidence
	seg.Status = audio.Transcribed
	log.Debug("segment transcribed", "segment", seg.Index, "words", len(strings.Fields(seg.Text)))
	return seg, nil
}

func unavailable(seg audio.Segment) audio.Segment {
	seg.Text = transcript.Placeholder(seg.Index)
	seg.Confidence = 0
	seg.Status = audio.Unavailable
	return seg
}

// Stats summarizes a finished run.
type Stats struct {
	Transcribed int
	Unavailable []int
}

// Run is one session's transcription pipeline.
type Run struct {
	results    chan audio.Segment
	done       chan struct{}
	failed     chan struct{}
	startDrain func()

	mu    sync.Mutex
	stats Stats
	err   error
}

// Results yields every input segment exactly once, in index order. It is
// closed after the last segment. The caller must keep receiving until then.
func (r *Run) Results() <-chan audio.Segment { return r.results }

// Done is closed once Results is closed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Failed is closed when the model fails with a ModelLoadError. Every segment
// after that is released Unavailable without inference.
func (r *Run) Failed() <-chan struct{} { return r.failed }

// Err returns the ModelLoadError that failed the run, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// StartDrain starts the drain timeout now rather than when the dispatch loop
// sees the input close, which it cannot while every worker is busy. Call it
// once the producer has stopped.
func (r *Run) StartDrain() { r.startDrain() }

// Stats returns counts so far.
func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Unavailable = append([]int(nil), r.stats.Unavailable...)
	return s
}

func (r *Run) record(seg audio.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seg.Status == audio.Unavailable {
		r.stats.Unavailable = append(r.stats.Unavailable, seg.Index)
	} else {
		r.stats.Transcribed++
	}
}

func (r *Run) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false
	}
	r.err = err
	close(r.failed)
	return true
}

// Run consumes in on the worker pool until it is closed, using the leased
// model for every segment, and releases the lease when it is done. While all
// workers are busy Run stops receiving, which is what fills the capture
// queue. After in closes (or StartDrain is called), queued and in-flight
// segments get DrainTimeout to finish; then inference is cancelled and
// everything not yet transcribed is released Unavailable. Cancelling ctx or
// a ModelLoadError from the model does the same at once.
func (d *Dispatcher) Run(ctx context.Context, lease *Lease, in <-chan audio.Segment) *Run {
	r := &Run{
		results: make(chan audio.Segment, d.cfg.Workers),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
	log := trace.Logger(ctx)
	inferCtx, cancel := context.WithCancel(ctx)
	completed := make(chan audio.Segment, d.cfg.Workers)
	finished := make(chan struct{})

	r.startDrain = sync.OnceFunc(func() {
		if d.cfg.DrainTimeout <= 0 {
			return
		}
		time.AfterFunc(d.cfg.DrainTimeout, func() {
			select {
			case <-finished:
			default:
				log.Warn("drain timeout, cancelling pending segments", "timeout", d.cfg.DrainTimeout)
				cancel()
			}
		})
	})

	go func() {
		defer close(completed)
		defer close(finished)
		defer lease.Release()
		defer cancel()

		slots := make(chan struct{}, d.cfg.Workers)
		var g errgroup.Group
		for seg := range in {
			if !acquireSlot(inferCtx, slots) {
				completed <- unavailable(seg)
				continue
			}
			g.Go(func() error {
				defer func() { <-slots }()
				out, err := d.transcribe(inferCtx, lease, seg)
				if apperrors.IsCode(err, apperrors.ModelLoadError) && r.fail(err) {
					log.Error("model failed, cancelling run", "model", lease.Tag, "error", err)
					cancel()
				}
				completed <- out
				return nil
			})
		}
		r.StartDrain()
		_ = g.Wait()
	}()

	go func() {
		defer close(r.done)
		defer close(r.results)

		buf := newReorderBuffer()
		for seg := range completed {
			for _, ready := range buf.push(seg) {
				r.record(ready)
				r.results <- ready
			}
		}
		if n := buf.pending(); n > 0 {
			log.Warn("releasing segments after gap", "held", n, "expected", buf.next)
		}
		for _, rest := range buf.drain() {
			r.record(rest)
			r.results <- rest
		}
	}()

	return r
}

// acquireSlot waits for a free worker. It fails once ctx is done, so
// segments still queued at the drain deadline never reach the model.
func acquireSlot(ctx context.Context, slots chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case slots <- struct{}{}:
		if ctx.Err() != nil {
			<-slots
			return false
		}
		return true
	case <-ctx.Done():
		return false
	}
}
