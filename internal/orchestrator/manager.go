// Package orchestrator runs recording sessions: capture feeds the
// transcription dispatcher, a single stitcher task merges results in order
// and persists them, and stop finalizes or discards the recording.
package orchestrator

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/audio"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/orchestrator/live"
	"github.com/GriffinCanCode/voicelog/internal/orchestrator/session"
	"github.com/GriffinCanCode/voicelog/internal/resilience"
	"github.com/GriffinCanCode/voicelog/internal/store"
	"github.com/GriffinCanCode/voicelog/internal/syncx"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcribe"
	"github.com/GriffinCanCode/voicelog/internal/transcript"
)

// Settings are the control selections applied to the next session.
type Settings struct {
	ModelTag string `json:"model"`
	Device   string `json:"device"`
}

// Config configures a Manager.
type Config struct {
	Settings
	SegmentDuration time.Duration
	OverlapDuration time.Duration
	StitchWindow    int
}

// Status is a snapshot of the pipeline.
type Status struct {
	State     string           `json:"state"`
	Session   *session.Session `json:"session,omitempty"`
	Settings  Settings         `json:"settings"`
	Elapsed   float64          `json:"elapsed_seconds,omitempty"`
	Segments  int              `json:"segments"`
	WordCount int              `json:"word_count"`
	Models    []string         `json:"loaded_models,omitempty"`
	// Inference is the remote inference circuit state, once it has changed.
	Inference string `json:"inference,omitempty"`
}

// Result is the outcome of a finished session.
type Result struct {
	ID          string           `json:"id"`
	State       string           `json:"state"`
	Recording   *store.Recording `json:"recording,omitempty"`
	Unavailable []int            `json:"unavailable_segments,omitempty"`
	AbortReason string           `json:"abort_reason,omitempty"`
}

// Manager owns the recording pipeline. At most one session runs at a time.
type Manager struct {
	engine   *audio.Engine
	disp     *transcribe.Dispatcher
	store    *store.Store
	cfg      Config
	machine  *session.Machine
	settings *syncx.RWGuard[Settings]
	feed     *live.Feed
	now      func() time.Time

	mu     sync.Mutex // serializes Start and Stop
	active *pipeline

	inference atomic.Pointer[resilience.State]
}

// pipeline is the state of one running session.
type pipeline struct {
	id       string
	tag      string
	writer   *store.Writer
	run      *transcribe.Run
	stitcher *transcript.Stitcher
	cancel   context.CancelFunc
	started  time.Time

	segments   atomic.Int64
	words      atomic.Int64
	persistErr error // set by the stitcher task only

	stitched chan struct{}
	finished chan struct{}
	result   Result
	err      error
}

// New creates a manager.
func New(engine *audio.Engine, disp *transcribe.Dispatcher, st *store.Store, cfg Config) *Manager {
	return &Manager{
		engine:   engine,
		disp:     disp,
		store:    st,
		cfg:      cfg,
		machine:  session.New(),
		settings: syncx.NewGuard(cfg.Settings),
		feed:     live.NewFeed(FeedRecentEvents, FeedEventBuffer),
		now:      time.Now,
	}
}

// Events returns the live transcript feed.
func (m *Manager) Events() <-chan live.Event { return m.feed.Events() }

// Recent returns the kept live events of the current or last session.
func (m *Manager) Recent() []live.Event {
	return m.feed.Recent(m.machine.Current().ID)
}

// Settings returns the current control selections.
func (m *Manager) Settings() Settings { return m.settings.Get() }

// SetModel selects the model tag for the next session. The model is loaded
// first, so an unusable tag is rejected and the previous one kept.
func (m *Manager) SetModel(ctx context.Context, tag string) (Settings, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return m.Settings(), apperrors.New(apperrors.InvalidArgument, "model tag must not be empty")
	}
	if err := m.disp.Warm(ctx, tag); err != nil {
		return m.Settings(), err
	}
	s := syncx.Mutate(m.settings, func(s *Settings) Settings {
		s.ModelTag = tag
		return *s
	})
	trace.Logger(ctx).Info("model selected", "model", tag)
	return s, nil
}

// SetDevice selects the input device for the next session. An empty name
// selects the system default.
func (m *Manager) SetDevice(ctx context.Context, name string) (Settings, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		devs, err := m.engine.Devices()
		if err != nil {
			return m.Settings(), err
		}
		if !slices.ContainsFunc(devs, func(d audio.DeviceInfo) bool { return d.Name == name }) {
			return m.Settings(), apperrors.Newf(apperrors.InvalidArgument, "unknown input device %q", name)
		}
	}
	s := syncx.Mutate(m.settings, func(s *Settings) Settings {
		s.Device = name
		return *s
	})
	trace.Logger(ctx).Info("input device selected", "device", name)
	return s, nil
}

// Devices lists input devices.
func (m *Manager) Devices() ([]audio.DeviceInfo, error) { return m.engine.Devices() }

// Status reports the session state and progress.
func (m *Manager) Status() Status {
	cur := m.machine.Current()
	st := Status{State: cur.State.String(), Settings: m.Settings()}
	if cur.State != session.Idle {
		st.Session = &cur
	}

	m.mu.Lock()
	p := m.active
	m.mu.Unlock()
	if p != nil {
		st.Elapsed = m.now().Sub(p.started).Seconds()
		st.Segments = int(p.segments.Load())
		st.WordCount = int(p.words.Load())
	}
	st.Models = m.disp.Models()
	if s := m.inference.Load(); s != nil {
		st.Inference = s.String()
	}
	return st
}

// InferenceStateChanged records a transition of the inference circuit
// breaker and publishes it on the live feed.
func (m *Manager) InferenceStateChanged(from, to resilience.State) {
	m.inference.Store(&to)
	id := m.machine.Current().ID
	log := trace.Logger(context.Background())
	if to == resilience.Open {
		log.Warn("inference circuit opened", "recording_id", id)
	} else {
		log.Info("inference circuit changed", "from", from, "to", to, "recording_id", id)
	}
	m.feed.Emit(live.Event{Type: live.TypeInference, RecordingID: id, State: to.String()})
}

// Start begins a session with the current settings: the model is loaded,
// the recording created, capture started and the transcription run wired to
// the stitcher task.
func (m *Manager) Start(ctx context.Context) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.machine.State(); st.Active() {
		return session.Session{}, apperrors.New(apperrors.AlreadyRecording, "a recording is already in progress").
			WithMetadata("state", st.String())
	}
	set := m.Settings()
	log := trace.Logger(ctx)

	// The model stays pinned until the run ends, whatever SetModel loads
	// in the meantime.
	lease, err := m.disp.Acquire(ctx, set.ModelTag)
	if err != nil {
		log.Error("recording not started", "model", set.ModelTag, "error", err)
		return session.Session{}, err
	}

	now := m.now()
	w, err := m.store.Begin(ctx, now, func(r *store.Recording) {
		r.Model = set.ModelTag
		r.Device = set.Device
		r.SegmentDuration = int(m.cfg.SegmentDuration / time.Second)
		r.OverlapDuration = int(m.cfg.OverlapDuration / time.Second)
	})
	if err != nil {
		lease.Release()
		return session.Session{}, err
	}

	// The pipeline outlives the request that started it.
	pctx, cancel := context.WithCancel(trace.WithSession(context.WithoutCancel(ctx), w.ID()))
	segs, err := m.engine.Start(pctx, set.Device)
	if err != nil {
		cancel()
		lease.Release()
		if derr := w.Discard(ctx); derr != nil {
			log.Warn("discard after failed start", "id", w.ID(), "error", derr)
		}
		return session.Session{}, err
	}
	captureDone := m.engine.Done()

	sess := session.Session{
		ID:              w.ID(),
		ModelTag:        set.ModelTag,
		SegmentDuration: m.cfg.SegmentDuration,
		OverlapDuration: m.cfg.OverlapDuration,
		Device:          set.Device,
		CreatedAt:       now,
	}
	if err := m.machine.Start(sess); err != nil {
		cancel()
		lease.Release()
		_ = m.engine.Stop()
		_ = w.Discard(ctx)
		return session.Session{}, err
	}

	p := &pipeline{
		id:       w.ID(),
		tag:      set.ModelTag,
		writer:   w,
		run:      m.disp.Run(pctx, lease, segs),
		stitcher: transcript.NewStitcher(m.cfg.StitchWindow),
		cancel:   cancel,
		started:  now,
		stitched: make(chan struct{}),
		finished: make(chan struct{}),
	}
	m.active = p
	m.feed.Reset()
	m.feed.Emit(live.Event{Type: live.TypeState, RecordingID: p.id, State: session.Recording.String()})

	go m.stitch(pctx, p)
	go m.watch(pctx, p, captureDone)

	trace.Logger(pctx).Info("recording started", "model", set.ModelTag, "device", set.Device)
	return m.machine.Current(), nil
}

// Stop ends capture, lets in-flight segments drain and finalizes. Stopping
// with no active session is a no-op that reports the current state.
func (m *Manager) Stop(ctx context.Context) (Result, error) {
	m.mu.Lock()
	p := m.active
	if p == nil {
		m.mu.Unlock()
		cur := m.machine.Current()
		trace.Logger(ctx).Debug("stop ignored", "state", cur.State)
		return Result{ID: cur.ID, State: cur.State.String()}, nil
	}
	m.machine.Stop()
	// Interrupt while holding mu: once it is released the session may end
	// and a new one own the engine.
	m.engine.Interrupt()
	m.mu.Unlock()

	select {
	case <-p.finished:
		return p.result, p.err
	case <-ctx.Done():
		return Result{ID: p.id, State: session.Finalizing.String()},
			apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "waiting for finalization")
	}
}

// Close stops an active session, waiting at most StopTimeout.
func (m *Manager) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	_, err := m.Stop(ctx)
	return err
}

// stitch is the single writer of the running transcript and of the
// recording's files. It consumes results in index order until the run ends.
func (m *Manager) stitch(ctx context.Context, p *pipeline) {
	defer close(p.stitched)
	log := trace.Logger(ctx)

	for seg := range p.run.Results() {
		if p.persistErr != nil {
			continue
		}
		if err := p.writer.AppendSegment(ctx, seg); err != nil {
			m.persistFailed(ctx, p, err)
			continue
		}

		step := p.stitcher.Append(ctx, transcript.Piece{
			Index:        seg.Index,
			Text:         seg.Text,
			Unavailable:  seg.Status == audio.Unavailable,
			OverlapRatio: seg.OverlapRatio(),
		})
		text := p.stitcher.Text()
		unavailable := p.run.Stats().Unavailable
		p.segments.Store(int64(p.stitcher.Pieces()))
		p.words.Store(int64(p.stitcher.WordCount()))

		err := p.writer.Update(ctx, func(r *store.Recording) {
			r.Transcription = text
			r.SegmentCount = p.stitcher.Pieces()
			r.UnavailableSegments = unavailable
			r.Duration = transcript.FormatDuration(p.writer.Captured())
		})
		if err != nil {
			m.persistFailed(ctx, p, err)
			continue
		}

		log.Debug("segment stitched", "segment", seg.Index, "dropped", step.Dropped, "words", p.stitcher.WordCount())
		m.feed.Emit(live.Event{
			Type:        live.TypeSegment,
			RecordingID: p.id,
			Segment:     seg.Index,
			Text:        step.Added,
			Unavailable: seg.Status == audio.Unavailable,
			WordCount:   p.stitcher.WordCount(),
		})
	}
}

// persistFailed aborts the session: capture and inference are cancelled and
// the remaining results are drained unprocessed.
func (m *Manager) persistFailed(ctx context.Context, p *pipeline, err error) {
	p.persistErr = err
	trace.Logger(ctx).Error("persisting recording failed, aborting", "error", err)
	p.cancel()
}

// watch waits for capture to end, whether stopped, exhausted or failed, and
// finalizes the session. A model failure stops capture and ends the session
// like a capture failure.
func (m *Manager) watch(ctx context.Context, p *pipeline, captureDone <-chan struct{}) {
	defer close(p.finished)
	defer p.cancel()

	select {
	case <-captureDone:
	case <-p.run.Failed():
		trace.Logger(ctx).Error("model failed, stopping capture", "model", p.tag, "error", p.run.Err())
		m.stopCapture(p)
		<-captureDone
	}
	fatal := m.engine.Err()
	p.run.StartDrain()
	<-p.stitched
	<-p.run.Done()
	if err := p.run.Err(); err != nil {
		fatal = err
	}

	m.machine.Stop()
	p.result, p.err = m.finalize(context.WithoutCancel(ctx), p, fatal)

	m.mu.Lock()
	if m.active == p {
		m.active = nil
	}
	m.mu.Unlock()

	m.feed.Emit(live.Event{Type: live.TypeState, RecordingID: p.id, State: p.result.State, Reason: errString(p.err, fatal)})
}

// stopCapture interrupts capture if p is still the active session.
func (m *Manager) stopCapture(p *pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == p {
		m.machine.Stop()
		m.engine.Interrupt()
	}
}

// finalize persists or discards the session. captureErr is the error that
// ended it early, from capture or from the model; with text it marks the
// recording aborted and without text it is returned.
func (m *Manager) finalize(ctx context.Context, p *pipeline, captureErr error) (Result, error) {
	log := trace.Logger(ctx)
	unavailable := p.run.Stats().Unavailable
	res := Result{ID: p.id, Unavailable: unavailable}

	if p.persistErr != nil {
		m.discard(ctx, p)
		_ = m.machine.Abort()
		res.State = session.Discarded.String()
		return res, p.persistErr
	}

	text := p.stitcher.Text()
	nonEmpty := strings.TrimSpace(text) != ""
	if !nonEmpty {
		state, _ := m.machine.Finalize(false)
		m.discard(ctx, p)
		res.State = state.String()
		log.Info("empty recording discarded", "capture_error", captureErr)
		return res, captureErr
	}

	rec, err := p.writer.Finalize(ctx, text, func(r *store.Recording) {
		r.SegmentCount = p.stitcher.Pieces()
		r.UnavailableSegments = unavailable
		if captureErr != nil {
			r.Status = store.StatusAborted
			r.AbortReason = captureErr.Error()
		}
	})
	if err != nil {
		log.Error("finalizing recording failed, discarding", "error", err)
		m.discard(ctx, p)
		_ = m.machine.Abort()
		res.State = session.Discarded.String()
		return res, err
	}

	state, _ := m.machine.Finalize(true)
	res.State = state.String()
	res.Recording = rec
	if captureErr != nil {
		res.AbortReason = rec.AbortReason
		log.Warn("recording aborted, captured audio kept", "error", captureErr, "duration", rec.Duration)
	}
	return res, nil
}

// Retranscribe runs a finished recording's full audio through model tag
// again and replaces its transcript. The audio is cut with the segment and
// overlap durations it was recorded with. A blank tag uses the current model
// selection. The stored transcript is left alone unless the new run
// completes with text.
func (m *Manager) Retranscribe(ctx context.Context, id, tag string) (*store.Recording, error) {
	tag = cmp.Or(strings.TrimSpace(tag), m.Settings().ModelTag)
	ctx = trace.WithSession(ctx, id)
	log := trace.Logger(ctx)

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == store.StatusRecording {
		return nil, apperrors.New(apperrors.AlreadyRecording, "recording is still in progress").WithMetadata("id", id)
	}
	segmenter, err := audio.NewSegmenter(m.store.SampleRate(),
		cmp.Or(time.Duration(rec.SegmentDuration)*time.Second, m.cfg.SegmentDuration),
		cmp.Or(time.Duration(rec.OverlapDuration)*time.Second, m.cfg.OverlapDuration))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.InvalidArgument, "segment geometry of %s", id)
	}
	samples, err := m.store.Audio(ctx, id)
	if err != nil {
		return nil, err
	}
	segs := segmenter.Write(samples)
	if last, ok := segmenter.Flush(); ok {
		segs = append(segs, last)
	}
	if len(segs) == 0 {
		return nil, apperrors.New(apperrors.InvalidArgument, "recording has no audio").WithMetadata("id", id)
	}

	lease, err := m.disp.Acquire(ctx, tag)
	if err != nil {
		return nil, err
	}
	in := make(chan audio.Segment, len(segs))
	for _, seg := range segs {
		in <- seg
	}
	close(in)

	run := m.disp.Run(ctx, lease, in)
	stitcher := transcript.NewStitcher(m.cfg.StitchWindow)
	for seg := range run.Results() {
		stitcher.Append(ctx, transcript.Piece{
			Index:        seg.Index,
			Text:         seg.Text,
			Unavailable:  seg.Status == audio.Unavailable,
			OverlapRatio: seg.OverlapRatio(),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Cancelled, "retranscription cancelled")
	}
	if err := run.Err(); err != nil {
		return nil, err
	}
	text := stitcher.Text()
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.New(apperrors.InvalidArgument, "retranscription produced no text").WithMetadata("id", id)
	}

	unavailable := run.Stats().Unavailable
	out, err := m.store.ReplaceTranscript(ctx, id, text, func(r *store.Recording) {
		r.Model = tag
		r.SegmentCount = stitcher.Pieces()
		r.UnavailableSegments = unavailable
	})
	if err != nil {
		return nil, err
	}
	log.Info("recording retranscribed", "model", tag, "segments", len(segs), "unavailable", len(unavailable))
	return out, nil
}

func (m *Manager) discard(ctx context.Context, p *pipeline) {
	if err := p.writer.Discard(ctx); err != nil {
		trace.Logger(ctx).Error("discarding recording failed", "id", p.id, "error", err)
	}
}

func errString(errs ...error) string {
	for _, err := range errs {
		if err != nil {
			return err.Error()
		}
	}
	return ""
}
