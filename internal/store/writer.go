package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/audio"
	"github.com/GriffinCanCode/voicelog/internal/encoder"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcript"
)

// Writer is the write side of one in-progress recording. It is used by a
// single goroutine; title updates from readers go through the shared
// per-recording lock.
type Writer struct {
	s    *Store
	id   string
	wav  *encoder.WAVWriter
	done bool
}

// Begin creates the directory, the empty full-audio file and the initial
// document for a recording started at now. init may fill in session fields.
func (s *Store) Begin(ctx context.Context, now time.Time, init func(*Recording)) (*Writer, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	var id string
	for {
		id = s.NewID(now)
		err := os.Mkdir(s.dir(id), 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, apperrors.Wrapf(err, apperrors.Internal, "create recording dir %s", id)
		}
	}

	w := &Writer{s: s, id: id}
	fail := func(err error) (*Writer, error) {
		os.RemoveAll(s.dir(id))
		return nil, err
	}

	if s.opts.SegmentFiles {
		if err := os.Mkdir(filepath.Join(s.dir(id), "segments"), 0o755); err != nil {
			return fail(apperrors.Wrapf(err, apperrors.Internal, "create segments dir %s", id))
		}
	}
	wav, err := encoder.CreateWAV(s.audioPath(id), s.opts.SampleRate)
	if err != nil {
		return fail(apperrors.Wrapf(err, apperrors.Internal, "create audio file %s", id))
	}
	w.wav = wav

	rec := NewRecording(id, now)
	if init != nil {
		init(&rec)
	}
	rec.ID, rec.Status = id, StatusRecording

	unlock := s.locks.Lock(id)
	err = s.writeDoc(ctx, &rec)
	unlock()
	if err != nil {
		wav.Close()
		return fail(err)
	}

	trace.Logger(ctx).Info("recording created", "id", id, "dir", s.dir(id))
	return w, nil
}

// ID returns the recording ID.
func (w *Writer) ID() string { return w.id }

// Captured returns the length of the full audio written so far.
func (w *Writer) Captured() time.Duration {
	return time.Duration(w.wav.Samples()) * time.Second / time.Duration(w.s.opts.SampleRate)
}

// AppendSegment stores seg's audio file and appends the part of seg not
// already in the full audio. Segments must arrive in index order.
func (w *Writer) AppendSegment(ctx context.Context, seg audio.Segment) error {
	if w.done {
		return apperrors.New(apperrors.NotRecording, "recording already finalized").WithMetadata("id", w.id)
	}

	if w.s.opts.SegmentFiles {
		data, err := encoder.Encode(w.s.opts.SegmentFormat, seg.Samples, seg.SampleRate)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.Internal, "encode segment %d", seg.Index)
		}
		if err := writeFileAtomic(w.s.segmentPath(w.id, seg.Index), data); err != nil {
			return apperrors.Wrapf(err, apperrors.Internal, "write segment %d", seg.Index)
		}
	}

	skip := max(0, min(int64(w.wav.Samples())-seg.StartSample, int64(len(seg.Samples))))
	if err := w.wav.Append(seg.Samples[skip:]); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "append audio for segment %d", seg.Index)
	}
	trace.Logger(ctx).Debug("segment stored", "id", w.id, "segment", seg.Index, "new_samples", len(seg.Samples)-int(skip))
	return nil
}

// Update applies fn to the document under the recording's lock.
func (w *Writer) Update(ctx context.Context, fn func(*Recording)) error {
	_, err := w.s.update(ctx, w.id, fn)
	return err
}

// Finalize writes the transcript file and the final document. fn may set
// status-specific fields; Status defaults to complete.
func (w *Writer) Finalize(ctx context.Context, text string, fn func(*Recording)) (*Recording, error) {
	if w.done {
		return nil, apperrors.New(apperrors.NotRecording, "recording already finalized").WithMetadata("id", w.id)
	}
	w.done = true
	if err := w.wav.Close(); err != nil {
		trace.Logger(ctx).Warn("closing audio file", "id", w.id, "error", err)
	}

	if err := writeFileAtomic(w.s.transcriptPath(w.id), []byte(text)); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "write transcript %s", w.id)
	}
	rec, err := w.s.update(ctx, w.id, func(r *Recording) {
		r.Transcription = text
		r.Duration = transcript.FormatDuration(w.Captured())
		r.Status = StatusComplete
		if fn != nil {
			fn(r)
		}
	})
	if err != nil {
		return nil, err
	}
	trace.Logger(ctx).Info("recording finalized", "id", w.id, "status", rec.Status, "duration", rec.Duration)
	return rec, nil
}

// Discard deletes everything written for the recording.
func (w *Writer) Discard(ctx context.Context) error {
	if !w.done {
		w.done = true
		w.wav.Close()
	}

	unlock := w.s.locks.Lock(w.id)
	defer unlock()
	return w.s.removeLocked(ctx, w.id)
}
