package store

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/encoder"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcript"
)

// InterruptedReason is the abort reason of a recording the process stopped
// in the middle of.
const InterruptedReason = "interrupted: the service stopped while recording"

// recoverInterrupted closes out documents still marked recording. No writer
// can exist yet, so each one was left by a crash: recordings with text are
// kept as aborted, empty ones are removed.
func (s *Store) recoverInterrupted(ctx context.Context) error {
	recs, err := s.scan(ctx)
	if err != nil {
		return err
	}
	log := trace.Logger(ctx)

	for i := range recs {
		rec := &recs[i]
		if rec.Status != StatusRecording {
			continue
		}
		unlock := s.locks.Lock(rec.ID)
		outcome := StatusAborted
		if strings.TrimSpace(rec.Transcription) == "" {
			outcome = "removed"
			err = s.removeLocked(ctx, rec.ID)
		} else {
			err = s.closeInterrupted(ctx, rec)
		}
		unlock()
		if err != nil {
			return err
		}
		log.Warn("recovered interrupted recording", "id", rec.ID, "outcome", outcome, "duration", rec.Duration)
	}
	return nil
}

func (s *Store) closeInterrupted(ctx context.Context, rec *Recording) error {
	if err := writeFileAtomic(s.transcriptPath(rec.ID), []byte(rec.Transcription)); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "write transcript %s", rec.ID)
	}
	if fi, err := os.Stat(s.audioPath(rec.ID)); err == nil {
		samples := max(0, fi.Size()-encoder.WAVHeaderSize) / encoder.BytesPerSample
		rec.Duration = transcript.FormatDuration(time.Duration(samples) * time.Second / time.Duration(s.opts.SampleRate))
	}
	rec.Status = StatusAborted
	rec.AbortReason = InterruptedReason
	return s.writeDoc(ctx, rec)
}
