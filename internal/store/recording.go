// Package store persists recordings on disk: one directory per recording
// holding the metadata document, the full audio, the transcript and the
// per-segment audio files. Documents are replaced atomically, so readers
// only ever see a complete previous or complete new version.
package store

import (
	"regexp"
	"strings"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/catalog"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/transcript"
)

// Recording status values.
const (
	StatusRecording = "recording"
	StatusComplete  = "complete"
	StatusAborted   = "aborted"
)

// DateLayout is the human-readable date stored alongside created_at.
const DateLayout = "2006-01-02 15:04:05"

// IDLayout formats the timestamp part of a recording ID.
const IDLayout = "20060102_150405"

var idPattern = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

// Recording is the metadata document.
type Recording struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Date                string            `json:"date"`
	CreatedAt           time.Time         `json:"created_at"`
	AudioFile           string            `json:"audio_file"`
	Transcription       string            `json:"transcription"`
	Duration            string            `json:"duration"`
	Model               string            `json:"model"`
	SegmentDuration     int               `json:"segment_duration"`
	OverlapDuration     int               `json:"overlap_duration"`
	Device              string            `json:"device,omitempty"`
	Status              string            `json:"status"`
	AbortReason         string            `json:"abort_reason,omitempty"`
	SegmentCount        int               `json:"segment_count"`
	UnavailableSegments []int             `json:"unavailable_segments,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// NewRecording fills the derived fields for a recording started at now.
func NewRecording(id string, now time.Time) Recording {
	return Recording{
		ID:        id,
		Name:      DefaultName(id),
		Date:      now.Format(DateLayout),
		CreatedAt: now,
		AudioFile: audioName(id),
		Duration:  transcript.FormatDuration(0),
		Status:    StatusRecording,
	}
}

// DefaultName is the name a recording gets until it is retitled.
func DefaultName(id string) string { return "Recording " + id }

// Validate checks the required fields.
func (r *Recording) Validate() error {
	switch {
	case !validID(r.ID):
		return apperrors.Newf(apperrors.InvalidArgument, "invalid recording id %q", r.ID)
	case strings.TrimSpace(r.Name) == "":
		return apperrors.New(apperrors.InvalidArgument, "recording name is required").WithMetadata("id", r.ID)
	case r.CreatedAt.IsZero() || r.Date == "":
		return apperrors.New(apperrors.InvalidArgument, "recording date is required").WithMetadata("id", r.ID)
	case r.Status != StatusRecording && r.Status != StatusComplete && r.Status != StatusAborted:
		return apperrors.Newf(apperrors.InvalidArgument, "unknown recording status %q", r.Status).WithMetadata("id", r.ID)
	case r.SegmentDuration < 0 || r.OverlapDuration < 0:
		return apperrors.New(apperrors.InvalidArgument, "segment geometry must not be negative").WithMetadata("id", r.ID)
	}
	if _, err := transcript.ParseDuration(r.Duration); err != nil {
		return err
	}
	return nil
}

func (r *Recording) entry() catalog.Entry {
	return catalog.Entry{
		ID:        r.ID,
		Name:      r.Name,
		Date:      r.Date,
		Duration:  r.Duration,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
}

func validID(id string) bool { return idPattern.MatchString(id) }
