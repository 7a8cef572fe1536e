package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/catalog"
	"github.com/GriffinCanCode/voicelog/internal/encoder"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/syncx"
	"github.com/GriffinCanCode/voicelog/internal/trace"
)

const dirPrefix = "recording_"

// Options configures a Store.
type Options struct {
	SampleRate    int
	SegmentFormat string // encoder.FormatFLAC or encoder.FormatWAV
	SegmentFiles  bool   // keep one audio file per segment
	// Catalog, if set, serves List and is rebuilt from disk on Open.
	Catalog *catalog.Catalog
}

// Store is the recordings root directory.
type Store struct {
	root  string
	opts  Options
	locks syncx.KeyedMutex

	idMu sync.Mutex // serializes NewID+Begin
}

// Open prepares root, removes temp files left by a crash, closes out
// recordings a crash interrupted and reindexes the catalog.
func Open(ctx context.Context, root string, opts Options) (*Store, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.SegmentFormat == "" {
		opts.SegmentFormat = encoder.FormatFLAC
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "create recordings dir %s", root)
	}
	s := &Store{root: root, opts: opts}

	log := trace.Logger(ctx)
	if n, err := sweepTemp(root); err != nil {
		log.Warn("temp file sweep failed", "root", root, "error", err)
	} else if n > 0 {
		log.Info("removed interrupted writes", "count", n)
	}
	if err := s.recoverInterrupted(ctx); err != nil {
		return nil, err
	}

	if opts.Catalog != nil {
		recs, err := s.scan(ctx)
		if err != nil {
			return nil, err
		}
		entries := make([]catalog.Entry, len(recs))
		for i := range recs {
			entries[i] = recs[i].entry()
		}
		if err := opts.Catalog.Replace(ctx, entries); err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "reindex catalog")
		}
		log.Info("catalog reindexed", "recordings", len(entries))
	}
	return s, nil
}

// Root returns the recordings directory.
func (s *Store) Root() string { return s.root }

// SampleRate is the rate of every stored audio file.
func (s *Store) SampleRate() int { return s.opts.SampleRate }

// Summary is a List row.
type Summary = catalog.Entry

// List returns recordings newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if s.opts.Catalog != nil {
		entries, err := s.opts.Catalog.List(ctx)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "list catalog")
		}
		return entries, nil
	}
	recs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(recs))
	for i := range recs {
		out[i] = recs[i].entry()
	}
	return out, nil
}

// Get reads one recording's document.
func (s *Store) Get(_ context.Context, id string) (*Recording, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	return s.readDoc(id)
}

// Transcript returns the transcript text, preferring the transcript file and
// falling back to the document.
func (s *Store) Transcript(ctx context.Context, id string) (string, error) {
	if !validID(id) {
		return "", notFound(id)
	}
	data, err := os.ReadFile(s.transcriptPath(id))
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", apperrors.Wrapf(err, apperrors.Internal, "read transcript %s", id)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Transcription, nil
}

// UpdateTitle renames a recording.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) (*Recording, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperrors.New(apperrors.InvalidArgument, "title must not be empty").WithMetadata("id", id)
	}
	if !validID(id) {
		return nil, notFound(id)
	}
	return s.update(ctx, id, func(r *Recording) { r.Name = title })
}

// Audio decodes a recording's full audio.
func (s *Store) Audio(_ context.Context, id string) ([]int16, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	data, err := os.ReadFile(s.audioPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "read audio %s", id)
	}
	samples, err := encoder.DecodeWAV(data)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "decode audio %s", id)
	}
	return samples, nil
}

// ReplaceTranscript swaps a finished recording's transcript for text and
// applies fn to the document. Recordings still being written are refused.
func (s *Store) ReplaceTranscript(ctx context.Context, id, text string, fn func(*Recording)) (*Recording, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.readDoc(id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusRecording {
		return nil, inProgress(id)
	}
	if err := writeFileAtomic(s.transcriptPath(id), []byte(text)); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "write transcript %s", id)
	}
	rec.Transcription = text
	if fn != nil {
		fn(rec)
	}
	if err := s.writeDoc(ctx, rec); err != nil {
		return nil, err
	}
	trace.Logger(ctx).Info("transcript replaced", "id", id, "model", rec.Model)
	return rec, nil
}

// Delete removes a finished recording and everything stored for it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return notFound(id)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.readDoc(id)
	if err != nil {
		return err
	}
	if rec.Status == StatusRecording {
		return inProgress(id)
	}
	return s.removeLocked(ctx, id)
}

// removeLocked deletes the recording directory and its catalog row. Callers
// hold the recording's lock.
func (s *Store) removeLocked(ctx context.Context, id string) error {
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "remove recording %s", id)
	}
	if c := s.opts.Catalog; c != nil {
		if err := c.Delete(ctx, id); err != nil {
			trace.Logger(ctx).Warn("catalog delete failed", "id", id, "error", err)
		}
	}
	trace.Logger(ctx).Info("recording removed", "id", id)
	return nil
}

// NewID returns an unused ID for a recording started at now, suffixing _2,
// _3, ... on a same-second collision.
func (s *Store) NewID(now time.Time) string {
	base := now.Format(IDLayout)
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(s.dir(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func (s *Store) update(ctx context.Context, id string, fn func(*Recording)) (*Recording, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.readDoc(id)
	if err != nil {
		return nil, err
	}
	fn(rec)
	if err := s.writeDoc(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) readDoc(id string) (*Recording, error) {
	data, err := os.ReadFile(s.docPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "read recording %s", id)
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "decode recording %s", id)
	}
	return &rec, nil
}

// writeDoc validates and atomically replaces the document. Callers hold the
// recording's lock.
func (s *Store) writeDoc(ctx context.Context, rec *Recording) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "encode recording %s", rec.ID)
	}
	if err := writeFileAtomic(s.docPath(rec.ID), data); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "write recording %s", rec.ID)
	}
	if s.opts.Catalog != nil {
		if err := s.opts.Catalog.Upsert(ctx, rec.entry()); err != nil {
			trace.Logger(ctx).Warn("catalog update failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// scan reads every readable document under root, newest first.
func (s *Store) scan(ctx context.Context) ([]Recording, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "list %s", s.root)
	}
	var recs []Recording
	for _, e := range entries {
		id, ok := strings.CutPrefix(e.Name(), dirPrefix)
		if !e.IsDir() || !ok || !validID(id) {
			continue
		}
		rec, err := s.readDoc(id)
		if err != nil {
			trace.Logger(ctx).Warn("skipping unreadable recording", "id", id, "error", err)
			continue
		}
		recs = append(recs, *rec)
	}
	slices.SortFunc(recs, func(a, b Recording) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return recs, nil
}

func inProgress(id string) error {
	return apperrors.Newf(apperrors.AlreadyRecording, "recording %q is still in progress", id).WithMetadata("id", id)
}

func notFound(id string) error {
	return apperrors.Newf(apperrors.RecordingNotFound, "recording %q not found", id).WithMetadata("id", id)
}

func audioName(id string) string { return dirPrefix + id + ".wav" }

func (s *Store) dir(id string) string { return filepath.Join(s.root, dirPrefix+id) }

func (s *Store) docPath(id string) string {
	return filepath.Join(s.dir(id), dirPrefix+id+".json")
}

func (s *Store) audioPath(id string) string { return filepath.Join(s.dir(id), audioName(id)) }

func (s *Store) transcriptPath(id string) string {
	return filepath.Join(s.dir(id), "transcription_"+id+".txt")
}

func (s *Store) segmentPath(id string, index int) string {
	return filepath.Join(s.dir(id), "segments", fmt.Sprintf("segment_%03d.%s", index, s.opts.SegmentFormat))
}
