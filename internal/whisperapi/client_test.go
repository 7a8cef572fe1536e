package whisperapi

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GriffinCanCode/voicelog/internal/encoder"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcribe"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestTranscribeUploadsFLAC(t *testing.T) {
	var gotForm map[string]string
	var gotFile []byte
	var gotName, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotForm = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotForm[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err == nil {
			gotName = hdr.Filename
			gotFile, _ = io.ReadAll(f)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"text": " hello there",
			"segments": []map[string]any{
				{"text": "hello", "avg_logprob": -0.2},
				{"text": "there", "avg_logprob": -0.4},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	inf, err := c.Transcribe(context.Background(), "whisper-1", transcribe.Request{
		SegmentIndex: 3,
		Samples:      make([]int16, 4000),
		SampleRate:   16000,
		Language:     "en",
	})
	if err != nil {
		t.Fatalf("Transcribe() = %v", err)
	}

	if inf.Text != " hello there" {
		t.Errorf("Text = %q", inf.Text)
	}
	if want := math.Exp(-0.3); math.Abs(inf.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", inf.Confidence, want)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotForm["model"] != "whisper-1" || gotForm["response_format"] != "verbose_json" || gotForm["language"] != "en" {
		t.Errorf("form = %v", gotForm)
	}
	if gotName != "segment_003.flac" {
		t.Errorf("file name = %q, want segment_003.flac", gotName)
	}
	if len(gotFile) < 4 || string(gotFile[:4]) != "fLaC" {
		t.Errorf("upload is not FLAC")
	}
}

func TestTranscribeWAVFormat(t *testing.T) {
	var gotFile []byte
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(trace.SessionIDKey)
		f, _, err := r.FormFile("file")
		if err == nil {
			gotFile, _ = io.ReadAll(f)
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": "ok"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Format: encoder.FormatWAV})
	ctx := trace.WithSession(context.Background(), "20240301_101500")
	if _, err := c.Transcribe(ctx, "base", transcribe.Request{Samples: make([]int16, 10), SampleRate: 16000}); err != nil {
		t.Fatalf("Transcribe() = %v", err)
	}
	if gotSession != "20240301_101500" {
		t.Errorf("%s header = %q, want the recording id", trace.SessionIDKey, gotSession)
	}
	samples, err := encoder.DecodeWAV(gotFile)
	if err != nil || len(samples) != 10 {
		t.Errorf("DecodeWAV(upload) = %d samples, %v", len(samples), err)
	}
}

func TestTranscribeStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Code
	}{
		{http.StatusTooManyRequests, apperrors.TranscriptionTransient},
		{http.StatusBadGateway, apperrors.TranscriptionTransient},
		{http.StatusBadRequest, apperrors.InvalidArgument},
		{http.StatusNotFound, apperrors.ModelLoadError},
		{http.StatusUnauthorized, apperrors.Internal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{"error": map[string]any{"message": "nope"}})
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL})
			_, err := c.Transcribe(context.Background(), "base", transcribe.Request{SampleRate: 16000})
			if !apperrors.IsCode(err, tt.want) {
				t.Errorf("Transcribe() = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr apperrors.Code
	}{
		{"known model", http.StatusOK, ""},
		{"no models endpoint", http.StatusMethodNotAllowed, ""},
		{"unknown model", http.StatusNotFound, apperrors.ModelLoadError},
		{"server down", http.StatusServiceUnavailable, apperrors.TranscriptionTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				writeJSON(w, tt.status, map[string]any{"id": "large-v3"})
			}))
			defer srv.Close()

			m, err := New(Config{BaseURL: srv.URL}).Load(context.Background(), "large-v3")
			if tt.wantErr == "" {
				if err != nil || m == nil {
					t.Errorf("Load() = %v, %v", m, err)
				}
			} else if !apperrors.IsCode(err, tt.wantErr) {
				t.Errorf("Load() = %v, want %s", err, tt.wantErr)
			}
			if path != "/models/large-v3" {
				t.Errorf("path = %q", path)
			}
		})
	}
}

func TestConfidence(t *testing.T) {
	if got := confidence(&verboseResponse{}); got != 0 {
		t.Errorf("confidence(no segments) = %v, want 0", got)
	}
	r := &verboseResponse{}
	r.Segments = append(r.Segments, struct {
		Text         string  `json:"text"`
		AvgLogProb   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	}{AvgLogProb: 0.5})
	if got := confidence(r); got != 1 {
		t.Errorf("confidence(positive logprob) = %v, want capped at 1", got)
	}
}
