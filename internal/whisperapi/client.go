// Package whisperapi is a transcribe.Engine for OpenAI-compatible
// /audio/transcriptions endpoints (OpenAI, Groq, whisper.cpp server, ...).
package whisperapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/encoder"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/resilience"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcribe"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 2 * time.Minute
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Format  string // upload encoding, encoder.FormatFLAC or encoder.FormatWAV
	Timeout time.Duration
	Breaker resilience.Config
}

// Client uploads segments as multipart forms.
type Client struct {
	http    *resty.Client
	format  string
	breaker *resilience.Breaker
}

// New creates a client. Empty fields get defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Format == "" {
		cfg.Format = encoder.FormatFLAC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = resilience.InferenceConfig("whisper-api")
	}

	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		h.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: h, format: cfg.Format, breaker: resilience.New(cfg.Breaker)}
}

// Breaker exposes the client's circuit breaker state.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string  `json:"text"`
		AvgLogProb   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Load checks that the server knows tag. Servers without a models endpoint
// are trusted.
func (c *Client) Load(ctx context.Context, tag string) (transcribe.Model, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Get("/models/" + url.PathEscape(tag))
	if err != nil {
		return nil, transportError(ctx, err)
	}

	switch code := resp.StatusCode(); {
	case resp.IsSuccess(), code == http.StatusMethodNotAllowed, code == http.StatusNotImplemented:
		trace.Logger(ctx).Info("speech model ready", "model", tag, "status", code)
		return &model{client: c, tag: tag}, nil
	case code == http.StatusNotFound || code == http.StatusBadRequest:
		return nil, apperrors.Newf(apperrors.ModelLoadError, "model %q not available: %s", tag, message(resp)).
			WithMetadata("model", tag)
	default:
		return nil, statusError(resp)
	}
}

// Transcribe uploads one segment and returns its text. Confidence is
// exp(mean avg_logprob) across the returned segments.
func (c *Client) Transcribe(ctx context.Context, tag string, req transcribe.Request) (transcribe.Inference, error) {
	audio, err := encoder.Encode(c.format, req.Samples, req.SampleRate)
	if err != nil {
		return transcribe.Inference{}, apperrors.Wrap(err, apperrors.InvalidArgument, "encode segment")
	}

	form := map[string]string{
		"model":           tag,
		"response_format": "verbose_json",
	}
	if req.Language != "" {
		form["language"] = req.Language
	}

	return resilience.ExecuteWithResult(c.breaker, func() (transcribe.Inference, error) {
		r := c.http.R().
			SetContext(ctx).
			SetHeader("X-Request-Id", uuid.NewString())
		if id := trace.SessionID(ctx); id != "" {
			r.SetHeader(trace.SessionIDKey, id)
		}
		resp, err := r.
			SetFileReader("file", fmt.Sprintf("segment_%03d.%s", req.SegmentIndex, c.format), bytes.NewReader(audio)).
			SetFormData(form).
			SetResult(&verboseResponse{}).
			SetError(&apiError{}).
			Post("/audio/transcriptions")
		if err != nil {
			return transcribe.Inference{}, transportError(ctx, err)
		}
		if resp.IsError() {
			return transcribe.Inference{}, statusError(resp)
		}

		out := resp.Result().(*verboseResponse)
		return transcribe.Inference{Text: out.Text, Confidence: confidence(out)}, nil
	})
}

type model struct {
	client *Client
	tag    string
}

func (m *model) Infer(ctx context.Context, req transcribe.Request) (transcribe.Inference, error) {
	return m.client.Transcribe(ctx, m.tag, req)
}

func confidence(r *verboseResponse) float64 {
	if len(r.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Segments {
		sum += s.AvgLogProb
	}
	return min(1, math.Exp(sum/float64(len(r.Segments))))
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "transcription request cancelled")
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return apperrors.Wrap(err, apperrors.Timeout, "transcription request timed out")
	}
	return apperrors.Wrap(err, apperrors.TranscriptionTransient, "transcription request failed")
}

func statusError(resp *resty.Response) error {
	code := resp.StatusCode()
	var c apperrors.Code
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		c = apperrors.TranscriptionTransient
	case code == http.StatusRequestTimeout:
		c = apperrors.Timeout
	case code == http.StatusNotFound:
		c = apperrors.ModelLoadError
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge || code == http.StatusUnprocessableEntity:
		c = apperrors.InvalidArgument
	default:
		c = apperrors.Internal
	}
	return apperrors.Newf(c, "whisper api %d: %s", code, message(resp)).
		WithMetadata("status", fmt.Sprint(code))
}

func message(resp *resty.Response) string {
	if e, ok := resp.Error().(*apiError); ok && e.Error.Message != "" {
		return e.Error.Message
	}
	return resp.Status()
}
