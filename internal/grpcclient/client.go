// Package grpcclient talks to a speech inference server over gRPC.
package grpcclient

import (
	"context"
	"strconv"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/encoder"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/resilience"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcribe"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Config holds connection and call settings.
type Config struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	CallTimeout      time.Duration
	LoadTimeout      time.Duration
	Breaker          resilience.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		CallTimeout:      DefaultCallTimeout,
		LoadTimeout:      DefaultLoadTimeout,
		Breaker:          resilience.InferenceConfig("grpc"),
	}
}

// Client is a transcribe.Engine backed by a gRPC inference server.
type Client struct {
	conn    *grpc.ClientConn
	cfg     Config
	breaker *resilience.Breaker
}

// New connects lazily to addr. Extra options are appended to the defaults.
func New(addr string, cfg Config, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.WithChainUnaryInterceptor(trace.UnaryClientInterceptor()),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Unavailable, "dial inference server %s", addr)
	}
	return &Client{conn: conn, cfg: cfg, breaker: resilience.New(cfg.Breaker)}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Breaker exposes the client's circuit breaker state.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Load asks the server to load tag and returns a model bound to it.
func (c *Client) Load(ctx context.Context, tag string) (transcribe.Model, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, ModelKey, tag, RequestIDKey, uuid.NewString())

	var resp structpb.Struct
	err := c.breaker.Execute(func() error {
		return callError(c.conn.Invoke(ctx, LoadModelMethod, wrapperspb.String(tag), &resp))
	})
	if err != nil {
		if resilience.IsRetryable(err) {
			return nil, err
		}
		return nil, apperrors.Wrapf(err, apperrors.ModelLoadError, "server could not load model %q", tag).
			WithMetadata("model", tag)
	}
	trace.Logger(ctx).Info("model loaded on inference server", "model", tag,
		"device", resp.GetFields()["device"].GetStringValue())
	return &model{client: c, tag: tag}, nil
}

// Transcribe sends one segment as WAV bytes and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, tag string, req transcribe.Request) (transcribe.Inference, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		ModelKey, tag,
		LanguageKey, req.Language,
		SegmentKey, strconv.Itoa(req.SegmentIndex),
		SampleRateKey, strconv.Itoa(req.SampleRate),
		RequestIDKey, uuid.NewString(),
	)

	payload := wrapperspb.Bytes(encoder.EncodeWAV(req.Samples, req.SampleRate))
	resp, err := resilience.ExecuteWithResult(c.breaker, func() (*structpb.Struct, error) {
		var out structpb.Struct
		if err := c.conn.Invoke(ctx, TranscribeMethod, payload, &out); err != nil {
			return nil, callError(err)
		}
		return &out, nil
	})
	if err != nil {
		return transcribe.Inference{}, err
	}

	fields := resp.GetFields()
	return transcribe.Inference{
		Text:       fields["text"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
	}, nil
}

type model struct {
	client *Client
	tag    string
}

func (m *model) Infer(ctx context.Context, req transcribe.Request) (transcribe.Inference, error) {
	return m.client.Transcribe(ctx, m.tag, req)
}

// callError converts a gRPC failure into an AppError, keeping any error
// details the server attached.
func callError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.FromGRPCError(err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
