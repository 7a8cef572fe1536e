package grpcclient

import "time"

// Inference service methods. Requests and responses use protobuf well-known
// types, so no generated stubs are needed on this side.
const (
	LoadModelMethod  = "/voicelog.inference.v1.Transcription/LoadModel"
	TranscribeMethod = "/voicelog.inference.v1.Transcription/Transcribe"
)

// Request metadata keys.
const (
	ModelKey      = "x-model"
	LanguageKey   = "x-language"
	SegmentKey    = "x-segment"
	RequestIDKey  = "x-request-id"
	SampleRateKey = "x-sample-rate"
)

// Client configuration defaults
const (
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// A segment is at most a few tens of seconds of audio.
	DefaultCallTimeout = 60 * time.Second
	DefaultLoadTimeout = 5 * time.Minute
)
