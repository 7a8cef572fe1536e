// Package config handles recorder configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Inference backends.
const (
	BackendGRPC = "grpc"
	BackendHTTP = "http"
)

type Config struct {
	HTTPAddr      string
	RecordingsDir string
	CatalogPath   string

	InferenceBackend string
	InferenceAddr    string
	InferenceURL     string
	InferenceAPIKey  string
	ModelTag         string
	Language         string

	SampleRate           int
	FramesPerBuffer      int
	InputDevice          string
	ExcludedAudioDevices []string
	SegmentDuration      time.Duration
	OverlapDuration      time.Duration
	SegmentQueueSize     int
	SegmentFormat        string // "flac" or "wav"
	SegmentFiles         bool

	TranscribeWorkers    int
	TranscribeMaxRetries int
	DrainTimeout         time.Duration
	ModelCacheSize       int
	StitchWindow         int
	SilenceThreshold     float64

	LogLevel string
}

func Load() *Config {
	return &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8000"),
		RecordingsDir: getEnv("RECORDINGS_DIR", "recordings"),
		CatalogPath:   getEnv("CATALOG_PATH", ""),

		InferenceBackend: getEnv("INFERENCE_BACKEND", BackendGRPC),
		InferenceAddr:    getEnv("INFERENCE_ADDR", "localhost:50051"),
		InferenceURL:     getEnv("INFERENCE_URL", "https://api.openai.com/v1"),
		InferenceAPIKey:  getEnv("INFERENCE_API_KEY", ""),
		ModelTag:         getEnv("MODEL_TAG", "medium"),
		Language:         getEnv("LANGUAGE", ""),

		SampleRate:           getEnvInt("SAMPLE_RATE", 16000),
		FramesPerBuffer:      getEnvInt("FRAMES_PER_BUFFER", 1024),
		InputDevice:          getEnv("INPUT_DEVICE", ""),
		ExcludedAudioDevices: getEnvList("EXCLUDED_AUDIO_DEVICES", []string{"iphone", "teams"}),
		SegmentDuration:      getEnvSeconds("SEGMENT_DURATION", 30*time.Second),
		OverlapDuration:      getEnvSeconds("OVERLAP_DURATION", 15*time.Second),
		SegmentQueueSize:     getEnvInt("SEGMENT_QUEUE_SIZE", 8),
		SegmentFormat:        getEnv("SEGMENT_FORMAT", "flac"),
		SegmentFiles:         getEnvBool("SEGMENT_FILES", true),

		TranscribeWorkers:    getEnvInt("TRANSCRIBE_WORKERS", 2),
		TranscribeMaxRetries: getEnvInt("TRANSCRIBE_MAX_RETRIES", 3),
		DrainTimeout:         getEnvDuration("DRAIN_TIMEOUT", 30*time.Second),
		ModelCacheSize:       getEnvInt("MODEL_CACHE_SIZE", 1),
		StitchWindow:         getEnvInt("STITCH_WINDOW", 50),
		SilenceThreshold:     getEnvFloat("SILENCE_THRESHOLD", 0),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports the first setting that cannot drive a recording.
func (c *Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	case c.FramesPerBuffer <= 0:
		return fmt.Errorf("FRAMES_PER_BUFFER must be positive, got %d", c.FramesPerBuffer)
	case c.SegmentDuration <= 0:
		return fmt.Errorf("SEGMENT_DURATION must be positive, got %s", c.SegmentDuration)
	case c.OverlapDuration <= 0 || c.OverlapDuration >= c.SegmentDuration:
		return fmt.Errorf("OVERLAP_DURATION must be in (0, %s), got %s", c.SegmentDuration, c.OverlapDuration)
	case c.SegmentQueueSize <= 0:
		return fmt.Errorf("SEGMENT_QUEUE_SIZE must be positive, got %d", c.SegmentQueueSize)
	case c.TranscribeWorkers <= 0:
		return fmt.Errorf("TRANSCRIBE_WORKERS must be positive, got %d", c.TranscribeWorkers)
	case c.ModelCacheSize <= 0:
		return fmt.Errorf("MODEL_CACHE_SIZE must be positive, got %d", c.ModelCacheSize)
	case c.StitchWindow < 2:
		return fmt.Errorf("STITCH_WINDOW must be at least 2, got %d", c.StitchWindow)
	case c.SilenceThreshold < 0 || c.SilenceThreshold >= 1:
		return fmt.Errorf("SILENCE_THRESHOLD must be in [0, 1), got %g", c.SilenceThreshold)
	case c.SegmentFormat != "flac" && c.SegmentFormat != "wav":
		return fmt.Errorf("SEGMENT_FORMAT must be flac or wav, got %q", c.SegmentFormat)
	case c.InferenceBackend != BackendGRPC && c.InferenceBackend != BackendHTTP:
		return fmt.Errorf("INFERENCE_BACKEND must be grpc or http, got %q", c.InferenceBackend)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvSeconds reads a plain number of seconds, e.g. SEGMENT_DURATION=30.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if f := getEnvFloat(key, -1); f >= 0 {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// getEnvDuration accepts Go duration syntax ("45s") or bare seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
