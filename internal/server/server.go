// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/voicelog/internal/audio"
	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/orchestrator"
	"github.com/GriffinCanCode/voicelog/internal/orchestrator/live"
	"github.com/GriffinCanCode/voicelog/internal/orchestrator/session"
	"github.com/GriffinCanCode/voicelog/internal/store"
	"github.com/GriffinCanCode/voicelog/internal/trace"
	"github.com/GriffinCanCode/voicelog/internal/transcript"
)

// Recorder is the control side, implemented by orchestrator.Manager.
type Recorder interface {
	Start(ctx context.Context) (session.Session, error)
	Stop(ctx context.Context) (orchestrator.Result, error)
	Status() orchestrator.Status
	Devices() ([]audio.DeviceInfo, error)
	SetModel(ctx context.Context, tag string) (orchestrator.Settings, error)
	SetDevice(ctx context.Context, name string) (orchestrator.Settings, error)
	Retranscribe(ctx context.Context, id, tag string) (*store.Recording, error)
	Events() <-chan live.Event
	Recent() []live.Event
}

// Library is the query side, implemented by store.Store.
type Library interface {
	List(ctx context.Context) ([]store.Summary, error)
	Get(ctx context.Context, id string) (*store.Recording, error)
	Transcript(ctx context.Context, id string) (string, error)
	UpdateTitle(ctx context.Context, id, title string) (*store.Recording, error)
	Delete(ctx context.Context, id string) error
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	Type   string              `json:"type"`
	Status orchestrator.Status `json:"status"`
}

type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// client is one WebSocket connection. Only its writer goroutine writes to
// conn.
type client struct {
	conn    *websocket.Conn
	send    chan any
	limiter rateLimiter
}

func (c *client) enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	rec Recorder
	lib Library

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a new server.
func New(rec Recorder, lib Library) *Server {
	s := &Server{
		rec:     rec,
		lib:     lib,
		clients: make(map[*client]struct{}),
	}
	go s.broadcastEvents()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Query
	mux.HandleFunc("GET /api/recordings", s.handleList)
	mux.HandleFunc("GET /api/recordings/{id}", s.handleGet)
	mux.HandleFunc("GET /api/recordings/{id}/transcription", s.handleTranscript)
	mux.HandleFunc("GET /api/recordings/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /api/recordings/{id}/chunks/{index}", s.handleChunk)
	mux.HandleFunc("PUT /api/recordings/{id}/title", s.handleTitle)
	mux.HandleFunc("DELETE /api/recordings/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/recordings/{id}/retranscribe", s.handleRetranscribe)

	// Control
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("PUT /api/settings/model", s.handleSetModel)
	mux.HandleFunc("PUT /api/settings/device", s.handleSetDevice)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.lib.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lib.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := s.lib.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "transcription": text})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lib.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	text, err := s.lib.Transcript(r.Context(), rec.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := transcript.Summarize(text, rec.Duration)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		transcript.Summary
	}{rec.ID, rec.Name, sum})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, apperrors.Newf(apperrors.InvalidArgument, "chunk index %q is not an integer", r.PathValue("index")))
		return
	}
	size, err := queryInt(r, "size", transcript.DefaultChunkSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	overlap, err := queryInt(r, "overlap", transcript.DefaultChunkOverlap)
	if err != nil {
		writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	text, err := s.lib.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chunk, err := transcript.ChunkAt(text, index, size, overlap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.lib.UpdateTitle(r.Context(), r.PathValue("id"), body.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.lib.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

// handleRetranscribe runs a stored recording through a model again. The body
// is optional; without a model the current selection is used.
func (s *Server) handleRetranscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	rec, err := s.rec.Retranscribe(r.Context(), r.PathValue("id"), body.Model)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.rec.Start(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recording_started", "session": sess})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.rec.Stop(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.rec.Devices()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devs == nil {
		devs = []audio.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devs, "selected": s.rec.Status().Settings.Device})
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	set, err := s.rec.SetModel(r.Context(), body.Model)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device string `json:"device"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	set, err := s.rec.SetDevice(r.Context(), body.Device)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	log := trace.Logger(r.Context())
	if err != nil {
		log.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{conn: conn, send: make(chan any, ClientSendBuffer)}
	// Catch up on the current session before live events.
	for _, e := range s.rec.Recent() {
		c.enqueue(e)
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	go c.writeLoop(ctx, cancel)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.limiter.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.enqueue(RateLimitedMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}
		switch base.Type {
		case "status":
			c.enqueue(StatusMessage{Type: "status", Status: s.rec.Status()})
		}
	}
}

func (c *client) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcastEvents() {
	for evt := range s.rec.Events() {
		s.mu.RLock()
		for c := range s.clients {
			if !c.enqueue(evt) {
				trace.Logger(context.Background()).Debug("websocket client lagging, event dropped", "type", evt.Type)
			}
		}
		s.mu.RUnlock()
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code     apperrors.Code    `json:"code"`
		Message  string            `json:"message"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.Internal, "internal error")
	}
	status := appErr.HTTPStatus()

	log := trace.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", appErr.Code)
	}

	var body errorBody
	body.Error.Code = appErr.Code
	body.Error.Message = appErr.Message
	body.Error.Metadata = appErr.Metadata
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.InvalidArgument, "invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperrors.Newf(apperrors.InvalidArgument, "%s must be an integer, got %q", key, v)
	}
	return n, nil
}
