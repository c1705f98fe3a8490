// Package control exposes the client's lifecycle and signalling over HTTP.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/webrtc"
)

// Session is the decoder lifecycle the control surface drives.
type Session interface {
	Reconfigure(width, height int) error
	Close() error
	Status() session.Status
}

// Receiver handles WebRTC signalling for the video source.
type Receiver interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	RequestKeyFrame()
	GetStats() webrtc.Stats
}

// Recorder tees the stream to disk.
type Recorder interface {
	Start() (string, error)
	Stop() error
	GetStatus() recorder.RecordingStatus
}

// Snapshotter encodes the current picture.
type Snapshotter interface {
	Snapshot(w io.Writer, quality int) error
}

// Options wires the server.
type Options struct {
	Session         Session
	Receiver        Receiver
	Recorder        Recorder
	Snapshotter     Snapshotter
	SnapshotQuality int
	AllowOrigin     string

	// Frames feeds /stream.mjpeg; nil disables the route.
	Frames        *FrameBroadcaster
	EventInterval time.Duration
	// SignalRateLimit caps /offer and /reconfigure requests per client and
	// minute. Zero uses DefaultSignalRateLimit.
	SignalRateLimit int
}

// DefaultSignalRateLimit is the per-minute request budget for signalling.
const DefaultSignalRateLimit = 30

// Server serves the control routes.
type Server struct {
	opts    Options
	started time.Time
	router  chi.Router
}

// New creates a control server.
func New(opts Options) *Server {
	if opts.SnapshotQuality <= 0 {
		opts.SnapshotQuality = 80
	}
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.SignalRateLimit <= 0 {
		opts.SignalRateLimit = DefaultSignalRateLimit
	}
	s := &Server{opts: opts, started: time.Now(), router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(s.cors)

	// WebRTC signalling and decoder reopen are expensive; limit them per client.
	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.opts.SignalRateLimit, time.Minute))
		r.Post("/offer", s.handleOffer)
		r.Post("/reconfigure", s.handleReconfigure)
	})

	// Decoder lifecycle
	r.Post("/close", s.handleClose)
	r.Get("/status", s.handleStatus)
	r.Get("/snapshot.jpg", s.handleSnapshot)

	// Live views
	r.Get("/stream.mjpeg", s.handleMJPEG)
	r.Get("/events", s.handleEvents)

	// Recording control
	r.Post("/record/start", s.handleRecordStart)
	r.Post("/record/stop", s.handleRecordStop)

	r.Get("/health", s.handleHealth)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSONWithStatus(w, map[string]any{"error": "rate_limit_exceeded"}, http.StatusTooManyRequests)
		}),
	)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.opts.Receiver == nil {
		writeJSONWithStatus(w, map[string]any{"error": "webrtc receiver is not configured"}, http.StatusServiceUnavailable)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.opts.Receiver.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

type reconfigureRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req reconfigureRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)}, http.StatusBadRequest)
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		writeJSONWithStatus(w, map[string]any{"error": "width and height must be positive"}, http.StatusBadRequest)
		return
	}

	if err := s.opts.Session.Reconfigure(req.Width, req.Height); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrClosed) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	// The new decoder needs parameter sets before anything else.
	if s.opts.Receiver != nil {
		s.opts.Receiver.RequestKeyFrame()
	}
	writeJSON(w, statusMap(s.opts.Session.Status()))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Session.Close(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "closed"})
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{
		"session":   statusMap(s.opts.Session.Status()),
		"uptime_ms": time.Since(s.started).Milliseconds(),
	}
	if s.opts.Receiver != nil {
		st := s.opts.Receiver.GetStats()
		payload["webrtc"] = map[string]any{
			"connected":     st.Connected,
			"connection_id": st.ConnectionID,
			"packets":       st.Packets,
			"frames":        st.Frames,
			"sink_errors":   st.SinkErrors,
			"plis_sent":     st.PLIsSent,
		}
	}
	if s.opts.Recorder != nil {
		st := s.opts.Recorder.GetStatus()
		payload["recording"] = map[string]any{
			"recording":      st.Recording,
			"filename":       st.Filename,
			"frame_count":    st.FrameCount,
			"bytes_written":  st.BytesWritten,
			"skipped_frames": st.SkippedFrames,
			"duration_ms":    st.DurationMs,
		}
	}
	return payload
}

func statusMap(st session.Status) map[string]any {
	return map[string]any{
		"state":           st.State,
		"surface_id":      st.SurfaceID,
		"width":           st.Width,
		"height":          st.Height,
		"output_width":    st.OutputWidth,
		"output_height":   st.OutputHeight,
		"profile":         st.Profile,
		"level":           st.Level,
		"pending_renders": st.PendingRenders,
		"fault":           st.Fault,
	}
}

// handleStatus answers in JSON, or as a protobuf Struct when the client
// accepts it.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := s.statusPayload()

	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/protobuf") &&
		!strings.Contains(accept, "application/x-protobuf") {
		writeJSON(w, payload)
		return
	}

	msg, err := structpb.NewStruct(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode status: %v", err), http.StatusInternalServerError)
		return
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode status: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/protobuf")
	_, _ = w.Write(data)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Snapshotter == nil {
		http.Error(w, "Snapshots unavailable", http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	if err := s.opts.Snapshotter.Snapshot(&buf, s.opts.SnapshotQuality); err != nil {
		http.Error(w, fmt.Sprintf("Snapshot failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}

	filename, err := s.opts.Recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	// Recording starts at the next key frame; ask for one now.
	if s.opts.Receiver != nil {
		s.opts.Receiver.RequestKeyFrame()
	}
	writeJSON(w, map[string]any{
		"status": "recording",
		"file":   filename,
	})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}

	if err := s.opts.Recorder.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":         "idle",
		"recording_info": s.opts.Recorder.GetStatus(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Session.Status()
	payload := map[string]any{
		"status": "ok",
		"state":  st.State,
	}
	code := http.StatusOK
	if st.Fault != "" {
		payload["status"] = "faulted"
		payload["fault"] = st.Fault
		code = http.StatusServiceUnavailable
	}
	writeJSONWithStatus(w, payload, code)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("HTTP", "Write response: %v", err)
	}
}
