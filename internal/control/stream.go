package control

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
)

const (
	mjpegKeepalive    = 5 * time.Second
	defaultEventEvery = time.Second
)

// FrameBroadcaster fans drawn frames, JPEG encoded, out to MJPEG clients.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	closed  bool
}

// NewFrameBroadcaster creates an empty broadcaster.
func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{clients: make(map[int]chan []byte)}
}

// Subscribe adds a client. The channel is closed by Unsubscribe or Close.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	if fb.closed {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// HasClients reports whether encoding a frame is worth it.
func (fb *FrameBroadcaster) HasClients() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients) > 0
}

// Publish hands data to every client. Slow clients miss the frame.
func (fb *FrameBroadcaster) Publish(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Close disconnects all clients.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.closed = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	if s.opts.Frames == nil {
		http.Error(w, "Streaming unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, frames := s.opts.Frames.Subscribe()
	defer s.opts.Frames.Unsubscribe(id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last []byte
	keepalive := time.NewTimer(mjpegKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			last = data
		case <-keepalive.C:
			// Nothing drawn lately; repeat the last frame so proxies keep
			// the connection.
		}
		keepalive.Reset(mjpegKeepalive)
		if last == nil {
			continue
		}

		if err := writePart(w, last); err != nil {
			logger.Debug("MJPEG", "Client disconnected: %v", err)
			return
		}
		flusher.Flush()
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// handleEvents streams the status payload as server-sent events. Clients
// asking for protobuf get base64 encoded Struct messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := r.URL.Query().Get("format") == "protobuf" ||
		strings.Contains(r.Header.Get("Accept"), "application/protobuf")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	interval := s.opts.EventInterval
	if interval <= 0 {
		interval = defaultEventEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func() error {
		data, err := encodeEvent(s.statusPayload(), useProtobuf)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}

	if err := send(); err != nil {
		logger.Debug("SSE", "Client disconnected: %v", err)
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				logger.Debug("SSE", "Client disconnected: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

func encodeEvent(payload map[string]any, useProtobuf bool) ([]byte, error) {
	if !useProtobuf {
		return json.Marshal(payload)
	}
	msg, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(data)), nil
}
