package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("recorder: already recording")
	ErrNotRecording     = errors.New("recorder: not recording")
)

// Recorder tees received access units to an Annex-B .h264 file
type Recorder struct {
	basePath string
	metrics  *metrics.Metrics

	mu           sync.RWMutex
	file         *os.File
	w            *bufio.Writer
	filename     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	skipped      uint64
	startTime    time.Time
	units        chan types.AccessUnit
	stop         chan struct{}
	wg           sync.WaitGroup

	// Parameter sets seen on the stream, written before the first key frame
	configMu     sync.Mutex
	spsCache     []byte
	ppsCache     []byte
	keyFrameSeen bool
}

// NewRecorder creates a recorder writing into basePath
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		metrics:  m,
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recordings directory: %w", err)
	}
	filename := fmt.Sprintf("recording_%s.h264", time.Now().Format("20060102_150405.000"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("create recording file: %w", err)
	}

	r.file = file
	r.w = bufio.NewWriterSize(file, 256*1024)
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.skipped = 0
	r.startTime = time.Now()
	r.units = make(chan types.AccessUnit, 60) // ~2 seconds
	r.stop = make(chan struct{})

	r.configMu.Lock()
	r.keyFrameSeen = false
	r.configMu.Unlock()

	r.metrics.RecordingActive.Store(1)
	r.wg.Add(1)
	go r.writeUnits(r.units, r.stop)

	logger.Info("Recorder", "Recording to %s", filename)
	return filename, nil
}

// Stop flushes and closes the current recording
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.RecordingActive.Store(0)

	if err := r.w.Flush(); err != nil {
		_ = r.file.Close()
		return fmt.Errorf("flush recording: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		_ = r.file.Close()
		return fmt.Errorf("sync recording: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	r.file, r.w = nil, nil

	logger.Info("Recorder", "Stopped %s: %d frames, %d bytes", r.filename, r.frameCount, r.bytesWritten)
	return nil
}

// Record queues au for writing without blocking. It returns false when not
// recording or the queue is full.
func (r *Recorder) Record(au types.AccessUnit) bool {
	r.updateHeaders(au.Data)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.recording {
		return false
	}

	select {
	case r.units <- au:
		return true
	default:
		if logger.Every("recorder.full", 5*time.Second) {
			logger.Warn("Recorder", "Queue full, dropping frames")
		}
		return false
	}
}

// updateHeaders caches the latest SPS and PPS carried by data
func (r *Recorder) updateHeaders(data []byte) {
	var sps, pps []byte
	for _, nal := range h264.NALUnits(data) {
		switch nal.Type {
		case types.NALTypeSPS:
			sps = nal.Data
		case types.NALTypePPS:
			pps = nal.Data
		}
	}
	if sps == nil && pps == nil {
		return
	}

	r.configMu.Lock()
	defer r.configMu.Unlock()
	if sps != nil {
		r.spsCache = append(r.spsCache[:0], sps...)
	}
	if pps != nil {
		r.ppsCache = append(r.ppsCache[:0], pps...)
	}
}

func (r *Recorder) writeUnits(units <-chan types.AccessUnit, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case au := <-units:
			r.writeUnit(au)
		case <-stop:
			for {
				select {
				case au := <-units:
					r.writeUnit(au)
				default:
					return
				}
			}
		}
	}
}

// writeUnit writes one unit, skipping everything before the first key frame
// and prefixing that key frame with the cached parameter sets
func (r *Recorder) writeUnit(au types.AccessUnit) {
	var hasIDR, hasSPS bool
	for _, nal := range h264.NALUnits(au.Data) {
		switch nal.Type {
		case types.NALTypeIDR:
			hasIDR = true
		case types.NALTypeSPS:
			hasSPS = true
		}
	}

	var header []byte
	r.configMu.Lock()
	if !r.keyFrameSeen {
		if !hasIDR {
			r.configMu.Unlock()
			r.mu.Lock()
			r.skipped++
			r.mu.Unlock()
			return
		}
		if !hasSPS {
			header = append(append(header, r.spsCache...), r.ppsCache...)
		}
		r.keyFrameSeen = true
	}
	r.configMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return
	}

	n1, err := r.w.Write(header)
	if err == nil {
		var n2 int
		n2, err = r.w.Write(au.Data)
		n1 += n2
	}
	if err != nil {
		logger.Error("Recorder", "Write failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n1)
	r.frameCount++
	r.metrics.RecordingBytes.Add(uint64(n1))
	r.metrics.RecordingFrames.Add(1)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:     r.recording,
		Filename:      r.filename,
		FrameCount:    r.frameCount,
		BytesWritten:  r.bytesWritten,
		SkippedFrames: r.skipped,
		DurationMs:    duration.Milliseconds(),
		StartTime:     r.startTime,
	}
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording     bool      `json:"recording"`
	Filename      string    `json:"filename"`
	FrameCount    uint64    `json:"frame_count"`
	BytesWritten  uint64    `json:"bytes_written"`
	SkippedFrames uint64    `json:"skipped_frames"`
	DurationMs    int64     `json:"duration_ms"`
	StartTime     time.Time `json:"start_time"`
}
