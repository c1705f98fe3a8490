package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
)

const (
	// H.264 clock rate (90kHz for video)
	h264ClockRate = 90000

	defaultMaxLate = 128
)

// FrameSink consumes reassembled Annex-B frames in arrival order.
type FrameSink interface {
	Feed(frame []byte, ptsUs int64) error
}

// Config configures the receiver.
type Config struct {
	STUNServers    []string
	MaxLatePackets uint16
	// PLIInterval is how often a key frame is requested while a track is
	// live. Zero requests one only when the track starts.
	PLIInterval time.Duration
}

// Stats counts received media.
type Stats struct {
	Connected    bool   `json:"connected"`
	ConnectionID string `json:"connection_id,omitempty"`
	Packets      uint64 `json:"packets"`
	Frames       uint64 `json:"frames"`
	SinkErrors   uint64 `json:"sink_errors"`
	PLIsSent     uint64 `json:"plis_sent"`
}

// Receiver accepts one remote H.264 video source over WebRTC. A new offer
// replaces the current peer connection.
type Receiver struct {
	api    *webrtc.API
	config webrtc.Configuration
	cfg    Config
	sink   FrameSink

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	connID string
	ssrc   webrtc.SSRC
	closed bool
	wg     sync.WaitGroup

	packets    atomic.Uint64
	frames     atomic.Uint64
	sinkErrors atomic.Uint64
	plisSent   atomic.Uint64
}

// NewReceiver creates a receiver feeding sink.
func NewReceiver(cfg Config, sink FrameSink) (*Receiver, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if cfg.MaxLatePackets == 0 {
		cfg.MaxLatePackets = defaultMaxLate
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// Only H.264 is accepted; the hardware decoder handles nothing else.
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   h264ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"},
			},
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H.264 codec: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	return &Receiver{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers},
		cfg:    cfg,
		sink:   sink,
	}, nil
}

// HandleOffer handles a WebRTC offer from the video source and returns the
// answer, including gathered ICE candidates
func (r *Receiver) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected type %q with SDP", webrtc.SDPTypeOffer)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("receiver closed")
	}
	r.mu.Unlock()

	peerConn, err := r.api.NewPeerConnection(r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := peerConn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}

	connID := uuid.NewString()
	r.mu.Lock()
	old := r.pc
	r.pc = peerConn
	r.connID = connID
	r.ssrc = 0
	r.mu.Unlock()
	if old != nil {
		logger.Info("WebRTC", "Replacing previous source with %s", connID)
		old.Close()
	}

	peerConn.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		logger.Info("WebRTC", "[%s] Track started: %s ssrc=%d", connID, track.Codec().MimeType, track.SSRC())

		r.mu.Lock()
		if r.pc != peerConn || r.closed {
			r.mu.Unlock()
			return
		}
		r.ssrc = track.SSRC()
		r.wg.Add(2)
		r.mu.Unlock()

		go r.readRTCP(recv)
		go r.readTrack(track)
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "[%s] Connection state: %s", connID, state.String())
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			r.drop(peerConn)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		r.drop(peerConn)
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		r.drop(peerConn)
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		r.drop(peerConn)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// readTrack reassembles frames from RTP and feeds the sink
func (r *Receiver) readTrack(track *webrtc.TrackRemote) {
	defer r.wg.Done()

	clockRate := track.Codec().ClockRate
	if clockRate == 0 {
		clockRate = h264ClockRate
	}
	builder := samplebuilder.New(r.cfg.MaxLatePackets, &codecs.H264Packet{}, clockRate)
	clock := newMediaClock(clockRate)

	stopPLI := make(chan struct{})
	defer close(stopPLI)
	r.RequestKeyFrame()
	if r.cfg.PLIInterval > 0 {
		go r.pliLoop(stopPLI)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("WebRTC", "Track read ended: %v", err)
			}
			return
		}
		r.packets.Add(1)

		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if sample.PrevDroppedPackets > 0 {
				logger.Debug("WebRTC", "%d packets lost before frame", sample.PrevDroppedPackets)
			}
			r.frames.Add(1)
			if err := r.sink.Feed(sample.Data, clock.micros(sample.PacketTimestamp)); err != nil {
				r.sinkErrors.Add(1)
				if logger.Every("webrtc.sink", 2*time.Second) {
					logger.Warn("WebRTC", "Frame rejected: %v", err)
				}
			}
		}
	}
}

// readRTCP drains incoming RTCP for the receiver
func (r *Receiver) readRTCP(recv *webrtc.RTPReceiver) {
	defer r.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := recv.Read(buf); err != nil {
			return
		}
	}
}

func (r *Receiver) pliLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.RequestKeyFrame()
		}
	}
}

// RequestKeyFrame sends a picture loss indication to the source. The decoder
// needs a fresh SPS and IDR after it is reopened.
func (r *Receiver) RequestKeyFrame() {
	r.mu.Lock()
	pc, ssrc := r.pc, r.ssrc
	r.mu.Unlock()
	if pc == nil || ssrc == 0 {
		return
	}

	if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
		logger.Debug("WebRTC", "PLI failed: %v", err)
		return
	}
	r.plisSent.Add(1)
}

// drop forgets pc if it is still the current connection
func (r *Receiver) drop(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	current := r.pc == pc
	if current {
		r.pc = nil
		r.connID = ""
		r.ssrc = 0
	}
	r.mu.Unlock()

	if current {
		logger.Info("WebRTC", "Source disconnected")
	}
	pc.Close()
}

// GetStats returns receive counters
func (r *Receiver) GetStats() Stats {
	r.mu.Lock()
	connected, connID := r.pc != nil, r.connID
	r.mu.Unlock()

	return Stats{
		Connected:    connected,
		ConnectionID: connID,
		Packets:      r.packets.Load(),
		Frames:       r.frames.Load(),
		SinkErrors:   r.sinkErrors.Load(),
		PLIsSent:     r.plisSent.Load(),
	}
}

// Close closes the peer connection and waits for the readers to stop
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	pc := r.pc
	r.pc = nil
	r.connID = ""
	r.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	r.wg.Wait()
	return err
}

// mediaClock converts 32-bit RTP timestamps to microseconds since the first
// packet, following wraparound.
type mediaClock struct {
	rate    uint32
	started bool
	last    uint32
	ticks   int64
}

func newMediaClock(rate uint32) *mediaClock {
	return &mediaClock{rate: rate}
}

func (c *mediaClock) micros(ts uint32) int64 {
	if !c.started {
		c.started = true
		c.last = ts
	}
	c.ticks += int64(int32(ts - c.last))
	c.last = ts
	return c.ticks * 1_000_000 / int64(c.rate)
}
