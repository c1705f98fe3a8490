package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/control"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/decoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/surface"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

var (
	// Command-line flags. Empty values keep the config file / defaults.
	configPath  = flag.String("config", "", "YAML config file (watched for changes)")
	httpAddr    = flag.String("http", "", "Control server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address")
	recordPath  = flag.String("record-path", "", "Recording output path")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	logFile     = flag.String("log-file", "", "Also write logs to this file, rotated by size")
)

// recoverInterval limits how often a fatal decoder fault triggers a reopen.
const recoverInterval = time.Second

const (
	logMaxSizeMB  = 20
	logMaxBackups = 14
	logMaxAgeDays = 7
)

// Client wires the WebRTC source into the decode session and the render loop.
type Client struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	texture  *surface.SoftwareTexture
	session  *session.Session
	receiver *webrtc.Receiver
	recorder *recorder.Recorder
	frames   *control.FrameBroadcaster

	httpServer    *http.Server
	metricsServer *http.Server
	pprofServer   *http.Server

	recoverLimit *rate.Limiter

	mu     sync.Mutex
	width  int
	height int
}

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	applyFlags(&cfg)

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			LocalTime:  true,
		}
		defer fileWriter.Close()
		out = io.MultiWriter(os.Stderr, fileWriter)
		// Escape codes would end up in the file.
		cfg.LogColor = false
	}
	logger.Init(level, out, cfg.LogColor)

	logger.Info("Main", "Stream client starting...")
	logger.Info("Main", "Log level: %s", level)

	client, err := NewClient(cfg)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		logger.Error("Main", "Client stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Client stopped")
}

func applyFlags(cfg *config.Config) {
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *pprofAddr != "" {
		cfg.PprofAddr = *pprofAddr
	}
	if *recordPath != "" {
		cfg.Recording.OutputPath = *recordPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-color" {
			cfg.LogColor = *logColor
		}
	})
}

// NewClient creates the decode session, the WebRTC receiver and the servers
func NewClient(cfg config.Config) (*Client, error) {
	m := metrics.New()

	factory := codec.NewEmulator(codec.EmulatorConfig{
		InputSlots:  cfg.Decoder.InputSlots,
		OutputSlots: cfg.Decoder.OutputSlots,
		SlotSize:    cfg.Decoder.SlotSize,
	})
	texture := surface.NewSoftwareTexture(cfg.Display.Width, cfg.Display.Height)

	sess := session.New(factory, texture, session.Config{
		Format: codec.Format{
			MIMEType: codec.MIMETypeAVC,
			Width:    cfg.Decoder.Width,
			Height:   cfg.Decoder.Height,
		},
		LatchTimeout: cfg.Decoder.LatchTimeout,
		DrainBudget:  cfg.Decoder.DrainBudget,
		Engine:       decoder.Config{MaxRepolls: cfg.Decoder.MaxRepolls},
		Metrics:      m,
	})

	c := &Client{
		cfg:      cfg,
		metrics:  m,
		texture:  texture,
		session:  sess,
		recorder: recorder.NewRecorder(cfg.Recording.OutputPath, m),
		frames:   control.NewFrameBroadcaster(),
		width:    cfg.Decoder.Width,
		height:   cfg.Decoder.Height,

		recoverLimit: rate.NewLimiter(rate.Every(recoverInterval), 1),
	}

	receiver, err := webrtc.NewReceiver(webrtc.Config{
		STUNServers:    cfg.WebRTC.STUNServers,
		MaxLatePackets: cfg.WebRTC.MaxLatePackets,
		PLIInterval:    cfg.WebRTC.PLIInterval,
	}, c)
	if err != nil {
		return nil, err
	}
	c.receiver = receiver

	ctrl := control.New(control.Options{
		Session:         c,
		Receiver:        receiver,
		Recorder:        c.recorder,
		Snapshotter:     texture,
		SnapshotQuality: cfg.Display.SnapshotQuality,
		Frames:          c.frames,
		SignalRateLimit: cfg.SignalRateLimit,
	})
	c.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	c.metricsServer = m.NewServer(cfg.MetricsAddr)
	c.pprofServer = &http.Server{
		Addr:              cfg.PprofAddr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return c, nil
}

// Run opens the decoder, starts all components and blocks until ctx is done
func (c *Client) Run(ctx context.Context) error {
	logger.Info("Main", "  Control server: %s", c.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", c.cfg.MetricsAddr)
	logger.Info("Main", "  pprof server: %s", c.cfg.PprofAddr)
	logger.Info("Main", "  Decoder: %dx%d, display %dx%d",
		c.cfg.Decoder.Width, c.cfg.Decoder.Height, c.cfg.Display.Width, c.cfg.Display.Height)

	// The render host asks for its target before any frame arrives.
	id, err := c.session.SurfaceID()
	if err != nil {
		return err
	}
	logger.Info("Main", "Render surface %d ready", id)

	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{c.httpServer, c.metricsServer, c.pprofServer} {
		g.Go(func() error {
			logger.Info("Main", "Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		c.renderLoop(ctx)
		return nil
	})

	if *configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, *configPath, config.DefaultDebounce, c.applyConfig)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		c.shutdown()
		return nil
	})

	logger.Info("Main", "Client started successfully")
	return g.Wait()
}

// Feed is the receiver's frame sink: frames are teed to the recorder and
// decoded. A fatal decoder fault reopens the decoder and asks the source
// for a key frame.
func (c *Client) Feed(frame []byte, ptsUs int64) error {
	c.recorder.Record(types.AccessUnit{
		Data:      frame,
		Timestamp: time.Duration(ptsUs) * time.Microsecond,
	})

	err := c.session.Feed(frame, ptsUs)
	if err == nil || !decoder.IsFatal(err) {
		return err
	}

	if !c.recoverLimit.Allow() {
		return err
	}
	c.mu.Lock()
	width, height := c.width, c.height
	c.mu.Unlock()

	logger.Warn("Main", "Decoder fault, reopening %dx%d: %v", width, height, err)
	if rerr := c.session.Reconfigure(width, height); rerr != nil {
		logger.Error("Main", "Reopen failed: %v", rerr)
		return errors.Join(err, rerr)
	}
	c.receiver.RequestKeyFrame()
	return err
}

// Reconfigure reopens the decoder at a new size. It satisfies
// control.Session.
func (c *Client) Reconfigure(width, height int) error {
	if err := c.session.Reconfigure(width, height); err != nil {
		return err
	}
	c.mu.Lock()
	c.width, c.height = width, height
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) Status() session.Status {
	return c.session.Status()
}

// renderLoop is the render host: every tick it latches the newest decoded
// frame, if any, and draws it. Drawn frames go to MJPEG viewers.
func (c *Client) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Display.RenderInterval)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drawn, err := c.session.CommitFrame()
			if err != nil {
				if logger.Every("render.commit", 5*time.Second) {
					logger.Warn("Render", "Commit failed: %v", err)
				}
				continue
			}
			if !drawn || !c.frames.HasClients() {
				continue
			}

			buf.Reset()
			if err := c.texture.Snapshot(&buf, c.cfg.Display.SnapshotQuality); err != nil {
				logger.Debug("Render", "Encode failed: %v", err)
				continue
			}
			c.frames.Publish(bytes.Clone(buf.Bytes()))
		}
	}
}

// applyConfig handles a reloaded config file. Only the log level and the
// decode size take effect without a restart.
func (c *Client) applyConfig(cfg config.Config) {
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil && level != logger.GetLevel() {
		logger.SetLevel(level)
		logger.Info("Config", "Log level set to %s", level)
	}

	c.mu.Lock()
	changed := cfg.Decoder.Width != c.width || cfg.Decoder.Height != c.height
	c.mu.Unlock()
	if !changed {
		return
	}

	logger.Info("Config", "Decode size changed to %dx%d", cfg.Decoder.Width, cfg.Decoder.Height)
	if err := c.Reconfigure(cfg.Decoder.Width, cfg.Decoder.Height); err != nil {
		logger.Error("Config", "Reconfigure failed: %v", err)
		return
	}
	c.receiver.RequestKeyFrame()
}

// shutdown stops the servers and closes components in dependency order
func (c *Client) shutdown() {
	logger.Info("Main", "Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{c.httpServer, c.metricsServer, c.pprofServer} {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Main", "Server %s shutdown: %v", srv.Addr, err)
		}
	}

	c.frames.Close()

	// Stop the source first so nothing feeds a closed session.
	if err := c.receiver.Close(); err != nil {
		logger.Warn("Main", "Receiver close: %v", err)
	}
	if err := c.recorder.Close(); err != nil {
		logger.Warn("Main", "Recorder close: %v", err)
	}
	if err := c.session.Close(); err != nil {
		logger.Warn("Main", "Session close: %v", err)
	}
}
