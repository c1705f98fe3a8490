package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/surface"
)

func main() {
	var (
		input         string
		outDir        string
		width         int
		height        int
		fps           int
		snapshotEvery int
		quality       int
		realtime      bool
		logLevel      string
		logColor      bool
	)

	flag.StringVar(&input, "in", "", "Annex-B .h264 file to decode")
	flag.StringVar(&outDir, "out", "./snapshots", "Snapshot output directory")
	flag.IntVar(&width, "width", 1280, "Stream width")
	flag.IntVar(&height, "height", 720, "Stream height")
	flag.IntVar(&fps, "fps", 30, "Stream frame rate, used for timestamps")
	flag.IntVar(&snapshotEvery, "snapshot-every", 30, "Write a JPEG every N drawn frames (0 disables)")
	flag.IntVar(&quality, "quality", 80, "JPEG quality")
	flag.BoolVar(&realtime, "realtime", false, "Pace frames at -fps")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if input == "" {
		log.Fatalf("-in is required")
	}
	if fps <= 0 {
		log.Fatalf("-fps must be positive")
	}

	stream, err := os.ReadFile(input)
	if err != nil {
		log.Fatalf("Failed to read input: %v", err)
	}
	if snapshotEvery > 0 {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	texture := surface.NewSoftwareTexture(width, height)
	sess := session.New(codec.NewEmulator(codec.DefaultEmulatorConfig()), texture, session.Config{
		Format: codec.Format{MIMEType: codec.MIMETypeAVC, Width: width, Height: height},
	})
	defer sess.Close()

	if _, err := sess.SurfaceID(); err != nil {
		log.Fatalf("Failed to open decoder: %v", err)
	}

	frames := h264.SplitFrames(stream)
	logger.Info("Main", "Decoding %s: %d frames, %d bytes", input, len(frames), len(stream))

	frameInterval := time.Second / time.Duration(fps)
	start := time.Now()
	drawn, snapshots, rejected := 0, 0, 0

	for i, frame := range frames {
		pts := int64(i) * frameInterval.Microseconds()
		if err := sess.Feed(frame, pts); err != nil {
			rejected++
			logger.Debug("Main", "Frame %d rejected: %v", i, err)
		}

		ok, err := sess.CommitFrame()
		if err != nil {
			log.Fatalf("Render failed at frame %d: %v", i, err)
		}
		if ok {
			drawn++
			if snapshotEvery > 0 && drawn%snapshotEvery == 0 {
				if err := writeSnapshot(texture, filepath.Join(outDir, fmt.Sprintf("frame_%06d.jpg", drawn)), quality); err != nil {
					log.Fatalf("Failed to write snapshot: %v", err)
				}
				snapshots++
			}
		}

		if realtime {
			if wait := time.Until(start.Add(time.Duration(i+1) * frameInterval)); wait > 0 {
				time.Sleep(wait)
			}
		}
	}

	st := sess.Status()
	logger.Info("Main", "Done in %v: %d drawn, %d rejected, %d snapshots (profile %d level %d, output %dx%d)",
		time.Since(start).Round(time.Millisecond), drawn, rejected, snapshots,
		st.Profile, st.Level, st.OutputWidth, st.OutputHeight)
}

// writeSnapshot replaces path atomically so viewers polling the directory
// never see a partial JPEG.
func writeSnapshot(texture *surface.SoftwareTexture, path string, quality int) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending snapshot: %w", err)
	}
	defer pending.Cleanup()

	if err := texture.Snapshot(pending, quality); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
