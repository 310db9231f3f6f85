package daq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/SasataniLab/miniscope-io/config"
	"github.com/SasataniLab/miniscope-io/emit"
	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/iox"
	"github.com/SasataniLab/miniscope-io/log"
	"github.com/SasataniLab/miniscope-io/metrics"
	"github.com/SasataniLab/miniscope-io/record"
	"github.com/SasataniLab/miniscope-io/source"
	"github.com/SasataniLab/miniscope-io/storage"
)

// Artifact filenames within a session's output directory.
const (
	FramesFilename   = "frames.raw"
	MetadataFilename = "metadata.msgpack"
)

// SessionConfig configures a capture session.
type SessionConfig struct {
	// SessionID overrides the generated session identifier. Callers that
	// need the identifier before construction (archive key prefixes)
	// generate one and pass it in.
	SessionID string

	// Device is the loaded device configuration.
	Device *config.Config

	// Source supplies the raw buffer stream.
	Source source.Source

	// OutDir is where artifacts land. Created if missing.
	OutDir string

	// WriteMetadata enables the msgpack sidecar.
	WriteMetadata bool

	// IncludePartial writes abandoned frames to the stream file.
	IncludePartial bool

	// Archiver, if set, uploads artifacts after the capture ends.
	Archiver storage.Archiver

	// Logger overrides the session logger. Nil builds one from the
	// session identity.
	Logger *log.Logger

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// Report summarizes a finished capture session.
type Report struct {
	SessionID     string
	Metrics       metrics.Snapshot
	FramesWritten int64
	BytesWritten  int64
}

// Session runs one capture: engine in the calling goroutine, a single sink
// consumer on the other side of the emit queue. Both goroutines append to
// the metadata sidecar; the record writer serializes them.
type Session struct {
	id        string
	cfg       SessionConfig
	logger    *log.Logger
	collector *metrics.Collector
	engine    *Engine
	sink      *FileFrameSink
	metaFile  *os.File
	recorder  *record.Writer
	clock     func() time.Time
}

// NewSession prepares a capture session: output directory, artifact files,
// and the reconstruction engine.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Device == nil {
		return nil, errors.New("daq: session requires a device config")
	}
	if cfg.Source == nil {
		return nil, errors.New("daq: session requires a source")
	}
	if cfg.OutDir == "" {
		return nil, errors.New("daq: session requires an output directory")
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger(log.SessionMeta{SessionID: id, Device: cfg.Device.Device})
	}
	collector := metrics.NewCollector(id, cfg.Device.Device)
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("daq: create output directory: %w", err)
	}

	sink, err := NewFileFrameSink(filepath.Join(cfg.OutDir, FramesFilename), cfg.IncludePartial)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		sink:      sink,
		clock:     clock,
	}

	if cfg.WriteMetadata {
		metaFile, err := os.Create(filepath.Join(cfg.OutDir, MetadataFilename))
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("daq: create metadata sidecar: %w", err)
		}
		s.metaFile = metaFile
		s.recorder = record.NewWriter(metaFile)
		if err := s.recorder.WriteSession(record.SessionRecord{
			SessionID:   id,
			Device:      cfg.Device.Device,
			Layout:      cfg.Device.Layout(),
			FrameWidth:  cfg.Device.Frame.Width,
			FrameHeight: cfg.Device.Frame.Height,
			PixelDepth:  cfg.Device.Frame.PixelDepth,
			StartedAt:   clock().UnixNano(),
		}); err != nil {
			iox.DiscardClose(sink)
			iox.DiscardClose(metaFile)
			return nil, err
		}
	}

	var onBuffer func(uint64, header.Header, time.Time) error
	if s.recorder != nil {
		onBuffer = s.recorder.WriteBuffer
	}

	engine, err := NewEngine(EngineConfig{
		Layout:        cfg.Device.Layout(),
		Source:        cfg.Source,
		Deadline:      cfg.Device.Runtime.LivenessDeadline.Duration,
		RecencyWindow: cfg.Device.Runtime.RecencyWindow,
		MaxBlockCount: cfg.Device.Runtime.MaxBlockCount,
		QueueCapacity: cfg.Device.Runtime.QueueCapacity,
		Logger:        logger,
		Collector:     collector,
		Clock:         clock,
		OnBuffer:      onBuffer,
	})
	if err != nil {
		iox.DiscardClose(sink)
		if s.metaFile != nil {
			iox.DiscardClose(s.metaFile)
		}
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Metrics returns the live metrics collector, for dashboards.
func (s *Session) Metrics() *metrics.Collector { return s.collector }

// Queue returns the emit queue, for depth readouts.
func (s *Session) Queue() *emit.Queue { return s.engine.Queue() }

// Run executes the capture until end-of-stream or cancellation and returns
// the final report. Artifacts are flushed and, when an archiver is
// configured, uploaded before returning.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	s.logger.Info("capture started", map[string]any{
		"out_dir": s.cfg.OutDir,
	})

	// A failed consumer cancels the engine so Push never blocks against a
	// dead sink.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumerDone := make(chan error, 1)
	go func() {
		err := s.consume(runCtx)
		if err != nil {
			cancel()
		}
		consumerDone <- err
	}()

	runErr := s.engine.Run(runCtx)
	consumeErr := <-consumerDone

	closers := []io.Closer{s.sink}
	if s.metaFile != nil {
		closers = append(closers, s.metaFile)
	}
	closeErr := iox.CloseAll(closers...)

	report := &Report{
		SessionID:     s.id,
		Metrics:       s.collector.Snapshot(),
		FramesWritten: s.sink.FramesWritten(),
		BytesWritten:  s.sink.BytesWritten(),
	}

	s.logger.Info("capture finished", map[string]any{
		"frames_completed": report.Metrics.FramesCompleted,
		"frames_abandoned": report.Metrics.FramesAbandoned,
		"buffers_received": report.Metrics.BuffersReceived,
		"frames_written":   report.FramesWritten,
	})

	err := errors.Join(runErr, consumeErr, closeErr)
	if err != nil {
		return report, err
	}

	if s.cfg.Archiver != nil {
		if err := s.archive(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

// consume drains the emit queue into the frame sink and sidecar until the
// engine finishes the stream.
func (s *Session) consume(ctx context.Context) error {
	for {
		frame, err := s.engine.Queue().Pop(ctx)
		if err != nil {
			if errors.Is(err, emit.ErrFinished) {
				return nil
			}
			return err
		}
		if err := s.sink.WriteFrame(frame); err != nil {
			return err
		}
		if s.recorder != nil {
			if err := s.recorder.WriteFrame(frame); err != nil {
				return err
			}
		}
	}
}

// archive uploads the session artifacts.
func (s *Session) archive(ctx context.Context) error {
	names := []string{FramesFilename}
	if s.metaFile != nil {
		names = append(names, MetadataFilename)
	}
	for _, name := range names {
		f, err := os.Open(filepath.Join(s.cfg.OutDir, name))
		if err != nil {
			return fmt.Errorf("daq: open artifact %s: %w", name, err)
		}
		err = s.cfg.Archiver.Put(ctx, name, "application/octet-stream", f)
		iox.DiscardClose(f)
		if err != nil {
			return err
		}
		s.logger.Info("artifact archived", map[string]any{
			"artifact": name,
		})
	}
	return nil
}
