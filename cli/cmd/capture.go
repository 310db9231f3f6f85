package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/SasataniLab/miniscope-io/cli/tui"
	"github.com/SasataniLab/miniscope-io/config"
	"github.com/SasataniLab/miniscope-io/daq"
	"github.com/SasataniLab/miniscope-io/source"
	"github.com/SasataniLab/miniscope-io/storage"
)

// Exit codes for the capture command.
const (
	exitSuccess     = 0
	exitConfigError = 1
	exitStreamError = 2
	exitSinkError   = 3
)

// RawStreamFilename is the raw stream copy written by --binary.
const RawStreamFilename = "stream.bin"

// CaptureCommand returns the capture command.
// This is the only command that executes work; everything else is read-only.
func CaptureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Reconstruct frames from a recorded sensor stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to device YAML config (defaults to shipped firmware layout)",
			},
			&cli.StringFlag{
				Name:     "input",
				Usage:    "Path to recorded stream file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Output directory for session artifacts",
			},
			&cli.BoolFlag{
				Name:  "metadata",
				Usage: "Write the msgpack metadata sidecar",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "binary",
				Usage: "Keep a raw copy of the scanned stream",
			},
			&cli.BoolFlag{
				Name:  "include-partial",
				Usage: "Write abandoned frames to the stream file",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the summary output",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show the live dashboard while capturing",
			},
			// Archive flags. Config file values apply when unset.
			&cli.StringFlag{
				Name:  "archive-bucket",
				Usage: "S3 bucket for artifact archival, optionally bucket/prefix (enables archival)",
			},
			&cli.StringFlag{
				Name:  "archive-prefix",
				Usage: "Key prefix within the archive bucket",
			},
			&cli.StringFlag{
				Name:  "s3-region",
				Usage: "AWS region for the archive bucket (optional, uses default chain)",
			},
			&cli.StringFlag{
				Name:  "s3-endpoint",
				Usage: "Custom S3 endpoint URL (R2, MinIO)",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Force path-style S3 addressing",
			},
		},
		Action: captureAction,
	}
}

func captureAction(c *cli.Context) error {
	dev, err := loadDeviceConfig(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	outDir := c.String("out")
	if outDir == "" {
		outDir = filepath.Join("captures", time.Now().Format("20060102-150405"))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("cannot create output directory: %v", err), exitSinkError)
	}

	src, err := buildSource(c, dev, outDir)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	archiver, err := buildArchiver(ctx, c, dev, sessionID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("archive setup failed: %v", err), exitConfigError)
	}

	session, err := daq.NewSession(daq.SessionConfig{
		SessionID:      sessionID,
		Device:         dev,
		Source:         src,
		OutDir:         outDir,
		WriteMetadata:  c.Bool("metadata"),
		IncludePartial: c.Bool("include-partial"),
		Archiver:       archiver,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("session setup failed: %v", err), exitSinkError)
	}

	var report *daq.Report
	var runErr error
	if c.Bool("tui") {
		report, runErr = runWithDashboard(ctx, session, dev.Device)
	} else {
		report, runErr = session.Run(ctx)
	}

	if runErr != nil {
		code := exitStreamError
		var ee *daq.EngineError
		if errors.As(runErr, &ee) && ee.Kind == daq.EngineErrorSink {
			code = exitSinkError
		}
		return cli.Exit(fmt.Sprintf("capture failed: %v", runErr), code)
	}

	if !c.Bool("quiet") && report != nil {
		if err := printReport(report); err != nil {
			return err
		}
	}
	return nil
}

// runWithDashboard runs the capture in the background while the dashboard
// owns the terminal, and quits the dashboard when the capture ends.
func runWithDashboard(ctx context.Context, session *daq.Session, device string) (*daq.Report, error) {
	fetch := func() tui.Stats {
		snap := session.Metrics().Snapshot()
		return tui.Stats{
			Snapshot:   snap,
			QueueLen:   session.Queue().Len(),
			QueueCap:   session.Queue().Cap(),
			OpenFrames: int(snap.OpenFrames),
		}
	}
	program := tui.NewProgram(device, fetch)

	type result struct {
		report *daq.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := session.Run(ctx)
		program.Quit()
		done <- result{report, err}
	}()

	if _, err := program.Run(); err != nil {
		return nil, err
	}
	r := <-done
	return r.report, r.err
}

// loadDeviceConfig loads the device config, or the shipped default when no
// path is given.
func loadDeviceConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildSource opens the replay scanner, optionally teeing the raw stream.
func buildSource(c *cli.Context, dev *config.Config, outDir string) (source.Source, error) {
	preamble, err := source.Preamble(dev.Layout())
	if err != nil {
		return nil, err
	}

	scanner, err := source.NewFileReplay(c.String("input"), source.ScanConfig{
		Preamble:  preamble,
		ChunkSize: dev.Runtime.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	if !c.Bool("binary") {
		return scanner, nil
	}
	raw, err := os.Create(filepath.Join(outDir, RawStreamFilename))
	if err != nil {
		scanner.Close()
		return nil, fmt.Errorf("cannot create raw stream copy: %w", err)
	}
	return source.NewTee(scanner, raw), nil
}

// buildArchiver wires the S3 archiver when a bucket is configured. Flags
// override config file values.
func buildArchiver(ctx context.Context, c *cli.Context, dev *config.Config, sessionID string) (storage.Archiver, error) {
	s3cfg := dev.S3()
	if b := c.String("archive-bucket"); b != "" {
		bucket, prefix := storage.ParseS3Path(b)
		s3cfg.Bucket = bucket
		if prefix != "" {
			s3cfg.Prefix = prefix
		}
	}
	if p := c.String("archive-prefix"); p != "" {
		s3cfg.Prefix = p
	}
	if r := c.String("s3-region"); r != "" {
		s3cfg.Region = r
	}
	if e := c.String("s3-endpoint"); e != "" {
		s3cfg.Endpoint = e
	}
	if c.Bool("s3-path-style") {
		s3cfg.UsePathStyle = true
	}

	if s3cfg.Bucket == "" {
		return nil, nil
	}

	day := time.Now().Format("2006-01-02")
	return storage.NewS3Archiver(ctx, s3cfg, dev.Device, day, sessionID)
}

func printReport(report *daq.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
