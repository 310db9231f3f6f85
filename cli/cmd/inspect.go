package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/SasataniLab/miniscope-io/iox"
	"github.com/SasataniLab/miniscope-io/record"
)

// InspectSummary is the output of the inspect command.
type InspectSummary struct {
	Session       *record.SessionRecord `json:"session,omitempty"`
	Buffers       int                   `json:"buffers"`
	Frames        int                   `json:"frames"`
	Completed     int                   `json:"completed"`
	Abandoned     int                   `json:"abandoned"`
	MissingBlocks int                   `json:"missing_blocks"`
	// SizeMismatches counts complete frames whose payload size disagrees
	// with the session's configured frame geometry. Zero geometry skips
	// the check.
	SizeMismatches int `json:"size_mismatches"`
	// TruncatedTail reports a sidecar cut mid-record, as after a crash.
	// Everything counted above is still valid.
	TruncatedTail bool `json:"truncated_tail"`

	FrameList []*record.FrameRecord `json:"frame_list,omitempty"`
}

// InspectCommand returns the inspect command. It reads a capture's metadata
// sidecar and never touches the stream files.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize a capture's metadata sidecar",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Usage:    "Path to the metadata sidecar",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "frames",
				Usage: "Include the per-frame outcome list",
			},
		},
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	f, err := os.Open(c.String("input"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open sidecar: %v", err), exitConfigError)
	}
	defer iox.DiscardClose(f)

	summary, err := summarize(f, c.Bool("frames"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("sidecar unreadable: %v", err), exitStreamError)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// summarize folds a sidecar stream into an InspectSummary. A truncated tail
// record ends the walk without discarding what came before it.
func summarize(r io.Reader, withFrames bool) (*InspectSummary, error) {
	reader := record.NewReader(r)
	summary := &InspectSummary{}

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if record.IsPartial(err) {
			summary.TruncatedTail = true
			return summary, nil
		}
		if err != nil {
			return nil, err
		}

		switch rec := rec.(type) {
		case *record.SessionRecord:
			summary.Session = rec
		case *record.BufferRecord:
			summary.Buffers++
		case *record.FrameRecord:
			summary.Frames++
			if rec.Complete {
				summary.Completed++
				if want := expectedFrameBytes(summary.Session); want > 0 && rec.PayloadBytes != want {
					summary.SizeMismatches++
				}
			} else {
				summary.Abandoned++
			}
			summary.MissingBlocks += len(rec.Missing)
			if withFrames {
				summary.FrameList = append(summary.FrameList, rec)
			}
		}
	}
}

// expectedFrameBytes derives the nominal frame payload size from the
// session's configured geometry, rounding fractional pixel depths up to
// whole bytes.
func expectedFrameBytes(sess *record.SessionRecord) int {
	if sess == nil {
		return 0
	}
	depth := sess.PixelDepth
	if depth == 0 {
		depth = 8
	}
	return (sess.FrameWidth*sess.FrameHeight*depth + 7) / 8
}
