// Package cmd provides CLI commands for the mio binary.
package cmd

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/SasataniLab/miniscope-io/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(*cli.Context) error {
		resp := VersionResponse{
			Version: types.Version,
			Commit:  commit,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
}
