// Package cli implements the echosos bench tool: acoustic chirp generation
// and analysis, beacon frame encoding, and journal inspection.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"echosos/beacon-node/internal/codec"
)

// Error carries the exit code for main.
type Error struct {
	Code    int
	Message string
}

// Run executes the tool with argv, writing results to w.
func Run(ctx context.Context, argv []string, w io.Writer) *Error {
	if w == nil {
		w = os.Stdout
	}
	cmd := &cli.Command{
		Name:  "echosos",
		Usage: "Bench tool for EchoSOS beacons",
		Commands: []*cli.Command{
			chirpCommand(w),
			listenCommand(w),
			encodeCommand(w),
			decodeCommand(w),
			journalCommand(w),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func passphraseFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "passphrase",
		Aliases:     []string{"p"},
		Usage:       "Mesh passphrase the integrity tag is keyed with",
		Value:       codec.DefaultPassphrase,
		Sources:     cli.EnvVars("ECHOSOS_PASSPHRASE"),
		Destination: dst,
	}
}
