package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/model"
)

func encodeCommand(w io.Writer) *cli.Command {
	var (
		passphrase string
		origin     string
		seq        int64
		emergency  string
		lat, lon   float64
		noFix      bool
		hops       int64
		originTime int64
	)

	return &cli.Command{
		Name:  "encode",
		Usage: "Build a sealed beacon advertisement and print it as hex",
		Flags: []cli.Flag{
			passphraseFlag(&passphrase),
			&cli.StringFlag{Name: "origin", Usage: "Origin ID as 16 hex digits", Value: "0000000000000001", Destination: &origin},
			&cli.IntFlag{Name: "seq", Usage: "Origin sequence number", Destination: &seq},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Emergency type", Value: model.EmergencyGeneral.String(), Destination: &emergency},
			&cli.FloatFlag{Name: "lat", Usage: "Latitude in degrees", Destination: &lat},
			&cli.FloatFlag{Name: "lon", Usage: "Longitude in degrees", Destination: &lon},
			&cli.BoolFlag{Name: "no-fix", Usage: "Encode the no-fix sentinel instead of a coordinate", Destination: &noFix},
			&cli.IntFlag{Name: "hops", Usage: "Remaining hop budget", Value: 5, Destination: &hops},
			&cli.IntFlag{Name: "origin-time", Usage: "Seconds since the origin raised the alert", Destination: &originTime},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := strconv.ParseUint(strings.TrimPrefix(origin, "0x"), 16, 64)
			if err != nil {
				return fmt.Errorf("origin %q: %w", origin, err)
			}
			if seq < 0 || seq > 0xffff {
				return fmt.Errorf("seq %d out of range", seq)
			}
			if hops < 0 || hops > 0xff {
				return fmt.Errorf("hops %d out of range", hops)
			}
			if originTime < 0 || originTime > 0xffffffff {
				return fmt.Errorf("origin-time %d out of range", originTime)
			}
			et, err := model.ParseEmergency(emergency)
			if err != nil {
				return err
			}
			coord := geo.NoFix
			if !noFix {
				if coord, err = geo.Quantize(lat, lon); err != nil {
					return err
				}
			}

			cdc, err := codec.New(passphrase)
			if err != nil {
				return err
			}
			payload, err := cdc.Encode(model.BeaconMessage{
				OriginID:   id,
				Sequence:   uint16(seq),
				Emergency:  et,
				Coordinate: coord,
				HopBudget:  uint8(hops),
				OriginTime: uint32(originTime),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(w, hex.EncodeToString(payload))
			return nil
		},
	}
}

func decodeCommand(w io.Writer) *cli.Command {
	var passphrase string

	return &cli.Command{
		Name:      "decode",
		Usage:     "Verify and print the fields of a hex beacon advertisement",
		ArgsUsage: "<hex>",
		Flags:     []cli.Flag{passphraseFlag(&passphrase)},
		Action: func(ctx context.Context, c *cli.Command) error {
			arg := strings.TrimSpace(c.Args().First())
			if arg == "" {
				return errors.New("decode needs a hex payload")
			}
			payload, err := hex.DecodeString(arg)
			if err != nil {
				return fmt.Errorf("payload is not hex: %w", err)
			}
			cdc, err := codec.New(passphrase)
			if err != nil {
				return err
			}
			msg, err := cdc.Decode(payload)
			if err != nil {
				var de *codec.DecodeError
				if errors.As(err, &de) {
					fmt.Fprintf(w, "rejected: %s\n", de.Kind)
				}
				return err
			}

			fmt.Fprintf(w, "identity:    %s\n", msg.ID())
			fmt.Fprintf(w, "emergency:   %s\n", msg.Emergency)
			fmt.Fprintf(w, "coordinate:  %s\n", msg.Coordinate)
			fmt.Fprintf(w, "hop budget:  %d\n", msg.HopBudget)
			fmt.Fprintf(w, "origin time: %ds\n", msg.OriginTime)
			return nil
		},
	}
}
