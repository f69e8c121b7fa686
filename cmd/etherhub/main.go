package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/ether"
	"echosos/beacon-node/internal/logging"
	"echosos/beacon-node/internal/radio"
)

func main() {
	var (
		bind       string
		topology   string
		loss       float64
		seed       int64
		passphrase string
		logLevel   string
		logFormat  string
		statsEvery time.Duration
	)

	cmd := &cli.Command{
		Name:  "etherhub",
		Usage: "Simulated radio range for a bench mesh of EchoSOS nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Listen address", Value: ":1883", Sources: cli.EnvVars("ETHER_BIND"), Destination: &bind},
			&cli.StringFlag{Name: "topology", Usage: "YAML file declaring links and loss", Sources: cli.EnvVars("ETHER_TOPOLOGY"), Destination: &topology},
			&cli.FloatFlag{Name: "loss", Usage: "Frame loss probability when no topology file is given", Destination: &loss},
			&cli.IntFlag{Name: "seed", Usage: "Loss model seed when no topology file is given", Value: 1, Destination: &seed},
			&cli.StringFlag{Name: "passphrase", Usage: "Mesh passphrase used to decode frames for the log", Value: codec.DefaultPassphrase, Sources: cli.EnvVars("ECHOSOS_PASSPHRASE"), Destination: &passphrase},
			&cli.StringFlag{Name: "log-level", Value: "info", Sources: cli.EnvVars("ETHER_LOG_LEVEL"), Destination: &logLevel},
			&cli.StringFlag{Name: "log-format", Value: "text", Sources: cli.EnvVars("ETHER_LOG_FORMAT"), Destination: &logFormat},
			&cli.DurationFlag{Name: "stats", Usage: "Interval between delivery statistics lines", Value: time.Minute, Destination: &statsEvery},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.New(logLevel, logFormat, os.Stdout)

			var (
				topo *ether.Topology
				err  error
			)
			if topology != "" {
				topo, err = ether.LoadTopology(topology)
			} else {
				topo, err = ether.NewTopology(loss, uint64(seed))
			}
			if err != nil {
				return err
			}
			cdc, err := codec.New(passphrase)
			if err != nil {
				return err
			}

			hub := ether.NewHub(topo, logger)
			hub.SetTap(frameLogger(cdc, logger))
			errCh, err := hub.Start(bind)
			if err != nil {
				return err
			}
			defer hub.Stop()

			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("shutting down ether hub")
					return nil
				case err, ok := <-errCh:
					if !ok {
						return nil
					}
					return err
				case <-ticker.C:
					s := hub.Stats()
					logger.Info("ether stats",
						"frames", humanize.Comma(int64(s.Frames)),
						"delivered", humanize.Comma(int64(s.Delivered)),
						"out_of_range", s.OutOfRange,
						"lost", s.Lost)
				}
			}
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// frameLogger decodes advertisements passing through the hub so an operator
// can follow an alert across the bench mesh.
func frameLogger(cdc *codec.Codec, logger *slog.Logger) ether.Tap {
	return func(ctx context.Context, f ether.Frame) {
		if !strings.HasPrefix(f.Topic, radio.AirTopicPrefix) {
			return
		}
		msg, err := cdc.Decode(f.Payload)
		if err != nil {
			logger.Warn("undecodable frame", "node", f.Node, "payload", hex.EncodeToString(f.Payload), "error", err)
			return
		}
		logger.Debug("frame",
			"node", f.Node,
			"id", msg.ID().String(),
			"emergency", msg.Emergency.String(),
			"hops", msg.HopBudget,
			"fix", msg.Coordinate.String())
	}
}
