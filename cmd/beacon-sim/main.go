package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/urfave/cli/v3"

	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/logging"
	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/radio"
)

func main() {
	var (
		brokerAddr string
		node       string
		origin     string
		emergency  string
		lat, lon   float64
		jitter     float64
		hops       int64
		interval   time.Duration
		passphrase string
		corrupt    int64
		logLevel   string
	)

	cmd := &cli.Command{
		Name:  "beacon-sim",
		Usage: "Publish a simulated victim's SOS advertisements on the bench hub",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "broker", Usage: "Hub address, e.g. tcp://localhost:1883", Value: "tcp://localhost:1883", Destination: &brokerAddr},
			&cli.StringFlag{Name: "node", Usage: "Node label the simulator transmits as", Value: "sim-victim-1", Destination: &node},
			&cli.StringFlag{Name: "origin", Usage: "Origin ID as hex; random when empty", Destination: &origin},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Emergency type", Value: model.EmergencyTrapped.String(), Destination: &emergency},
			&cli.FloatFlag{Name: "lat", Usage: "Victim latitude", Value: 48.2082, Destination: &lat},
			&cli.FloatFlag{Name: "lon", Usage: "Victim longitude", Value: 16.3738, Destination: &lon},
			&cli.FloatFlag{Name: "jitter", Usage: "Random position jitter in meters; negative sends no fix", Value: 5, Destination: &jitter},
			&cli.IntFlag{Name: "hops", Usage: "Hop budget of each advertisement", Value: 5, Destination: &hops},
			&cli.DurationFlag{Name: "interval", Usage: "Interval between advertisements", Value: 2 * time.Second, Destination: &interval},
			&cli.StringFlag{Name: "passphrase", Value: codec.DefaultPassphrase, Sources: cli.EnvVars("ECHOSOS_PASSPHRASE"), Destination: &passphrase},
			&cli.IntFlag{Name: "corrupt-every", Usage: "Flip a bit in every Nth advertisement (0 disables)", Destination: &corrupt},
			&cli.StringFlag{Name: "log-level", Value: "info", Destination: &logLevel},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.New(logLevel, "console", os.Stdout).With("node", node)

			et, err := model.ParseEmergency(emergency)
			if err != nil {
				return err
			}
			if hops < 0 || hops > 0xff {
				return fmt.Errorf("hops %d out of range", hops)
			}
			id := rand.Uint64()
			if origin != "" {
				if id, err = strconv.ParseUint(strings.TrimPrefix(origin, "0x"), 16, 64); err != nil {
					return fmt.Errorf("origin %q: %w", origin, err)
				}
			}
			cdc, err := codec.New(passphrase)
			if err != nil {
				return err
			}

			clientID := fmt.Sprintf("%s-simulator-%d", node, time.Now().UnixNano())
			opts := mqtt.NewClientOptions().AddBroker(brokerAddr).SetClientID(clientID)
			opts = opts.SetOrderMatters(false)

			client := mqtt.NewClient(opts)
			if token := client.Connect(); token.Wait() && token.Error() != nil {
				return fmt.Errorf("connect to hub: %w", token.Error())
			}
			logger.Info("connected to hub", "broker", brokerAddr, "client_id", clientID, "origin", fmt.Sprintf("%016x", id))

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			raised := time.Now()
			sent := int64(0)
			publish := func() {
				sent++
				msg := model.BeaconMessage{
					OriginID:   id,
					Emergency:  et,
					Coordinate: position(lat, lon, jitter),
					HopBudget:  uint8(hops),
					OriginTime: uint32(time.Since(raised).Seconds()),
				}
				payload, err := cdc.Encode(msg)
				if err != nil {
					logger.Error("failed to encode advertisement", "error", err)
					return
				}
				if corrupt > 0 && sent%corrupt == 0 {
					payload[len(payload)-1] ^= 0x01
				}

				client.Publish(radio.PresenceTopic(node), 0, false, []byte{}).Wait()
				token := client.Publish(radio.AirTopic(node), 0, false, payload)
				token.Wait()
				if err := token.Error(); err != nil {
					logger.Warn("publish error", "error", err)
					return
				}
				logger.Info("advertised", "id", msg.ID().String(), "fix", msg.Coordinate.String(), "sent", sent)
			}

			publish()

			for {
				select {
				case <-ctx.Done():
					logger.Info("received shutdown signal, disconnecting")
					client.Disconnect(250)
					return nil
				case <-ticker.C:
					publish()
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

// position scatters the fix by up to jitter meters, the way a phone's
// reading wanders while the victim stays put.
func position(lat, lon, jitter float64) geo.Code {
	if jitter < 0 {
		return geo.NoFix
	}
	const metersPerDegree = 111320.0
	dLat := (rand.Float64()*2 - 1) * jitter / metersPerDegree
	dLon := (rand.Float64()*2 - 1) * jitter / (metersPerDegree * math.Max(math.Cos(lat*math.Pi/180), 0.01))
	code, err := geo.Quantize(lat+dLat, lon+dLon)
	if err != nil {
		return geo.NoFix
	}
	return code
}
