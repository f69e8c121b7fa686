package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"echosos/beacon-node/internal/acoustic"
	"echosos/beacon-node/internal/model"
)

func chirpCommand(w io.Writer) *cli.Command {
	var (
		out       string
		emergency string
		periods   int64
		rate      int64
		battery   float64
		lead      time.Duration
		noise     float64
		seed      int64
	)

	return &cli.Command{
		Name:  "chirp",
		Usage: "Render the acoustic beacon for an emergency type to a WAV file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output WAV path", Value: "chirp.wav", Destination: &out},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Emergency type", Value: model.EmergencyGeneral.String(), Destination: &emergency},
			&cli.IntFlag{Name: "periods", Aliases: []string{"n"}, Usage: "Number of chirp periods", Value: 4, Destination: &periods},
			&cli.IntFlag{Name: "sample-rate", Usage: "Sample rate in Hz", Value: int64(acoustic.DefaultConfig().SampleRate), Destination: &rate},
			&cli.FloatFlag{Name: "battery", Usage: "Battery level (0..1) checked against the reserve", Value: 1, Destination: &battery},
			&cli.DurationFlag{Name: "lead", Usage: "Leading pause before the first chirp", Destination: &lead},
			&cli.FloatFlag{Name: "noise", Usage: "Standard deviation of added white noise", Destination: &noise},
			&cli.IntFlag{Name: "seed", Usage: "Noise generator seed", Value: 1, Destination: &seed},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			et, err := model.ParseEmergency(emergency)
			if err != nil {
				return err
			}
			if periods < 1 {
				return errors.New("periods must be at least 1")
			}
			cfg := acoustic.DefaultConfig()
			cfg.SampleRate = int(rate)
			em, err := acoustic.NewEmitter(cfg)
			if err != nil {
				return err
			}
			period, err := em.Emit(et, battery)
			if err != nil {
				return err
			}

			samples := make([]float64, int(lead.Seconds()*float64(cfg.SampleRate)), int(lead.Seconds()*float64(cfg.SampleRate))+int(periods)*len(period))
			for i := int64(0); i < periods; i++ {
				samples = append(samples, period...)
			}
			if noise > 0 {
				rng := rand.New(rand.NewSource(seed))
				for i := range samples {
					samples[i] += rng.NormFloat64() * noise
				}
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			if err := acoustic.WriteWAV(f, samples, cfg.SampleRate); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}
			info, err := os.Stat(out)
			if err != nil {
				return err
			}

			lo, hi := cfg.SubBand(et)
			duration := time.Duration(float64(len(samples)) / float64(cfg.SampleRate) * float64(time.Second))
			fmt.Fprintf(w, "wrote %s: %s chirp %.0f-%.0f Hz, %d periods, %s, %s\n",
				out, et, lo, hi, periods, duration.Round(time.Millisecond), humanize.Bytes(uint64(info.Size())))
			return nil
		},
	}
}

func listenCommand(w io.Writer) *cli.Command {
	var (
		verbose   bool
		threshold float64
	)

	return &cli.Command{
		Name:      "listen",
		Usage:     "Scan a recorded WAV file for acoustic beacons",
		ArgsUsage: "<file.wav>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Print the in-band spectrum peak", Destination: &verbose},
			&cli.FloatFlag{Name: "threshold", Usage: "Energy ratio over the noise floor that marks a pulse", Value: acoustic.DefaultConfig().ThresholdRatio, Destination: &threshold},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("listen needs a WAV file")
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			samples, rate, err := acoustic.ReadWAV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			cfg := acoustic.DefaultConfig()
			cfg.SampleRate = rate
			cfg.ThresholdRatio = threshold
			if float64(rate)/2 < cfg.BandHigh {
				return fmt.Errorf("%s: sample rate %d Hz cannot carry the %.0f-%.0f Hz band", path, rate, cfg.BandLow, cfg.BandHigh)
			}

			var start time.Time
			d, err := acoustic.NewDetector(cfg, start)
			if err != nil {
				return err
			}
			rep := d.Process(samples)

			duration := time.Duration(float64(len(samples)) / float64(rate) * float64(time.Second))
			fmt.Fprintf(w, "%s: %s at %d Hz, noise floor %.3g\n", path, duration.Round(time.Millisecond), rate, d.NoiseFloor())
			for _, det := range rep.Detections {
				fmt.Fprintf(w, "  %8s  %-10s snr=%.1fdB strength=%.2f peak=%.0fHz\n",
					det.DetectedAt.Sub(start).Round(time.Millisecond), det.Emergency, det.SNR, det.Strength, det.PeakHz)
			}
			fmt.Fprintf(w, "status: %s (%d detections)\n", rep.Status, len(rep.Detections))

			if verbose {
				bins := acoustic.Spectrum(samples, rate, cfg.BandLow, cfg.BandHigh)
				if peak, ok := acoustic.PeakFrequency(bins); ok {
					et, _ := cfg.Classify(peak.Hz)
					fmt.Fprintf(w, "spectrum peak: %.0f Hz (%s band), magnitude %.3g over %d bins\n", peak.Hz, et, peak.Magnitude, len(bins))
				}
			}
			return nil
		},
	}
}
