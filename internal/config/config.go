package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"echosos/beacon-node/internal/acoustic"
	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/dutycycle"
	"echosos/beacon-node/internal/relay"
)

// Config lists the tunable parameters of a beacon node.
type Config struct {
	Node     NodeConfig      `yaml:"node"`
	Mesh     MeshConfig      `yaml:"mesh"`
	Medium   MediumConfig    `yaml:"medium"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Acoustic acoustic.Config `yaml:"acoustic"`
}

// NodeConfig covers the process itself.
type NodeConfig struct {
	Name         string `yaml:"name"`
	HTTPPort     int    `yaml:"http_port"`
	MetricsPort  int    `yaml:"metrics_port"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	MDNS         bool   `yaml:"mdns"`
	// JournalRetention is how long journal rows are kept; zero keeps them forever.
	JournalRetention time.Duration `yaml:"journal_retention"`
	// Battery is the level assumed at start until a reading arrives.
	Battery float64 `yaml:"battery"`
}

// MeshConfig tunes the relay engine.
type MeshConfig struct {
	Passphrase      string        `yaml:"passphrase"`
	HopBudget       int           `yaml:"hop_budget"`
	Retention       time.Duration `yaml:"retention"`
	DedupCapacity   int           `yaml:"dedup_capacity"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	OwnAlertWindows int           `yaml:"own_alert_windows"`
	PeerAttempts    int           `yaml:"peer_attempts"`
	MaxPerWindow    int           `yaml:"max_per_window"`
	// PeerHorizon is how long a neighbour counts as present after last heard.
	PeerHorizon time.Duration `yaml:"peer_horizon"`
}

// MediumConfig selects the radio transport.
type MediumConfig struct {
	Kind     string        `yaml:"kind"`
	Broker   string        `yaml:"broker"`
	Presence time.Duration `yaml:"presence"`
}

// Medium kinds.
const (
	MediumLoopback = "loopback"
	MediumMQTT     = "mqtt"
)

// ScheduleConfig picks the duty-cycle profile. Non-zero phase durations
// override the named profile.
type ScheduleConfig struct {
	Profile    string        `yaml:"profile"`
	Advertise  time.Duration `yaml:"advertise"`
	Scan       time.Duration `yaml:"scan"`
	Acoustic   time.Duration `yaml:"acoustic"`
	Sleep      time.Duration `yaml:"sleep"`
	SaverBelow float64       `yaml:"saver_below"`
	// Jitter is the largest random extra sleep added to each cycle.
	Jitter time.Duration `yaml:"jitter"`
}

const (
	defaultHTTPPort     = 8080
	defaultMetricsPort  = 9090
	defaultDatabasePath = "data/echosos.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultHopBudget    = 5
	defaultSaverBelow   = 0.20
	defaultJitter       = time.Second
)

// Default returns the built-in configuration.
func Default() Config {
	rc := relay.DefaultConfig()
	return Config{
		Node: NodeConfig{
			Name:             "node",
			HTTPPort:         defaultHTTPPort,
			MetricsPort:      defaultMetricsPort,
			DatabasePath:     defaultDatabasePath,
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			JournalRetention: 7 * 24 * time.Hour,
			Battery:          1,
		},
		Mesh: MeshConfig{
			Passphrase:      codec.DefaultPassphrase,
			HopBudget:       defaultHopBudget,
			Retention:       rc.Retention,
			DedupCapacity:   rc.DedupCapacity,
			QueueCapacity:   rc.QueueCapacity,
			OwnAlertWindows: rc.OwnAlertWindows,
			PeerAttempts:    rc.PeerAttempts,
			MaxPerWindow:    rc.MaxPerWindow,
			PeerHorizon:     time.Minute,
		},
		Medium: MediumConfig{
			Kind:     MediumLoopback,
			Presence: 5 * time.Second,
		},
		Schedule: ScheduleConfig{
			Profile:    dutycycle.Normal.Name,
			SaverBelow: defaultSaverBelow,
			Jitter:     defaultJitter,
		},
		Acoustic: acoustic.DefaultConfig(),
	}
}

// Load starts from Default, applies the YAML file named by ECHOSOS_CONFIG if
// set, then environment overrides, and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("ECHOSOS_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ECHOSOS_NODE_NAME"); v != "" {
		c.Node.Name = v
	}
	if v := os.Getenv("ECHOSOS_DATABASE_PATH"); v != "" {
		c.Node.DatabasePath = v
	}
	if v := os.Getenv("ECHOSOS_LOG_LEVEL"); v != "" {
		c.Node.LogLevel = v
	}
	if v := os.Getenv("ECHOSOS_LOG_FORMAT"); v != "" {
		c.Node.LogFormat = v
	}
	if v := os.Getenv("ECHOSOS_PASSPHRASE"); v != "" {
		c.Mesh.Passphrase = v
	}
	if v := os.Getenv("ECHOSOS_MEDIUM"); v != "" {
		c.Medium.Kind = v
	}
	if v := os.Getenv("ECHOSOS_BROKER"); v != "" {
		c.Medium.Broker = v
	}
	if v := os.Getenv("ECHOSOS_PROFILE"); v != "" {
		c.Schedule.Profile = v
	}

	ints := map[string]*int{
		"ECHOSOS_HTTP_PORT":    &c.Node.HTTPPort,
		"ECHOSOS_METRICS_PORT": &c.Node.MetricsPort,
		"ECHOSOS_HOP_BUDGET":   &c.Mesh.HopBudget,
		"ECHOSOS_SAMPLE_RATE":  &c.Acoustic.SampleRate,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"ECHOSOS_SAVER_BELOW": &c.Schedule.SaverBelow,
		"ECHOSOS_BATTERY":     &c.Node.Battery,
	}
	for name, dst := range floats {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = f
		}
	}

	durations := map[string]*time.Duration{
		"ECHOSOS_RETENTION":       &c.Mesh.Retention,
		"ECHOSOS_SCHEDULE_JITTER": &c.Schedule.Jitter,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("ECHOSOS_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ECHOSOS_MDNS: %w", err)
		}
		c.Node.MDNS = b
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.Name) == "" {
		errs = append(errs, errors.New("node name is empty"))
	}
	if c.Node.HTTPPort <= 0 || c.Node.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.Node.HTTPPort))
	}
	if c.Node.MetricsPort < 0 || c.Node.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics port %d out of range", c.Node.MetricsPort))
	}
	if c.Node.LogFormat != "text" && c.Node.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log format %q must be text or console", c.Node.LogFormat))
	}
	if c.Node.Battery < 0 || c.Node.Battery > 1 {
		errs = append(errs, fmt.Errorf("battery %.2f outside [0,1]", c.Node.Battery))
	}
	if c.Mesh.Passphrase == "" {
		errs = append(errs, errors.New("mesh passphrase is empty"))
	}
	if c.Mesh.HopBudget < 1 || c.Mesh.HopBudget > 255 {
		errs = append(errs, fmt.Errorf("hop budget %d outside 1..255", c.Mesh.HopBudget))
	}
	if c.Mesh.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention %s must be positive", c.Mesh.Retention))
	}
	if c.Mesh.DedupCapacity <= 0 || c.Mesh.QueueCapacity <= 0 {
		errs = append(errs, errors.New("dedup and queue capacity must be positive"))
	} else if c.Mesh.DedupCapacity <= c.Mesh.QueueCapacity {
		errs = append(errs, fmt.Errorf("dedup capacity %d must exceed queue capacity %d", c.Mesh.DedupCapacity, c.Mesh.QueueCapacity))
	}
	if c.Mesh.OwnAlertWindows <= 0 || c.Mesh.PeerAttempts <= 0 || c.Mesh.MaxPerWindow <= 0 {
		errs = append(errs, errors.New("own alert windows, peer attempts and max per window must be positive"))
	}
	switch c.Medium.Kind {
	case MediumLoopback:
	case MediumMQTT:
		if c.Medium.Broker == "" {
			errs = append(errs, errors.New("mqtt medium needs a broker url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown medium %q", c.Medium.Kind))
	}
	if c.Schedule.SaverBelow < 0 || c.Schedule.SaverBelow >= 1 {
		errs = append(errs, fmt.Errorf("saver threshold %.2f outside [0,1)", c.Schedule.SaverBelow))
	}
	if c.Schedule.Jitter < 0 {
		errs = append(errs, fmt.Errorf("schedule jitter %s is negative", c.Schedule.Jitter))
	}
	if p, err := c.Profile(); err != nil {
		errs = append(errs, err)
	} else {
		for _, prof := range []dutycycle.Profile{p, dutycycle.Pinpoint} {
			if err := acousticFits(prof, c.Acoustic); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := c.Acoustic.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("acoustic: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Profile resolves the base duty-cycle profile with any phase overrides.
func (c Config) Profile() (dutycycle.Profile, error) {
	p, err := dutycycle.ProfileByName(c.Schedule.Profile)
	if err != nil {
		return dutycycle.Profile{}, err
	}
	overrides := []struct {
		src time.Duration
		dst *time.Duration
	}{
		{c.Schedule.Advertise, &p.Advertise},
		{c.Schedule.Scan, &p.Scan},
		{c.Schedule.Acoustic, &p.Acoustic},
		{c.Schedule.Sleep, &p.Sleep},
	}
	custom := false
	for _, o := range overrides {
		if o.src != 0 {
			*o.dst = o.src
			custom = true
		}
	}
	if custom {
		p.Name += "-custom"
	}
	if err := p.Validate(); err != nil {
		return dutycycle.Profile{}, err
	}
	return p, nil
}

// acousticFits requires an acoustic phase to hold two beacon pulses one
// period apart; the detector only confirms a beacon from a pulse pair and
// forgets pulses between phases.
func acousticFits(p dutycycle.Profile, a acoustic.Config) error {
	need := a.Period + a.Pulse
	if p.Acoustic > 0 && p.Acoustic < need {
		return fmt.Errorf("profile %q: acoustic phase %s shorter than two pulses one period apart (%s)", p.Name, p.Acoustic, need)
	}
	return nil
}

// Relay returns the relay engine settings.
func (c Config) Relay() relay.Config {
	return relay.Config{
		Retention:       c.Mesh.Retention,
		DedupCapacity:   c.Mesh.DedupCapacity,
		QueueCapacity:   c.Mesh.QueueCapacity,
		OwnAlertWindows: c.Mesh.OwnAlertWindows,
		PeerAttempts:    c.Mesh.PeerAttempts,
		MaxPerWindow:    c.Mesh.MaxPerWindow,
	}
}
