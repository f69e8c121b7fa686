// Package dutycycle decides when the radio and the speaker/microphone may be
// used. Time is divided into repeating cycles of fixed phases; the scheduler
// is the only authority on which activity is allowed at a given instant.
package dutycycle

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Phase is one slot of the cycle.
type Phase uint8

const (
	PhaseAdvertise Phase = iota
	PhaseScan
	PhaseAcoustic
	PhaseSleep
)

func (p Phase) String() string {
	switch p {
	case PhaseAdvertise:
		return "advertise"
	case PhaseScan:
		return "scan"
	case PhaseAcoustic:
		return "acoustic"
	case PhaseSleep:
		return "sleep"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Activity is something an engine asks permission for.
type Activity uint8

const (
	RadioTransmit Activity = iota
	RadioScan
	AudioEmit
	AudioListen
)

// Profile is a named set of phase durations. Zero-length phases are skipped.
type Profile struct {
	Name      string        `yaml:"name"`
	Advertise time.Duration `yaml:"advertise"`
	Scan      time.Duration `yaml:"scan"`
	Acoustic  time.Duration `yaml:"acoustic"`
	Sleep     time.Duration `yaml:"sleep"`
}

// Cycle is the total cycle length.
func (p Profile) Cycle() time.Duration {
	return p.Advertise + p.Scan + p.Acoustic + p.Sleep
}

// ActiveFraction is the share of the cycle with a transmitter or receiver powered.
func (p Profile) ActiveFraction() float64 {
	c := p.Cycle()
	if c <= 0 {
		return 0
	}
	return float64(p.Advertise+p.Scan+p.Acoustic) / float64(c)
}

// Validate rejects profiles that cannot drive a cycle.
func (p Profile) Validate() error {
	for _, d := range []time.Duration{p.Advertise, p.Scan, p.Acoustic, p.Sleep} {
		if d < 0 {
			return fmt.Errorf("profile %q: negative phase duration", p.Name)
		}
	}
	if p.Cycle() <= 0 {
		return fmt.Errorf("profile %q: empty cycle", p.Name)
	}
	if p.Advertise <= 0 {
		return fmt.Errorf("profile %q: advertise phase required", p.Name)
	}
	return nil
}

var (
	// Normal balances discovery latency against battery. The acoustic phase
	// fits two beacon periods so a listener can pair pulses within one phase.
	Normal = Profile{Name: "normal", Advertise: time.Second, Scan: 2 * time.Second, Acoustic: 3500 * time.Millisecond, Sleep: 3500 * time.Millisecond}
	// Saver stretches the cycle and drops the acoustic phase.
	Saver = Profile{Name: "saver", Advertise: time.Second, Scan: 2 * time.Second, Sleep: 27 * time.Second}
	// Pinpoint gives most of the cycle to the acoustic beacon.
	Pinpoint = Profile{Name: "pinpoint", Advertise: time.Second, Scan: time.Second, Acoustic: 6 * time.Second, Sleep: 2 * time.Second}
)

// ErrUnknownProfile is returned by ProfileByName.
var ErrUnknownProfile = errors.New("unknown duty-cycle profile")

// ProfileByName looks up one of the built-in profiles.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Normal.Name:
		return Normal, nil
	case Saver.Name:
		return Saver, nil
	case Pinpoint.Name:
		return Pinpoint, nil
	default:
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
}

// Window is one concrete occurrence of a phase.
type Window struct {
	Phase Phase
	Start time.Time
	End   time.Time
	Cycle uint64
}

// Options tune battery-driven profile selection.
type Options struct {
	// SaverBelow switches to the saver profile when battery drops under it (0..1).
	SaverBelow float64
	// PinpointProfile replaces Pinpoint when set.
	PinpointProfile *Profile
	// SaverProfile replaces Saver when set.
	SaverProfile *Profile
	// Jitter stretches each cycle's sleep by a random amount in [0, Jitter],
	// so devices started at unrelated moments drift across each other's phases.
	Jitter time.Duration
	// Seed seeds the jitter source; zero picks one from the clock.
	Seed int64
}

// Scheduler maps instants to phases. It is not safe for concurrent use.
type Scheduler struct {
	base         Profile
	pinpointProf Profile
	saverProf    Profile
	saverBelow   float64
	jitter       time.Duration
	rng          *rand.Rand

	active   Profile
	epoch    time.Time
	battery  float64
	pinpoint bool

	// With jitter the scheduler walks cycles one by one: epoch is the start
	// of cycle number index and delay its extra sleep.
	index uint64
	delay time.Duration
}

// New starts a scheduler on base with the first cycle beginning at epoch.
func New(base Profile, epoch time.Time, opts Options) (*Scheduler, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		base:         base,
		pinpointProf: Pinpoint,
		saverProf:    Saver,
		saverBelow:   opts.SaverBelow,
		jitter:       opts.Jitter,
		active:       base,
		epoch:        epoch,
		battery:      1,
	}
	if opts.Jitter < 0 {
		return nil, fmt.Errorf("negative jitter %s", opts.Jitter)
	}
	if opts.Jitter > 0 {
		seed := opts.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
		s.delay = s.draw()
	}
	if opts.PinpointProfile != nil {
		if err := opts.PinpointProfile.Validate(); err != nil {
			return nil, err
		}
		s.pinpointProf = *opts.PinpointProfile
	}
	if opts.SaverProfile != nil {
		if err := opts.SaverProfile.Validate(); err != nil {
			return nil, err
		}
		s.saverProf = *opts.SaverProfile
	}
	return s, nil
}

// Profile returns the profile currently driving the cycle.
func (s *Scheduler) Profile() Profile {
	return s.active
}

// NextPhase returns the phase window that contains now. With jitter, calls
// are expected in non-decreasing time order; instants before the current
// cycle report the sleep that precedes it.
func (s *Scheduler) NextPhase(now time.Time) Window {
	if s.jitter > 0 {
		return s.walk(now)
	}
	cycle := s.active.Cycle()
	elapsed := now.Sub(s.epoch)
	n := elapsed / cycle
	offset := elapsed % cycle
	if offset < 0 {
		offset += cycle
		n--
	}
	return s.locate(now, now.Add(-offset), 0, uint64(n))
}

func (s *Scheduler) walk(now time.Time) Window {
	if now.Before(s.epoch) {
		return Window{Phase: PhaseSleep, Start: now, End: s.epoch, Cycle: s.index}
	}
	cycle := s.active.Cycle()
	// Skip long gaps in bulk; the phase relation to other devices is lost
	// across them anyway.
	if longest := cycle + s.jitter; now.Sub(s.epoch) > 64*longest {
		k := now.Sub(s.epoch)/longest - 1
		s.epoch = s.epoch.Add(k * longest)
		s.index += uint64(k)
	}
	for !now.Before(s.epoch.Add(cycle + s.delay)) {
		s.epoch = s.epoch.Add(cycle + s.delay)
		s.index++
		s.delay = s.draw()
	}
	return s.locate(now, s.epoch, s.delay, s.index)
}

// locate finds the phase containing now in the cycle starting at cycleStart
// whose sleep is stretched by extra.
func (s *Scheduler) locate(now, cycleStart time.Time, extra time.Duration, n uint64) Window {
	spans := []struct {
		phase Phase
		dur   time.Duration
	}{
		{PhaseAdvertise, s.active.Advertise},
		{PhaseScan, s.active.Scan},
		{PhaseAcoustic, s.active.Acoustic},
		{PhaseSleep, s.active.Sleep + extra},
	}

	start := cycleStart
	for _, sp := range spans {
		if sp.dur <= 0 {
			continue
		}
		end := start.Add(sp.dur)
		if now.Before(end) {
			return Window{Phase: sp.phase, Start: start, End: end, Cycle: n}
		}
		start = end
	}
	// now is inside the cycle, so the loop always returns.
	return Window{Phase: PhaseSleep, Start: start, End: cycleStart.Add(s.active.Cycle() + extra), Cycle: n}
}

func (s *Scheduler) draw() time.Duration {
	return time.Duration(s.rng.Int63n(int64(s.jitter) + 1))
}

// Boundary returns the next phase transition after now.
func (s *Scheduler) Boundary(now time.Time) time.Time {
	return s.NextPhase(now).End
}

// Permits reports whether an activity may run at now.
func (s *Scheduler) Permits(now time.Time, a Activity) bool {
	phase := s.NextPhase(now).Phase
	switch a {
	case RadioTransmit:
		return phase == PhaseAdvertise
	case RadioScan:
		return phase == PhaseScan
	case AudioEmit, AudioListen:
		return phase == PhaseAcoustic
	default:
		return false
	}
}

// SetPinpoint enables or disables close-range mode. It returns true when the
// active profile changed; the new cycle starts at now.
func (s *Scheduler) SetPinpoint(on bool, now time.Time) bool {
	s.pinpoint = on
	return s.reselect(now)
}

// SetBattery records the battery level (0..1). It returns true when the active
// profile changed; the new cycle starts at now.
func (s *Scheduler) SetBattery(level float64, now time.Time) bool {
	s.battery = level
	return s.reselect(now)
}

func (s *Scheduler) reselect(now time.Time) bool {
	want := s.base
	switch {
	case s.saverBelow > 0 && s.battery < s.saverBelow:
		want = s.saverProf
	case s.pinpoint:
		want = s.pinpointProf
	}
	if want == s.active {
		return false
	}
	s.active = want
	s.epoch = now
	s.index = 0
	if s.jitter > 0 {
		s.delay = s.draw()
	}
	return true
}
