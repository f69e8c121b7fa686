package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Topic layout on the bench hub.
const (
	AirTopicPrefix      = "echosos/air/"
	PresenceTopicPrefix = "echosos/presence/"
)

// AirTopic is where node publishes its advertisements.
func AirTopic(node string) string { return AirTopicPrefix + node }

// PresenceTopic is where node announces whether its receiver is on. The
// payload is one byte, 0 for off and 1 for on; an empty payload means on.
func PresenceTopic(node string) string { return PresenceTopicPrefix + node }

// NodeFromTopic returns the node label of an air or presence topic.
func NodeFromTopic(topic string) (string, bool) {
	for _, prefix := range []string{AirTopicPrefix, PresenceTopicPrefix} {
		if rest, ok := strings.CutPrefix(topic, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return rest, true
		}
	}
	return "", false
}

// MQTTConfig configures an MQTTMedium.
type MQTTConfig struct {
	Broker string
	Node   string
	// Presence is how often a presence frame is published.
	Presence time.Duration
	// Horizon is how long a neighbour counts as in range after last heard.
	Horizon time.Duration
	// ConnectTimeout bounds the whole connect retry loop.
	ConnectTimeout time.Duration
	Buffer         int
}

func (c *MQTTConfig) applyDefaults() {
	if c.Presence <= 0 {
		c.Presence = 5 * time.Second
	}
	if c.Horizon <= 0 {
		c.Horizon = 3 * c.Presence
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
}

// MQTTMedium emulates the air over an MQTT hub: every node publishes on its
// own air topic and listens on everyone else's.
type MQTTMedium struct {
	cfg       MQTTConfig
	client    mqtt.Client
	logger    *slog.Logger
	presence  *presence
	listening atomic.Bool

	mu     sync.Mutex
	rx     chan Advertisement
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// DialMQTT connects to the hub, retrying with exponential backoff until ctx
// is done or the connect timeout elapses.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTMedium, error) {
	if cfg.Broker == "" || cfg.Node == "" {
		return nil, errors.New("mqtt medium: broker and node are required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &MQTTMedium{
		cfg:      cfg,
		logger:   logger.With("component", "radio", "medium", "mqtt"),
		presence: newPresence(cfg.Horizon),
		rx:       make(chan Advertisement, cfg.Buffer),
		stop:     make(chan struct{}),
	}
	m.listening.Store(true)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("echosos-%s-%d", cfg.Node, time.Now().UnixNano())).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect)
	m.client = mqtt.NewClient(opts)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	attempt := 0
	connect := func() error {
		attempt++
		token := m.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Warn("mqtt connect failed", "broker", cfg.Broker, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(connect, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	m.logger.Info("mqtt medium connected", "broker", cfg.Broker, "node", cfg.Node)

	m.wg.Add(1)
	go m.announce()
	return m, nil
}

// onConnect (re)subscribes; it also runs after an automatic reconnect.
func (m *MQTTMedium) onConnect(client mqtt.Client) {
	filters := map[string]byte{AirTopicPrefix + "+": 0, PresenceTopicPrefix + "+": 0}
	token := client.SubscribeMultiple(filters, m.handle)
	token.Wait()
	if err := token.Error(); err != nil {
		m.logger.Error("mqtt subscribe failed", "error", err)
	}
}

func (m *MQTTMedium) handle(_ mqtt.Client, msg mqtt.Message) {
	from, ok := NodeFromTopic(msg.Topic())
	if !ok || from == m.cfg.Node {
		return
	}
	if !strings.HasPrefix(msg.Topic(), AirTopicPrefix) {
		m.presence.mark(from, listeningPayload(msg.Payload()))
		return
	}
	// A node on air is in its advertise phase with the receiver on.
	m.presence.mark(from, true)
	if !m.listening.Load() {
		return
	}
	adv := Advertisement{Payload: append([]byte(nil), msg.Payload()...), From: from, At: time.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.rx <- adv:
	default:
		m.logger.Debug("receive buffer full, advertisement dropped", "from", from)
	}
}

func (m *MQTTMedium) announce() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Presence)
	defer ticker.Stop()

	m.publishPresence().Wait()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if token := m.publishPresence(); token.Wait() && token.Error() != nil {
				m.logger.Debug("presence publish failed", "error", token.Error())
			}
		}
	}
}

func (m *MQTTMedium) publishPresence() mqtt.Token {
	state := []byte{0}
	if m.listening.Load() {
		state[0] = 1
	}
	return m.client.Publish(PresenceTopic(m.cfg.Node), 0, false, state)
}

func listeningPayload(p []byte) bool {
	return len(p) == 0 || p[0] != 0
}

// Listen switches the receiver and announces the change at once. Air frames
// arriving while it is off are discarded.
func (m *MQTTMedium) Listen(on bool) {
	if m.listening.Swap(on) == on {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.publishPresence()
	}
}

// Advertise publishes payload on the node's air topic.
func (m *MQTTMedium) Advertise(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	token := m.client.Publish(AirTopic(m.cfg.Node), 0, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish advertisement: %w", err)
	}
	return nil
}

// Receive returns advertisements from other nodes. It is closed by Close.
func (m *MQTTMedium) Receive() <-chan Advertisement { return m.rx }

// Peers counts nodes heard within the presence horizon whose last word was
// that their receiver is on.
func (m *MQTTMedium) Peers() int { return m.presence.count() }

// Close disconnects from the hub.
func (m *MQTTMedium) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	close(m.rx)
	m.mu.Unlock()

	m.wg.Wait()
	m.client.Disconnect(250)
	return nil
}
