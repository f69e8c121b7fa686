// Package ether is a bench stand-in for the air between devices: a small
// MQTT 3.1.1 hub (QoS 0 only) that forwards each node's advertisements to
// the nodes a Topology places in range, dropping some per its loss model.
//
// Clients that never publish on a node topic are monitors and hear
// everything.
package ether

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"echosos/beacon-node/internal/radio"
)

// Frame is one publish seen by the hub.
type Frame struct {
	ClientID string
	Node     string
	Topic    string
	Payload  []byte
}

// Tap observes every frame the hub receives.
type Tap func(context.Context, Frame)

// Stats counts delivery decisions.
type Stats struct {
	Frames     uint64
	Delivered  uint64
	OutOfRange uint64
	Lost       uint64
}

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	closed   atomic.Bool
	clientID string

	mu      sync.RWMutex
	node    string
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{conn: conn, reader: bufio.NewReader(conn), filters: make(map[string]struct{})}
}

func (s *session) wants(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for f := range s.filters {
		if matchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (s *session) nodeName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// Hub is the bench air.
type Hub struct {
	logger   *slog.Logger
	topology *Topology
	tap      atomic.Value // Tap

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	stopping atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}

	seq        atomic.Uint64
	frames     atomic.Uint64
	delivered  atomic.Uint64
	outOfRange atomic.Uint64
	lost       atomic.Uint64
}

// NewHub returns a hub routing by topology; nil means a lossless full mesh.
func NewHub(topology *Topology, logger *slog.Logger) *Hub {
	if topology == nil {
		topology, _ = NewTopology(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:   logger.With("component", "ether"),
		topology: topology,
		sessions: make(map[*session]struct{}),
	}
	h.tap.Store(Tap(func(context.Context, Frame) {}))
	return h
}

// SetTap installs the frame observer.
func (h *Hub) SetTap(t Tap) {
	if t == nil {
		t = func(context.Context, Frame) {}
	}
	h.tap.Store(t)
}

// Topology returns the routing table, which may be changed while running.
func (h *Hub) Topology() *Topology { return h.topology }

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Frames:     h.frames.Load(),
		Delivered:  h.delivered.Load(),
		OutOfRange: h.outOfRange.Load(),
		Lost:       h.lost.Load(),
	}
}

// Start listens on bind. The returned channel is closed when the accept
// loop ends; a fatal accept error is sent on it first.
func (h *Hub) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("ether listen: %w", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.logger.Info("ether hub listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if h.stopping.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("ether accept: %w", err)
				return
			}
			s := newSession(conn)
			h.sessionsMu.Lock()
			h.sessions[s] = struct{}{}
			h.sessionsMu.Unlock()

			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.serve(s)
			}()
		}
	}()
	return errCh, nil
}

// Addr is the listening address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop closes the listener and every client connection.
func (h *Hub) Stop() error {
	if !h.stopping.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	ln := h.listener
	h.listener = nil
	h.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	h.sessionsMu.Lock()
	for s := range h.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	h.sessions = make(map[*session]struct{})
	h.sessionsMu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		h.sessionsMu.Lock()
		delete(h.sessions, s)
		h.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	ctx := context.Background()
	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("read header", "client", s.clientID, "error", err)
			}
			return
		}
		n, err := readLength(s.reader)
		if err != nil {
			h.logger.Debug("read remaining length", "client", s.clientID, "error", err)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			h.logger.Debug("read packet body", "client", s.clientID, "error", err)
			return
		}

		switch kind := header >> 4; kind {
		case packetConnect:
			err = h.connect(s, body)
		case packetPublish:
			err = h.publish(ctx, s, header, body)
		case packetSubscribe:
			err = h.subscribe(s, body)
		case packetUnsubscribe:
			err = h.unsubscribe(s, body)
		case packetPingReq:
			err = s.write(pingResp)
		case packetDisconnect:
			return
		default:
			err = fmt.Errorf("unsupported packet type %d", kind)
		}
		if err != nil {
			h.logger.Debug("closing client", "client", s.clientID, "error", err)
			return
		}
	}
}

func (h *Hub) connect(s *session, body []byte) error {
	f := fields(body)
	proto, err := f.str()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	level, err := f.byte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if proto != "MQTT" || level != 4 {
		return fmt.Errorf("unsupported protocol %q level %d", proto, level)
	}
	flags, err := f.byte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if flags&unsupportedConnectFlags != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}
	if _, err := f.uint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}
	id, err := f.str()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if id == "" {
		id = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	s.clientID = id
	return s.write(connAck)
}

func (h *Hub) subscribe(s *session, body []byte) error {
	f := fields(body)
	id, err := f.uint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	granted := 0
	for !f.empty() {
		filter, err := f.str()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		if _, err := f.byte(); err != nil {
			return fmt.Errorf("read requested qos: %w", err)
		}
		s.mu.Lock()
		s.filters[filter] = struct{}{}
		s.mu.Unlock()
		granted++
	}
	if granted == 0 {
		return errors.New("subscribe without filters")
	}
	return s.write(encodeSubAck(id, granted))
}

func (h *Hub) unsubscribe(s *session, body []byte) error {
	f := fields(body)
	id, err := f.uint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	s.mu.Lock()
	for !f.empty() {
		filter, err := f.str()
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("read filter: %w", err)
		}
		delete(s.filters, filter)
	}
	s.mu.Unlock()
	return s.write(encodeUnsubAck(id))
}

func (h *Hub) publish(ctx context.Context, s *session, header byte, body []byte) error {
	msg, err := decodePublish(header, body)
	if err != nil {
		return err
	}
	h.frames.Add(1)

	from, onAir := radio.NodeFromTopic(msg.Topic)
	if onAir {
		s.mu.Lock()
		s.node = from
		s.mu.Unlock()
	}
	h.observe(ctx, Frame{ClientID: s.clientID, Node: from, Topic: msg.Topic, Payload: msg.Payload})

	packet, err := encodePublish(msg.Topic, msg.Payload)
	if err != nil {
		return err
	}
	lossy := strings.HasPrefix(msg.Topic, radio.AirTopicPrefix)
	n := h.seq.Add(1)

	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	for peer := range h.sessions {
		if peer == s || !peer.wants(msg.Topic) {
			continue
		}
		if onAir && !h.reaches(from, peer.nodeName(), n, lossy) {
			continue
		}
		if err := peer.write(packet); err != nil {
			h.logger.Debug("forward failed", "client", peer.clientID, "error", err)
			continue
		}
		h.delivered.Add(1)
	}
	return nil
}

func (h *Hub) reaches(from, to string, n uint64, lossy bool) bool {
	if to == "" {
		return true
	}
	if !h.topology.InRange(from, to) {
		h.outOfRange.Add(1)
		return false
	}
	if lossy && h.topology.Lost(from, to, n) {
		h.lost.Add(1)
		return false
	}
	return true
}

func (h *Hub) observe(ctx context.Context, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("tap panic", "panic", r)
		}
	}()
	if t, ok := h.tap.Load().(Tap); ok {
		t(ctx, f)
	}
}
