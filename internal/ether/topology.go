package ether

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// Topology decides which nodes hear each other. With no links every node is
// in range of every other; once links are declared only linked pairs are.
type Topology struct {
	mu    sync.RWMutex
	links map[[2]string]bool
	loss  float64
	seed  uint64
}

type topologyFile struct {
	Loss  float64    `yaml:"loss"`
	Seed  uint64     `yaml:"seed"`
	Links [][]string `yaml:"links"`
}

// NewTopology returns a full mesh with the given loss probability (0..1).
func NewTopology(loss float64, seed uint64) (*Topology, error) {
	if loss < 0 || loss >= 1 {
		return nil, fmt.Errorf("loss %.2f outside [0,1)", loss)
	}
	return &Topology{links: make(map[[2]string]bool), loss: loss, seed: seed}, nil
}

// LoadTopology reads a YAML topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var tf topologyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	t, err := NewTopology(tf.Loss, tf.Seed)
	if err != nil {
		return nil, err
	}
	for _, l := range tf.Links {
		if len(l) != 2 || l[0] == "" || l[1] == "" || l[0] == l[1] {
			return nil, fmt.Errorf("invalid link %v", l)
		}
		t.Link(l[0], l[1])
	}
	return t, nil
}

// Link puts a and b in range of each other.
func (t *Topology) Link(a, b string) {
	t.mu.Lock()
	t.links[linkKey(a, b)] = true
	t.mu.Unlock()
}

// Unlink removes a declared link.
func (t *Topology) Unlink(a, b string) {
	t.mu.Lock()
	delete(t.links, linkKey(a, b))
	t.mu.Unlock()
}

// InRange reports whether b can hear a.
func (t *Topology) InRange(a, b string) bool {
	if a == b {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.links) == 0 {
		return true
	}
	return t.links[linkKey(a, b)]
}

// Lost decides whether the n-th transmission from a is missed by b. The
// outcome is a pure function of the seed and its arguments.
func (t *Topology) Lost(a, b string, n uint64) bool {
	if t.loss <= 0 {
		return false
	}
	buf := make([]byte, 16, 16+len(a)+len(b)+1)
	binary.BigEndian.PutUint64(buf[0:8], t.seed)
	binary.BigEndian.PutUint64(buf[8:16], n)
	buf = append(buf, a...)
	buf = append(buf, 0)
	buf = append(buf, b...)
	u := float64(xxh3.Hash(buf)>>11) / (1 << 53)
	return u < t.loss
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
