package app

import (
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_echosos._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "echosos-node"
)

// startMDNS announces the node's HTTP interface so a companion app on the
// same network can find it without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	instance := sanitizeMDNSInstance(fmt.Sprintf("EchoSOS %s", a.cfg.Node.Name))
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		fmt.Sprintf("metrics_port=%d", a.cfg.Node.MetricsPort),
		fmt.Sprintf("origin=%016x", a.origin),
		fmt.Sprintf("medium=%s", a.cfg.Medium.Kind),
		"proto=v1",
		fmt.Sprintf("host=%s.local", sanitizeMDNSHost(a.cfg.Node.Name)),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", ".", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	// Host labels must be <=63 characters.
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
