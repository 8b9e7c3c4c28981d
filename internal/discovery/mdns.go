package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_mqtt._tcp"
	Domain      = "local."
)

var ErrNoBroker = errors.New("no mqtt broker found via mdns")

// Advertiser publishes the embedded broker over mDNS.
type Advertiser struct {
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser(logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{logger: logger.With("component", "mdns")}
}

// Start advertises a broker on mqttPort. A running advertisement is replaced.
func (a *Advertiser) Start(mqttPort, httpPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid port %d", mqttPort)
	}

	a.Stop()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "consultease"
	}

	instance := sanitizeInstance(fmt.Sprintf("ConsultEase Central (%s)", hostname))
	hostLabel := sanitizeHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", httpPort),
		"tls=0",
		"proto=consultease/v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, mqttPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", mqttPort)
	return nil
}

func (a *Advertiser) Stop() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server == nil {
		return
	}
	server.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
}

// Browse looks for an MQTT broker on the local network and returns its tcp:// URL.
// ConsultEase advertisements are preferred over other brokers seen within timeout.
func Browse(ctx context.Context, timeout time.Duration, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	var fallback string
	for {
		select {
		case <-ctx.Done():
			if fallback != "" {
				return fallback, nil
			}
			return "", ErrNoBroker
		case entry, ok := <-entries:
			if !ok {
				if fallback != "" {
					return fallback, nil
				}
				return "", ErrNoBroker
			}
			url, ours := brokerURL(entry)
			if url == "" {
				continue
			}
			logger.Info("mqtt broker discovered", "instance", entry.Instance, "url", url)
			if ours {
				return url, nil
			}
			if fallback == "" {
				fallback = url
			}
		}
	}
}

// brokerURL builds a tcp:// URL from an entry and reports whether it is a ConsultEase broker.
func brokerURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil {
		return "", false
	}

	port := entry.Port
	ours := false
	for _, kv := range entry.Text {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch key {
		case "proto":
			ours = strings.HasPrefix(value, "consultease/")
		case "mqtt_port":
			if p, err := strconv.Atoi(value); err == nil && p > 0 {
				port = p
			}
		}
	}
	if port <= 0 {
		return "", false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port)), ours
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "ConsultEase Central"
	}
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func sanitizeHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "consultease"
	}
	// Host labels must be <=63 characters.
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
