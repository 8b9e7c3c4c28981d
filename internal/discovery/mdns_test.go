package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestBrokerURL(t *testing.T) {
	entry := zeroconf.NewServiceEntry("ConsultEase Central (lab)", ServiceType, Domain)
	entry.Port = 1883
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"mqtt_port=1884", "proto=consultease/v1"}

	url, ours := brokerURL(entry)
	if url != "tcp://192.168.1.20:1884" || !ours {
		t.Fatalf("brokerURL = %q, %v", url, ours)
	}

	other := zeroconf.NewServiceEntry("mosquitto", ServiceType, Domain)
	other.Port = 1883
	other.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	url, ours = brokerURL(other)
	if url != "tcp://[fe80::1]:1883" || ours {
		t.Fatalf("brokerURL = %q, %v", url, ours)
	}

	bare := zeroconf.NewServiceEntry("nothing", ServiceType, Domain)
	if url, _ := brokerURL(bare); url != "" {
		t.Fatalf("entry without port or address produced %q", url)
	}
	if url, _ := brokerURL(nil); url != "" {
		t.Fatalf("nil entry produced %q", url)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitizeInstance("ConsultEase Central (host.lab_1)"); got != "ConsultEase Central (host lab 1)" {
		t.Fatalf("sanitizeInstance = %q", got)
	}
	if got := sanitizeInstance("   "); got != "ConsultEase Central" {
		t.Fatalf("empty instance = %q", got)
	}
	if got := sanitizeHost("My Host_Name"); got != "my-host-name" {
		t.Fatalf("sanitizeHost = %q", got)
	}
	if got := sanitizeHost(strings.Repeat("a", 80)); len(got) != 63 {
		t.Fatalf("host label length = %d", len(got))
	}
}
