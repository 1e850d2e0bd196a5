package config

import (
	_ "embed"
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultTransport     = TransportTCP
	DefaultOTAPort       = 12222
	DefaultDiscoveryPort = 13333
	DefaultRestartDelay  = time.Second
	DefaultDeviceName    = "otaloader"
)

// Transport selects how the device receives images over the network.
type Transport string

const (
	// TransportTCP listens for pushes on the OTA port.
	TransportTCP Transport = "tcp"
	// TransportHTTP pulls the image from ota_image_url.text.
	TransportHTTP Transport = "http"
)

var (
	ErrBadTransport = errors.New("config: transport must be tcp or http")
	ErrBadImageURL  = errors.New("config: image url must be http://ip[:port]/path")
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed ota_transport.text
	transportOverride string

	//go:embed ota_port.text
	otaPortOverride string

	//go:embed discovery_port.text
	discoveryPortOverride string

	//go:embed ota_image_url.text
	imageURL string

	//go:embed restart_delay.text
	restartDelayOverride string

	//go:embed device_name.text
	deviceNameOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file. It also
// prefixes the control topics.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// OTATransport returns the network image transport. An unrecognised
// override falls back to the default and is reported.
func OTATransport() (Transport, error) {
	return ParseTransport(transportOverride)
}

// OTAPort returns the TCP port the push server listens on.
func OTAPort() uint16 {
	return portOr(otaPortOverride, DefaultOTAPort)
}

// DiscoveryPort returns the UDP port answering address requests.
func DiscoveryPort() uint16 {
	return portOr(discoveryPortOverride, DefaultDiscoveryPort)
}

// ImageURL returns the server address and path an HTTP pull fetches.
func ImageURL() (netip.AddrPort, string, error) {
	return ParseImageURL(imageURL)
}

// RestartDelay returns how long a committed device waits before rebooting.
func RestartDelay() time.Duration {
	return durationOr(restartDelayOverride, DefaultRestartDelay)
}

// DeviceName returns the name used for the WLAN hostname and BLE advertising.
func DeviceName() string {
	if override := strings.TrimSpace(deviceNameOverride); override != "" {
		return override
	}
	return DefaultDeviceName
}

// ParseTransport parses a transport name. Empty means DefaultTransport.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return DefaultTransport, nil
	case TransportTCP, TransportHTTP:
		return t, nil
	default:
		return DefaultTransport, ErrBadTransport
	}
}

// ParseImageURL splits an http URL with a literal IP host into the server
// address and request path. The device has no resolver on this path.
func ParseImageURL(s string) (netip.AddrPort, string, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme != "http" || u.Hostname() == "" {
		return netip.AddrPort{}, "", ErrBadImageURL
	}
	ip, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.AddrPort{}, "", ErrBadImageURL
	}
	port := uint16(80)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return netip.AddrPort{}, "", ErrBadImageURL
		}
		port = uint16(n)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return netip.AddrPortFrom(ip, port), path, nil
}

func portOr(override string, def uint16) uint16 {
	if override := strings.TrimSpace(override); override != "" {
		if n, err := strconv.ParseUint(override, 10, 16); err == nil && n > 0 {
			return uint16(n)
		}
	}
	return def
}

func durationOr(override string, def time.Duration) time.Duration {
	if override := strings.TrimSpace(override); override != "" {
		if d, err := time.ParseDuration(override); err == nil && d >= 0 {
			return d
		}
	}
	return def
}
