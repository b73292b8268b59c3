// Package discovery describes a tracking server found on the network: where
// to send commands, where the video stream comes from and the frame size the
// tracker works in.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrMissingProperty = errors.New("discovery: missing property")

// Size is a width/height pair, encoded as [w, h].
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// MarshalJSON encodes s as [w, h].
func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Width, s.Height})
}

// UnmarshalJSON accepts [w, h].
func (s *Size) UnmarshalJSON(b []byte) error {
	var v [2]int
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("size must be [width, height]: %w", err)
	}
	s.Width, s.Height = v[0], v[1]
	return nil
}

// ParseSize reads "(640, 480)", "[640, 480]", "640x480" or "640,480".
func ParseSize(s string) (Size, error) {
	t := strings.TrimSpace(s)
	t = strings.Trim(t, "()[] ")
	sep := ","
	if !strings.Contains(t, ",") {
		sep = "x"
	}
	parts := strings.Split(t, sep)
	if len(parts) != 2 {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Size{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Size{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	out := Size{Width: w, Height: h}
	if !out.Valid() {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	return out, nil
}

// Bundle is everything needed to attach to one tracking server.
type Bundle struct {
	ServerIP          string `json:"server_ip" yaml:"server_ip"`
	ServerPort        int    `json:"server_port" yaml:"server_port"`
	StreamIP          string `json:"stream_ip" yaml:"stream_ip"`
	StreamPort        int    `json:"stream_port" yaml:"stream_port"`
	StreamProtocol    string `json:"stream_protocol" yaml:"stream_protocol"`
	TrackingFrameSize Size   `json:"tracking_frame_size" yaml:"-"`
	CameraSize        Size   `json:"camera_size,omitempty" yaml:"-"`
}

// StreamURL returns protocol://ip:port.
func (b Bundle) StreamURL() string {
	return fmt.Sprintf("%s://%s", strings.ToLower(b.StreamProtocol), net.JoinHostPort(b.StreamIP, strconv.Itoa(b.StreamPort)))
}

// ServerAddr returns host:port of the command server.
func (b Bundle) ServerAddr() string {
	return net.JoinHostPort(b.ServerIP, strconv.Itoa(b.ServerPort))
}

// Validate checks that the bundle can be used to connect and stream.
func (b Bundle) Validate() error {
	var problems []string
	if b.ServerIP == "" {
		problems = append(problems, "server_ip is empty")
	}
	if b.ServerPort <= 0 || b.ServerPort > 65535 {
		problems = append(problems, fmt.Sprintf("server_port %d out of range", b.ServerPort))
	}
	if b.StreamIP == "" {
		problems = append(problems, "stream_ip is empty")
	}
	if b.StreamPort <= 0 || b.StreamPort > 65535 {
		problems = append(problems, fmt.Sprintf("stream_port %d out of range", b.StreamPort))
	}
	switch strings.ToLower(b.StreamProtocol) {
	case "udp", "tcp", "rtp", "srt":
	default:
		problems = append(problems, fmt.Sprintf("unsupported stream_protocol %q", b.StreamProtocol))
	}
	if !b.TrackingFrameSize.Valid() {
		problems = append(problems, fmt.Sprintf("tracking_frame_size %s is invalid", b.TrackingFrameSize))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid discovery bundle: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LocalIPFunc returns the local address used to reach remote.
type LocalIPFunc func(remote string) (string, error)

// LocalIPFor asks the routing table which local address faces remote. No
// packet is sent.
func LocalIPFor(remote string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(remote, "1"))
	if err != nil {
		return "", fmt.Errorf("resolve local address towards %s: %w", remote, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// FromTXT builds a bundle from service TXT properties. UDP streams are sent
// to us, so their stream ip is our own address facing the server; for other
// protocols we pull from the server. localIP may be nil to use LocalIPFor.
func FromTXT(props map[string]string, localIP LocalIPFunc) (Bundle, error) {
	if localIP == nil {
		localIP = LocalIPFor
	}
	get := func(key string) (string, error) {
		v, ok := props[key]
		if !ok || strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingProperty, key)
		}
		return strings.TrimSpace(v), nil
	}
	port := func(key string) (int, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("property %s: %w", key, err)
		}
		return n, nil
	}

	var b Bundle
	var err error
	if b.ServerIP, err = get("server_ip"); err != nil {
		return Bundle{}, err
	}
	if b.ServerPort, err = port("server_port"); err != nil {
		return Bundle{}, err
	}
	if b.StreamPort, err = port("stream_port"); err != nil {
		return Bundle{}, err
	}
	protocol, err := get("stream_protocol")
	if err != nil {
		return Bundle{}, err
	}
	b.StreamProtocol = strings.ToLower(protocol)

	sizeKey := "tracking_frame_size"
	if _, ok := props[sizeKey]; !ok {
		sizeKey = "stream_size"
	}
	raw, err := get(sizeKey)
	if err != nil {
		return Bundle{}, err
	}
	if b.TrackingFrameSize, err = ParseSize(raw); err != nil {
		return Bundle{}, fmt.Errorf("property %s: %w", sizeKey, err)
	}
	if raw, ok := props["camera_size"]; ok {
		if b.CameraSize, err = ParseSize(raw); err != nil {
			return Bundle{}, fmt.Errorf("property camera_size: %w", err)
		}
	}

	if v, ok := props["stream_ip"]; ok && strings.TrimSpace(v) != "" {
		b.StreamIP = strings.TrimSpace(v)
	} else if b.StreamProtocol == "udp" {
		if b.StreamIP, err = localIP(b.ServerIP); err != nil {
			return Bundle{}, err
		}
	} else {
		b.StreamIP = b.ServerIP
	}

	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
