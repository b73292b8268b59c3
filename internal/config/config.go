// Package config provides configuration management for the tracking receiver.
// Configuration starts from defaults, is overlaid by an optional YAML file and
// then by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/discovery"
)

// Config holds all configuration for the tracking receiver.
type Config struct {
	// ServerIP is the tracking server address. Empty means wait for a
	// discovery bundle over the HTTP API.
	ServerIP string `yaml:"server_ip"`

	// ServerPort is the tracking server command port.
	// Default: 8001
	ServerPort int `yaml:"server_port"`

	// StreamIP is where the video stream is read from. For UDP this is a
	// local address.
	StreamIP string `yaml:"stream_ip"`

	// StreamPort is the video stream port.
	// Default: 5000
	StreamPort int `yaml:"stream_port"`

	// StreamProtocol is the stream transport ("udp" or "tcp").
	// Default: "udp"
	StreamProtocol string `yaml:"stream_protocol"`

	// TrackingWidth and TrackingHeight are the frame size the remote tracker
	// works in. Regions are rescaled between this and the stream size.
	// Default: 640x480
	TrackingWidth  int `yaml:"tracking_width"`
	TrackingHeight int `yaml:"tracking_height"`

	// StreamResolution indexes the stream size table
	// (0=960x720, 1=640x480, 2=480x360, 3=320x240, 4=192x144).
	// Default: 4
	StreamResolution int `yaml:"stream_resolution"`

	// DecoderPath is the decoder executable.
	// Default: "ffmpeg"
	DecoderPath string `yaml:"decoder_path"`

	// DecoderInputOptions replaces the decoder input options when set.
	DecoderInputOptions []string `yaml:"decoder_input_options"`

	// FrameRate is the frame pump delivery rate.
	// Default: 30
	FrameRate float64 `yaml:"frame_rate"`

	// UseCamera reads frames from a local camera instead of the stream.
	// Default: false
	UseCamera bool `yaml:"use_camera"`

	// CameraDevice is the local camera index.
	// Default: 0
	CameraDevice int `yaml:"camera_device"`

	// SmoothingDuration is how long region interpolation takes.
	// Default: 300ms
	SmoothingDuration time.Duration `yaml:"smoothing_duration"`

	// SmoothingStep is the interpolation sample interval.
	// Default: 10ms
	SmoothingStep time.Duration `yaml:"smoothing_step"`

	// ReconnectRetries bounds reconnection attempts.
	// Default: 3
	ReconnectRetries int `yaml:"reconnect_retries"`

	// ReconnectDelay is the first backoff delay; it doubles per attempt.
	// Default: 1s
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ReconnectMaxDelay caps the backoff delay.
	// Default: 30s
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`

	// DialTimeout bounds a single connection attempt.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// OptimalSizes are the fast-ROI sizes to snap to, ascending.
	OptimalSizes []int `yaml:"optimal_sizes"`

	// SnapToOptimal enables fast-ROI size snapping.
	// Default: true
	SnapToOptimal bool `yaml:"snap_to_optimal"`

	// StickyFastROI keeps fast selection active after a confirm.
	// Default: false
	StickyFastROI bool `yaml:"sticky_fast_roi"`

	// FastROISize is the fast-ROI box size used when none is given.
	// Default: 64
	FastROISize int `yaml:"fast_roi_size"`

	// JoinTimeout bounds waits for background tasks on reconfiguration.
	// Default: 1s
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// HTTPListenAddr is the address of the local control API.
	// Default: "127.0.0.1:8080"
	HTTPListenAddr string `yaml:"http_listen_addr"`

	// LogLevel specifies logging verbosity ("debug", "info", "warn", "error").
	// Default: "info"
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ServerPort:        8001,
		StreamPort:        5000,
		StreamProtocol:    "udp",
		TrackingWidth:     640,
		TrackingHeight:    480,
		StreamResolution:  4,
		DecoderPath:       "ffmpeg",
		FrameRate:         30,
		CameraDevice:      0,
		SmoothingDuration: 300 * time.Millisecond,
		SmoothingStep:     10 * time.Millisecond,
		ReconnectRetries:  3,
		ReconnectDelay:    time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		DialTimeout:       5 * time.Second,
		OptimalSizes:      []int{16, 24, 32, 48, 64, 96, 128, 160, 192, 256},
		SnapToOptimal:     true,
		FastROISize:       64,
		JoinTimeout:       time.Second,
		HTTPListenAddr:    "127.0.0.1:8080",
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c.
//
// Environment variables:
//   - TRACKING_SERVER_IP, TRACKING_SERVER_PORT: command server
//   - TRACKING_STREAM_IP, TRACKING_STREAM_PORT, TRACKING_STREAM_PROTOCOL: video stream
//   - TRACKING_FRAME_SIZE: tracker frame size, e.g. "640x480"
//   - TRACKING_STREAM_RESOLUTION: stream size index (0-4)
//   - TRACKING_DECODER_PATH: decoder executable
//   - TRACKING_FRAME_RATE: frame pump rate
//   - TRACKING_USE_CAMERA: read from a local camera (true/false)
//   - TRACKING_CAMERA_DEVICE: local camera index
//   - TRACKING_SMOOTHING_DURATION, TRACKING_SMOOTHING_STEP: durations, e.g. "300ms"
//   - TRACKING_RECONNECT_RETRIES, TRACKING_RECONNECT_DELAY, TRACKING_RECONNECT_MAX_DELAY
//   - TRACKING_DIAL_TIMEOUT, TRACKING_JOIN_TIMEOUT
//   - TRACKING_FAST_ROI_SIZE: default fast-ROI size
//   - TRACKING_HTTP_LISTEN_ADDR: control API listen address
//   - TRACKING_LOG_LEVEL: logging level (debug, info, warn, error)
func (c *Config) ApplyEnv() error {
	if val := os.Getenv("TRACKING_SERVER_IP"); val != "" {
		c.ServerIP = strings.TrimSpace(val)
	}
	if err := envInt("TRACKING_SERVER_PORT", &c.ServerPort); err != nil {
		return err
	}
	if val := os.Getenv("TRACKING_STREAM_IP"); val != "" {
		c.StreamIP = strings.TrimSpace(val)
	}
	if err := envInt("TRACKING_STREAM_PORT", &c.StreamPort); err != nil {
		return err
	}
	if val := os.Getenv("TRACKING_STREAM_PROTOCOL"); val != "" {
		c.StreamProtocol = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("TRACKING_FRAME_SIZE"); val != "" {
		size, err := discovery.ParseSize(val)
		if err != nil {
			return errors.New("TRACKING_FRAME_SIZE must look like 640x480")
		}
		c.TrackingWidth, c.TrackingHeight = size.Width, size.Height
	}

	if err := envInt("TRACKING_STREAM_RESOLUTION", &c.StreamResolution); err != nil {
		return err
	}
	if val := os.Getenv("TRACKING_DECODER_PATH"); val != "" {
		c.DecoderPath = val
	}

	if val := os.Getenv("TRACKING_FRAME_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.New("TRACKING_FRAME_RATE must be a valid number")
		}
		c.FrameRate = rate
	}

	if val := os.Getenv("TRACKING_USE_CAMERA"); val != "" {
		c.UseCamera = strings.ToLower(strings.TrimSpace(val)) == "true"
	}
	if err := envInt("TRACKING_CAMERA_DEVICE", &c.CameraDevice); err != nil {
		return err
	}

	for name, dst := range map[string]*time.Duration{
		"TRACKING_SMOOTHING_DURATION":  &c.SmoothingDuration,
		"TRACKING_SMOOTHING_STEP":      &c.SmoothingStep,
		"TRACKING_RECONNECT_DELAY":     &c.ReconnectDelay,
		"TRACKING_RECONNECT_MAX_DELAY": &c.ReconnectMaxDelay,
		"TRACKING_DIAL_TIMEOUT":        &c.DialTimeout,
		"TRACKING_JOIN_TIMEOUT":        &c.JoinTimeout,
	} {
		if err := envDuration(name, dst); err != nil {
			return err
		}
	}

	if err := envInt("TRACKING_RECONNECT_RETRIES", &c.ReconnectRetries); err != nil {
		return err
	}
	if err := envInt("TRACKING_FAST_ROI_SIZE", &c.FastROISize); err != nil {
		return err
	}

	if val := os.Getenv("TRACKING_HTTP_LISTEN_ADDR"); val != "" {
		c.HTTPListenAddr = val
	}
	if val := os.Getenv("TRACKING_LOG_LEVEL"); val != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(val))
	}

	return nil
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("%s must be a valid integer", name)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("%s must be a duration like 300ms", name)
	}
	*dst = d
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.New("ServerPort must be between 1 and 65535")
	}

	if c.StreamPort <= 0 || c.StreamPort > 65535 {
		return errors.New("StreamPort must be between 1 and 65535")
	}

	validProtocols := map[string]bool{"udp": true, "tcp": true}
	if !validProtocols[c.StreamProtocol] {
		return errors.New("StreamProtocol must be 'udp' or 'tcp'")
	}

	if c.TrackingWidth <= 0 || c.TrackingHeight <= 0 {
		return errors.New("tracking frame size must be positive")
	}

	if c.StreamResolution < 0 || c.StreamResolution > 4 {
		return errors.New("StreamResolution must be between 0 and 4")
	}

	if c.DecoderPath == "" {
		return errors.New("DecoderPath cannot be empty")
	}

	if c.FrameRate <= 0 || c.FrameRate > 240 {
		return errors.New("FrameRate must be between 1 and 240")
	}

	if c.CameraDevice < 0 {
		return errors.New("CameraDevice cannot be negative")
	}

	if c.SmoothingStep <= 0 {
		return errors.New("SmoothingStep must be positive")
	}
	if c.SmoothingDuration < c.SmoothingStep {
		return errors.New("SmoothingDuration must be at least one SmoothingStep")
	}

	if c.ReconnectRetries <= 0 {
		return errors.New("ReconnectRetries must be a positive integer")
	}
	if c.ReconnectDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectDelay {
		return errors.New("ReconnectDelay must be positive and not above ReconnectMaxDelay")
	}

	if c.DialTimeout <= 0 || c.JoinTimeout <= 0 {
		return errors.New("DialTimeout and JoinTimeout must be positive")
	}

	for i, size := range c.OptimalSizes {
		if size <= 0 {
			return errors.New("OptimalSizes must be positive")
		}
		if i > 0 && size <= c.OptimalSizes[i-1] {
			return errors.New("OptimalSizes must be strictly ascending")
		}
	}

	if c.FastROISize <= 0 {
		return errors.New("FastROISize must be a positive integer")
	}

	if c.HTTPListenAddr == "" {
		return errors.New("HTTPListenAddr cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return errors.New("LogLevel must be 'debug', 'info', 'warn', or 'error'")
	}

	return nil
}

// IsDebug returns true if the log level is set to debug.
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// HasServer reports whether a server is configured statically.
func (c *Config) HasServer() bool {
	return c.ServerIP != ""
}

// Bundle returns the configured server as a discovery bundle. A missing
// stream ip defaults to the server for pulled streams.
func (c *Config) Bundle() discovery.Bundle {
	streamIP := c.StreamIP
	if streamIP == "" && c.StreamProtocol != "udp" {
		streamIP = c.ServerIP
	}
	if streamIP == "" {
		if ip, err := discovery.LocalIPFor(c.ServerIP); err == nil {
			streamIP = ip
		}
	}
	return discovery.Bundle{
		ServerIP:          c.ServerIP,
		ServerPort:        c.ServerPort,
		StreamIP:          streamIP,
		StreamPort:        c.StreamPort,
		StreamProtocol:    c.StreamProtocol,
		TrackingFrameSize: discovery.Size{Width: c.TrackingWidth, Height: c.TrackingHeight},
	}
}

// String returns a string representation of the config for logging purposes.
func (c *Config) String() string {
	server := "<discovery>"
	if c.HasServer() {
		server = c.ServerIP + ":" + strconv.Itoa(c.ServerPort)
	}

	return "Config{" +
		"Server: " + server + ", " +
		"Stream: " + c.StreamProtocol + "/" + strconv.Itoa(c.StreamPort) + ", " +
		"TrackingSize: " + strconv.Itoa(c.TrackingWidth) + "x" + strconv.Itoa(c.TrackingHeight) + ", " +
		"StreamResolution: " + strconv.Itoa(c.StreamResolution) + ", " +
		"FrameRate: " + strconv.FormatFloat(c.FrameRate, 'f', -1, 64) + ", " +
		"UseCamera: " + strconv.FormatBool(c.UseCamera) + ", " +
		"Smoothing: " + c.SmoothingDuration.String() + "/" + c.SmoothingStep.String() + ", " +
		"HTTPListenAddr: " + c.HTTPListenAddr + ", " +
		"LogLevel: " + c.LogLevel +
		"}"
}
