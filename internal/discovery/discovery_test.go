package discovery

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedIP(ip string) LocalIPFunc {
	return func(string) (string, error) { return ip, nil }
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]Size{
		"(640, 480)": {640, 480},
		"[192,144]":  {192, 144},
		"320x240":    {320, 240},
		" 960 , 720": {960, 720},
	} {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "640", "(a, b)", "(0, 480)", "1,2,3"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestFromTXTUDPUsesLocalAddress(t *testing.T) {
	b, err := FromTXT(map[string]string{
		"server_ip":       "10.20.1.1",
		"server_port":     "8001",
		"stream_port":     "5000",
		"stream_protocol": "UDP",
		"stream_size":     "(640, 480)",
		"camera_size":     "(1920, 1080)",
	}, fixedIP("10.20.1.77"))
	require.NoError(t, err)

	assert.Equal(t, "10.20.1.77", b.StreamIP)
	assert.Equal(t, "udp", b.StreamProtocol)
	assert.Equal(t, Size{640, 480}, b.TrackingFrameSize)
	assert.Equal(t, Size{1920, 1080}, b.CameraSize)
	assert.Equal(t, "udp://10.20.1.77:5000", b.StreamURL())
	assert.Equal(t, "10.20.1.1:8001", b.ServerAddr())
}

func TestFromTXTTCPPullsFromServer(t *testing.T) {
	b, err := FromTXT(map[string]string{
		"server_ip":           "10.20.1.1",
		"server_port":         "8001",
		"stream_port":         "5000",
		"stream_protocol":     "tcp",
		"tracking_frame_size": "[320, 240]",
	}, func(string) (string, error) { return "", errors.New("must not be called") })
	require.NoError(t, err)
	assert.Equal(t, "tcp://10.20.1.1:5000", b.StreamURL())
	assert.Equal(t, Size{320, 240}, b.TrackingFrameSize)
}

func TestFromTXTMissingProperty(t *testing.T) {
	_, err := FromTXT(map[string]string{
		"server_ip":       "10.20.1.1",
		"stream_port":     "5000",
		"stream_protocol": "tcp",
		"stream_size":     "(640, 480)",
	}, nil)
	assert.ErrorIs(t, err, ErrMissingProperty)
}

func TestValidate(t *testing.T) {
	b := Bundle{
		ServerIP:          "10.20.1.1",
		ServerPort:        8001,
		StreamIP:          "10.20.1.1",
		StreamPort:        5000,
		StreamProtocol:    "udp",
		TrackingFrameSize: Size{640, 480},
	}
	require.NoError(t, b.Validate())

	b.StreamProtocol = "carrier-pigeon"
	b.ServerPort = 0
	err := b.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_port")
	assert.Contains(t, err.Error(), "stream_protocol")
}

func TestBundleJSON(t *testing.T) {
	var b Bundle
	require.NoError(t, json.Unmarshal([]byte(`{
		"server_ip": "10.20.1.1", "server_port": 8001,
		"stream_ip": "10.20.1.5", "stream_port": 5000,
		"stream_protocol": "udp", "tracking_frame_size": [640, 480]
	}`), &b))
	require.NoError(t, b.Validate())
	assert.Equal(t, Size{640, 480}, b.TrackingFrameSize)

	out, err := json.Marshal(b.TrackingFrameSize)
	require.NoError(t, err)
	assert.Equal(t, `[640,480]`, string(out))
}

func TestLocalIPForLoopback(t *testing.T) {
	ip, err := LocalIPFor("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}
