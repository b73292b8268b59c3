package media

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "TRACKING_RECEIVER_HELPER_DECODER=1"

// helperArgs makes the test binary act as the decoder: it writes raw frames
// on stdout according to mode.
func helperArgs(mode string) ArgsFunc {
	return func(url string, width, height int, _ []string) []string {
		return []string{"-test.run=TestHelperDecoder", "--", mode, strconv.Itoa(width), strconv.Itoa(height)}
	}
}

func newHelperDecoder(t *testing.T, mode string) *Decoder {
	t.Helper()
	d := NewDecoder(zerolog.Nop(), DecoderConfig{
		Path:        os.Args[0],
		Args:        helperArgs(mode),
		Env:         []string{helperEnv},
		StopTimeout: 5 * time.Second,
	}, Res144, nil)
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func TestHelperDecoder(t *testing.T) {
	if os.Getenv("TRACKING_RECEIVER_HELPER_DECODER") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 4 {
		os.Exit(2)
	}
	mode := args[1]
	width, _ := strconv.Atoi(args[2])
	height, _ := strconv.Atoi(args[3])
	size := FrameSize(width, height)

	fmt.Fprintln(os.Stderr, "helper decoder starting")
	frame := make([]byte, size)
	switch mode {
	case "three-then-short":
		for i := 1; i <= 3; i++ {
			for j := range frame {
				frame[j] = byte(i)
			}
			_, _ = os.Stdout.Write(frame)
		}
		_, _ = os.Stdout.Write(frame[:size/2])
	case "forever":
		for {
			if _, err := os.Stdout.Write(frame); err != nil {
				os.Exit(1)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	os.Exit(0)
}

func TestDecoderShortReadStopsSource(t *testing.T) {
	d := newHelperDecoder(t, "three-then-short")
	require.NoError(t, d.Start("test://three"))

	require.Eventually(t, func() bool { return !d.Running() }, 5*time.Second, 10*time.Millisecond)

	_, ok := d.CurrentFrame()
	assert.False(t, ok, "a stopped source has no current frame")
	assert.Equal(t, uint64(3), d.LastRunFrames())
	assert.NotNil(t, d.ExitState())
}

func TestDecoderStopReapsProcess(t *testing.T) {
	d := newHelperDecoder(t, "forever")
	require.NoError(t, d.Start("test://forever"))

	require.Eventually(t, func() bool {
		_, ok := d.CurrentFrame()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.False(t, d.Running())

	state := d.ExitState()
	require.NotNil(t, state)
	err := syscall.Kill(state.Pid(), 0)
	assert.ErrorIs(t, err, syscall.ESRCH, "decoder process must be gone after Stop")

	require.NoError(t, d.Stop(), "second stop is a no-op")
}

func TestDecoderStartTwice(t *testing.T) {
	d := newHelperDecoder(t, "forever")
	require.NoError(t, d.Start("test://forever"))
	assert.ErrorIs(t, d.Start("test://forever"), ErrAlreadyRunning)
	assert.ErrorIs(t, d.SetResolution(Res240), ErrRunning)
	require.NoError(t, d.Stop())

	require.NoError(t, d.SetResolution(Res240))
	w, h := d.Size()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
}

func TestDecoderStopWhenNeverStarted(t *testing.T) {
	d := NewDecoder(zerolog.Nop(), DecoderConfig{}, Res480, nil)
	assert.NoError(t, d.Stop())
	_, ok := d.CurrentFrame()
	assert.False(t, ok)
}

func TestDecoderMissingExecutable(t *testing.T) {
	d := NewDecoder(zerolog.Nop(), DecoderConfig{Path: "/nonexistent/decoder"}, Res480, nil)
	require.Error(t, d.Start("udp://127.0.0.1:5000"))
	assert.False(t, d.Running())
}

func TestFFmpegArgs(t *testing.T) {
	args := FFmpegArgs("udp://10.0.0.2:5000", 640, 480, DefaultInputOptions())
	assert.Contains(t, args, "udp://10.0.0.2:5000?pkt_size=1316")
	assert.Contains(t, args, "640x480")
	assert.Contains(t, args, "rgb24")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	args = FFmpegArgs("tcp://10.0.0.2:5000", 192, 144, nil)
	assert.Contains(t, args, "tcp://10.0.0.2:5000")
}
