package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/rs/zerolog"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/metrics"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("decoder already running")
	ErrRunning        = errors.New("decoder must be stopped first")
	ErrStopTimeout    = errors.New("decoder did not exit in time")
)

// ArgsFunc builds the decoder command line (without the executable).
type ArgsFunc func(url string, width, height int, inputOptions []string) []string

// DecoderConfig describes how the decoder subprocess is launched.
type DecoderConfig struct {
	// Path is the decoder executable.
	// Default: "ffmpeg"
	Path string

	// InputOptions are placed before the input url.
	// Default: DefaultInputOptions()
	InputOptions []string

	// Args builds the argument list. Default: FFmpegArgs
	Args ArgsFunc

	// Env is appended to the inherited environment.
	Env []string

	// StopTimeout bounds how long Stop waits for the process to be reaped.
	// Default: 5s
	StopTimeout time.Duration
}

// DefaultInputOptions are low latency input options for a live stream.
func DefaultInputOptions() []string {
	return []string{
		"-loglevel", "info",
		"-fflags", "discardcorrupt",
		"-flags", "low_delay",
		"-probesize", "100k",
	}
}

// FFmpegArgs produces headerless RGB24 frames of exactly width x height on stdout.
func FFmpegArgs(url string, width, height int, inputOptions []string) []string {
	if strings.HasPrefix(url, "udp://") && !strings.Contains(url, "pkt_size=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "pkt_size=1316"
	}

	args := []string{"-hide_banner", "-nostdin"}
	args = append(args, inputOptions...)
	args = append(args,
		"-i", url,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"pipe:1",
	)
	return args
}

type decoderRun struct {
	cmd      *exec.Cmd
	killOnce sync.Once
	stopped  chan struct{}
	frames   uint64 // written by the reader only, read after it is done
}

func (r *decoderRun) kill() {
	r.killOnce.Do(func() {
		_ = r.cmd.Process.Kill()
	})
}

// Decoder owns an external decoder subprocess and exposes the latest
// complete frame it produced.
type Decoder struct {
	log     zerolog.Logger
	cfg     DecoderConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	width    int
	height   int
	run        *decoderRun
	lastExit   *os.ProcessState
	lastFrames uint64

	frameMu sync.RWMutex
	frame   *Frame
}

// NewDecoder creates a stopped decoder producing frames of the given resolution.
func NewDecoder(log zerolog.Logger, cfg DecoderConfig, res Resolution, m *metrics.Metrics) *Decoder {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.InputOptions == nil {
		cfg.InputOptions = DefaultInputOptions()
	}
	if cfg.Args == nil {
		cfg.Args = FFmpegArgs
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	width, height := res.Dimensions()
	return &Decoder{
		log:     log.With().Str("component", "decoder").Logger(),
		cfg:     cfg,
		metrics: m,
		width:   width,
		height:  height,
	}
}

// SetResolution changes the output size. Frame size is derived from the
// resolution, so this is only allowed while stopped.
func (d *Decoder) SetResolution(res Resolution) error {
	return d.SetSize(res.Dimensions())
}

// SetSize is SetResolution for an arbitrary size.
func (d *Decoder) SetSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid decoder size %dx%d", width, height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != nil {
		return ErrRunning
	}
	d.width, d.height = width, height

	d.frameMu.Lock()
	d.frame = nil
	d.frameMu.Unlock()

	d.log.Info().Int("width", width).Int("height", height).Msg("stream resolution set")
	return nil
}

// Size returns the configured frame size.
func (d *Decoder) Size() (width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

// Start launches the decoder for url together with its stdout reader and
// stderr monitor.
func (d *Decoder) Start(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != nil {
		return ErrAlreadyRunning
	}

	args := d.cfg.Args(url, d.width, d.height, d.cfg.InputOptions)
	cmd := exec.Command(d.cfg.Path, args...)
	if len(d.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), d.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := child_process_manager.ConfigureCommand(cmd); err != nil {
		d.log.Warn().Err(err).Msg("unable to tie decoder lifetime to ours")
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start decoder %s: %w", d.cfg.Path, err)
	}
	if err := child_process_manager.AddChildProcess(cmd.Process); err != nil {
		d.log.Warn().Err(err).Msg("unable to register decoder as child process")
	}

	d.frameMu.Lock()
	d.frame = nil
	d.frameMu.Unlock()

	run := &decoderRun{cmd: cmd, stopped: make(chan struct{})}
	d.run = run
	d.metrics.DecoderStarted()

	log := d.log.With().Int("pid", cmd.Process.Pid).Logger()
	log.Info().
		Str("url", url).
		Int("width", d.width).
		Int("height", d.height).
		Msg("decoder started")

	size := FrameSize(d.width, d.height)
	width, height := d.width, d.height
	reader := task.Go(context.Background(), func(ctx context.Context) error {
		return d.readLoop(log, run, stdout, width, height, size)
	})
	monitor := task.Go(context.Background(), func(ctx context.Context) error {
		return d.monitorStderr(log, stderr)
	})
	go d.waitProcess(log, run, reader, monitor)

	return nil
}

func (d *Decoder) readLoop(log zerolog.Logger, run *decoderRun, stdout io.Reader, width, height, size int) error {
	// A short read means the stream ended or broke. Resyncing inside a
	// headerless raw stream is not possible, so the source stops itself.
	defer run.kill()

	var frameCount uint64
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(stdout, buf)
		if err != nil {
			log.Warn().
				Err(err).
				Int("read", n).
				Int("expected", size).
				Uint64("frames", frameCount).
				Msg("raw frame is empty or broken, stopping decoder")
			return err
		}

		frameCount++
		run.frames = frameCount
		frame := &Frame{
			Seq:       frameCount,
			Timestamp: time.Now(),
			Width:     width,
			Height:    height,
			Data:      buf,
		}

		d.frameMu.Lock()
		d.frame = frame
		d.frameMu.Unlock()
		d.metrics.DecoderFrame()

		if frameCount%300 == 0 {
			log.Debug().Uint64("frames", frameCount).Msg("decoder progress")
		}
	}
}

func (d *Decoder) monitorStderr(log zerolog.Logger, stderr io.Reader) error {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Debug().Str("stderr", line).Msg("decoder output")
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("stderr monitor stopped")
		return err
	}
	log.Debug().Msg("stderr reached EOF")
	return nil
}

// waitProcess reaps the process once both pipes have been drained, so no
// read is cut short by Wait closing the pipes.
func (d *Decoder) waitProcess(log zerolog.Logger, run *decoderRun, reader, monitor *task.Task) {
	<-reader.Done()
	run.kill()
	<-monitor.Done()

	err := run.cmd.Wait()

	d.mu.Lock()
	d.lastExit = run.cmd.ProcessState
	d.lastFrames = run.frames
	if d.run == run {
		d.run = nil
		// an ended run has no current frame
		d.frameMu.Lock()
		d.frame = nil
		d.frameMu.Unlock()
	}
	d.mu.Unlock()
	close(run.stopped)

	if err != nil {
		log.Info().Err(err).Msg("decoder exited")
		return
	}
	log.Info().Msg("decoder exited cleanly")
}

// Stop kills the subprocess and returns once it has been reaped and its
// pipes are closed. Stopping a stopped decoder is a no-op.
func (d *Decoder) Stop() error {
	d.mu.Lock()
	run := d.run
	d.mu.Unlock()

	if run == nil {
		return nil
	}

	run.kill()

	timer := time.NewTimer(d.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-run.stopped:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Running reports whether a subprocess is currently owned.
func (d *Decoder) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run != nil
}

// ExitState returns the state of the most recently reaped process, if any.
func (d *Decoder) ExitState() *os.ProcessState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastExit
}

// LastRunFrames returns how many frames the most recently reaped process
// delivered.
func (d *Decoder) LastRunFrames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFrames
}

// CurrentFrame returns the latest complete frame of the running process
// without blocking. Once the process has ended there is none.
func (d *Decoder) CurrentFrame() (*Frame, bool) {
	d.frameMu.RLock()
	defer d.frameMu.RUnlock()
	return d.frame, d.frame != nil
}
