package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/metrics"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/task"
)

var (
	ErrNotConnected    = errors.New("protocol: not connected")
	ErrReconnectFailed = errors.New("protocol: reconnect failed")
)

// ReconnectConfig bounds Reconnect. Delays grow as RetryDelay * 2^(attempt-1)
// and are capped at MaxRetryDelay.
type ReconnectConfig struct {
	MaxRetries    int           // default: 3
	RetryDelay    time.Duration // default: 1s
	MaxRetryDelay time.Duration // default: 30s
}

// DefaultReconnectConfig returns the default retry schedule.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    3,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// DialFunc opens the transport. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ClientConfig configures a Client.
type ClientConfig struct {
	DialTimeout time.Duration // default: 5s
	JoinTimeout time.Duration // bound on waiting for the receive loop in Close. Default: 1s
	Reconnect   ReconnectConfig

	// Dial replaces the TCP dialer, mostly for tests.
	Dial DialFunc
}

// EventHandler receives inbound events on the receive goroutine. It may
// call Send or Disconnect but must not call Close.
type EventHandler func(Event)

type session struct {
	id   uuid.UUID
	addr string
	conn net.Conn
	recv *task.Task
}

// Client is the command link to the tracking server. It holds at most one
// live connection; a new one is dialled on every Connect or Reconnect and
// connections are never reused after close.
//
// Reconnection is only ever driven by the caller. Send reports failures and
// leaves the decision to retry or Reconnect to whoever called it.
type Client struct {
	log     zerolog.Logger
	cfg     ClientConfig
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.Mutex
	sess    *session
	last    *task.Task
	handler EventHandler
}

// NewClient returns a disconnected client.
func NewClient(log zerolog.Logger, cfg ClientConfig, m *metrics.Metrics) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = time.Second
	}
	def := DefaultReconnectConfig()
	if cfg.Reconnect.MaxRetries <= 0 {
		cfg.Reconnect.MaxRetries = def.MaxRetries
	}
	if cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect.RetryDelay = def.RetryDelay
	}
	if cfg.Reconnect.MaxRetryDelay <= 0 {
		cfg.Reconnect.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}

	return &Client{
		log:     log.With().Str("component", "protocol").Logger(),
		cfg:     cfg,
		metrics: m,
	}
}

// SetHandler installs the inbound event handler.
func (c *Client) SetHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// SessionID identifies the current connection, empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id.String()
}

// Addr returns the address of the current connection.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.addr
}

// Connect closes any existing connection and dials host:port.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.Disconnect()
	return c.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

func (c *Client) dial(ctx context.Context, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	s := &session{id: uuid.New(), addr: addr, conn: conn}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("dial %s: concurrent connect won", addr)
	}
	c.sess = s
	s.recv = task.Go(context.Background(), func(ctx context.Context) error {
		return c.receiveLoop(ctx, s)
	})
	c.last = s.recv
	c.mu.Unlock()

	c.log.Info().Str("addr", addr).Str("session", s.id.String()).Msg("connected")
	return nil
}

// Reconnect drops the current connection and dials host:port again, up to
// MaxRetries attempts with exponential backoff in between. It never resends
// anything.
func (c *Client) Reconnect(ctx context.Context, host string, port int) error {
	c.Disconnect()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Reconnect.MaxRetries; attempt++ {
		c.log.Info().
			Int("attempt", attempt).
			Int("max_retries", c.cfg.Reconnect.MaxRetries).
			Str("addr", addr).
			Msg("reconnecting")

		lastErr = c.dial(ctx, addr)
		c.metrics.ReconnectAttempt(lastErr == nil)
		if lastErr == nil {
			return nil
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("reconnect attempt failed")

		if attempt == c.cfg.Reconnect.MaxRetries {
			break
		}
		delay := backoff(attempt, c.cfg.Reconnect)
		if !task.Sleep(ctx, delay) {
			return fmt.Errorf("%w: %w", ErrReconnectFailed, ctx.Err())
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, c.cfg.Reconnect.MaxRetries, lastErr)
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// Send writes one command. Without a connection it logs and returns
// ErrNotConnected; write errors are logged and returned, not retried.
func (c *Client) Send(command string, data any) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		c.log.Info().Str("command", command).Msg("not connected, message not sent")
		return ErrNotConnected
	}

	b, err := Encode(command, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err = s.conn.Write(b)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Str("command", command).Msg("send failed")
		return fmt.Errorf("send %s: %w", command, err)
	}

	c.metrics.MessageSent(command)
	c.log.Debug().Str("command", command).RawJSON("payload", b[:len(b)-1]).Msg("sent")
	return nil
}

// Disconnect closes the connection. It is safe to call when disconnected
// and from the event handler; it does not wait for the receive loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close connection")
	}
	c.log.Info().Str("session", s.id.String()).Msg("disconnected")
}

// Close disconnects and joins the last receive loop.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	t := c.last
	c.mu.Unlock()

	if err := t.Stop(c.cfg.JoinTimeout); err != nil {
		return fmt.Errorf("protocol receive loop: %w", err)
	}
	return nil
}

func (c *Client) receiveLoop(ctx context.Context, s *session) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	r := bufio.NewReader(s.conn)
	for {
		// ReadBytes keeps a partial line buffered until its newline arrives.
		line, err := r.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				c.log.Debug().Int("bytes", len(line)).Msg("dropping incomplete trailing line")
			}
			c.connectionLost(s, err)
			return nil
		}
		c.handleLine(line)
	}
}

func (c *Client) handleLine(line []byte) {
	ev, err := ParseInbound(line)
	switch {
	case errors.Is(err, ErrEmptyLine):
		return
	case errors.Is(err, ErrUnrecognized):
		c.metrics.MessageReceived("unknown")
		c.log.Warn().Bytes("line", line).Msg("unrecognized message")
		return
	case err != nil:
		c.metrics.DecodeError()
		c.log.Warn().Err(err).Bytes("line", line).Msg("dropping malformed line")
		return
	}

	c.metrics.MessageReceived(ev.Kind.String())
	c.dispatch(ev)
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Client) connectionLost(s *session, err error) {
	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
	}
	c.mu.Unlock()

	_ = s.conn.Close()
	if !current {
		return
	}

	if errors.Is(err, io.EOF) {
		c.log.Info().Str("session", s.id.String()).Msg("server closed the connection")
	} else {
		c.log.Warn().Err(err).Str("session", s.id.String()).Msg("connection lost")
	}
	c.dispatch(Event{Kind: EventConnectionClosed})
}
