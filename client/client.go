package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffx64/editor-presence/internal/logx"
	"github.com/ffx64/editor-presence/internal/metrics"
	"github.com/ffx64/editor-presence/transport/ipc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// The service accepts five SET_ACTIVITY updates per twenty seconds.
	DefaultPublishInterval = 4 * time.Second
	DefaultPublishBurst    = 5
)

type Config struct {
	SocketPath  string
	ClientID    string
	InitialFile string // published as the first status; idle when empty
	Profile     Profile

	PollInterval    time.Duration
	Timeout         time.Duration
	PublishInterval time.Duration
	PublishBurst    int

	Logger  *zerolog.Logger
	OnEvent func(Message) // called from the listener for inbound events
}

func (c *Config) setDefaults() {
	if c.Profile.PID == 0 {
		c.Profile.PID = os.Getpid()
	}
	if c.Profile.Assets == (Assets{}) {
		c.Profile.Assets = DefaultAssets
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = DefaultPublishInterval
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = DefaultPublishBurst
	}
}

// Client publishes activity to the presence service.
//
// After Start the connection has two handles: a writer goroutine owns the
// original one and a listener goroutine owns the duplicate. Every outbound
// frame, pong replies included, goes through the writer, so each handle has
// exactly one user.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	state   atomic.Int32
	limiter *rate.Limiter
	ready   Message

	writer *ipc.Session
	reader *ipc.Session
	writes chan writeRequest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

type writeRequest struct {
	frame  ipc.Frame
	result chan error
}

func newClient(cfg Config) *Client {
	cfg.setDefaults()
	log := logx.Log
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With().Str("client_id", cfg.ClientID).Logger(),
		limiter: rate.NewLimiter(rate.Every(cfg.PublishInterval), cfg.PublishBurst),
		writes:  make(chan writeRequest),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start connects to the service at cfg.SocketPath, performs the handshake,
// starts the listener and publishes the initial status. The client keeps
// running after ctx is done; ctx only bounds startup.
func Start(ctx context.Context, cfg Config) (*Client, error) {
	c := newClient(cfg)
	c.setState(StateConnecting)
	s, err := ipc.Dial(ctx, cfg.SocketPath,
		ipc.WithPollInterval(cfg.PollInterval),
		ipc.WithTimeout(cfg.Timeout),
		ipc.WithLogger(c.log),
	)
	if err != nil {
		c.abort()
		return nil, &StartError{State: StateConnecting, Err: err}
	}
	if err := c.run(ctx, s); err != nil {
		return nil, err
	}
	return c, nil
}

// run takes ownership of s.
func (c *Client) run(ctx context.Context, s *ipc.Session) error {
	c.setState(StateHandshaking)
	ready, err := handshake(ctx, s, c.cfg.ClientID)
	if err != nil {
		_ = s.Close()
		c.abort()
		return &StartError{State: StateHandshaking, Err: err}
	}
	c.ready = ready
	c.setState(StateReady)
	if r, err := ready.ReadyData(); err == nil {
		c.log.Info().Str("socket", s.Path()).Str("user", r.User.Username).Int("v", r.Version).Msg("presence service ready")
	}

	dup, err := s.Duplicate()
	if err != nil {
		_ = s.Close()
		c.abort()
		return &StartError{State: StateReady, Err: err}
	}
	c.writer, c.reader = s, dup
	go c.writeLoop()
	go c.listen()
	c.setState(StateListening)

	initial := c.cfg.Profile.Idle()
	if c.cfg.InitialFile != "" {
		initial = c.cfg.Profile.Editing(c.cfg.InitialFile)
	}
	if err := c.Publish(ctx, initial); err != nil {
		_ = c.Close()
		return &StartError{State: StateListening, Err: err}
	}
	return nil
}

func handshake(ctx context.Context, s *ipc.Session, clientID string) (Message, error) {
	resp, err := s.Invoke(ctx, ipc.NewHandshake(clientID))
	if err != nil {
		var pe *ipc.ProtocolError
		switch {
		case errors.As(err, &pe):
			return Message{}, &HandshakeError{Op: pe.Op, Err: err}
		case errors.Is(err, io.EOF):
			return Message{}, &HandshakeError{Err: err}
		}
		return Message{}, err
	}
	switch f := resp.(type) {
	case ipc.Data:
		m, err := ParseMessage(f.Body)
		if err != nil {
			return Message{}, &HandshakeError{Op: ipc.OpFrame, Reason: err.Error()}
		}
		if !m.MatchesEvent(EventReady) {
			return Message{}, &HandshakeError{Op: ipc.OpFrame, Event: m.Evt}
		}
		return m, nil
	case ipc.Close:
		reason, err := f.Reason()
		if err != nil {
			return Message{}, &HandshakeError{Op: ipc.OpClose, Reason: string(f.Body)}
		}
		return Message{}, &HandshakeError{Op: ipc.OpClose, Reason: reason.String()}
	default:
		return Message{}, &HandshakeError{Op: resp.Op()}
	}
}

// Publish sends m as a Data frame and waits until it is written. Updates are
// paced by the publish rate limit.
func (c *Client) Publish(ctx context.Context, m Message) error {
	return c.publish(ctx, m, true)
}

func (c *Client) publish(ctx context.Context, m Message, limited bool) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if m.Cmd == CmdSetActivity {
		act, err := m.Activity()
		if err != nil {
			return err
		}
		if act != nil && act.IsEmpty() {
			return fmt.Errorf("publish %s: %w", m.Cmd, ErrEmptyActivity)
		}
	}
	f, err := m.Frame()
	if err != nil {
		return err
	}
	if limited {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish %s: %w", m.Cmd, err)
		}
	}
	err = c.send(ctx, f)
	metrics.RecordPublish(err == nil)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.Cmd, err)
	}
	c.log.Debug().Str("cmd", m.Cmd).Str("nonce", m.Nonce).Msg("activity published")
	return nil
}

func (c *Client) PublishIdle(ctx context.Context) error {
	return c.Publish(ctx, c.cfg.Profile.Idle())
}

func (c *Client) PublishEditing(ctx context.Context, filename string) error {
	return c.Publish(ctx, c.cfg.Profile.Editing(filename))
}

func (c *Client) PublishStatus(ctx context.Context, text string) error {
	return c.Publish(ctx, c.cfg.Profile.Status(text))
}

// Clear removes the activity from the presence display. It is not paced by
// the publish rate limit, so it still goes out right before shutdown.
func (c *Client) Clear(ctx context.Context) error {
	return c.publish(ctx, c.cfg.Profile.Cleared(), false)
}

func (c *Client) send(ctx context.Context, f ipc.Frame) error {
	req := writeRequest{frame: f, result: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case req := <-c.writes:
			req.result <- c.writer.Write(req.frame)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) listen() {
	err := c.readLoop()
	c.finish(err)
}

// readLoop returns nil when the service closes the session or the client is
// shut down, and the read error otherwise.
func (c *Client) readLoop() error {
	for {
		f, err := c.reader.ReadFrame(c.ctx)
		if err != nil {
			var pe *ipc.ProtocolError
			switch {
			case errors.As(err, &pe):
				c.log.Debug().Err(err).Msg("skipping malformed frame")
				continue
			case c.ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				c.log.Info().Msg("presence service closed the connection")
				return nil
			default:
				return err
			}
		}

		switch f := f.(type) {
		case ipc.Handshake:
			c.log.Debug().Msg("ignoring handshake from service")
		case ipc.Data:
			c.handleData(f)
		case ipc.Close:
			ev := c.log.Info()
			if reason, err := f.Reason(); err == nil && reason.Code != 0 {
				ev = ev.Str("reason", reason.String())
			}
			ev.Msg("presence service sent close")
			return nil
		case ipc.Ping:
			if err := c.send(c.ctx, ipc.Pong{Body: f.Body}); err != nil {
				c.log.Warn().Err(err).Msg("pong failed")
			}
		case ipc.Pong:
			c.log.Trace().Msg("pong received")
		}
	}
}

func (c *Client) handleData(f ipc.Data) {
	m, err := ParseMessage(f.Body)
	if err != nil {
		c.log.Debug().Err(err).Msg("skipping undecodable payload")
		return
	}
	switch m.Evt {
	case "":
		c.log.Debug().Str("cmd", m.Cmd).Str("nonce", m.Nonce).Msg("command acknowledged")
		return
	case EventError:
		ev := c.log.Warn().Str("cmd", m.Cmd).Str("nonce", m.Nonce)
		if e, err := m.ErrorData(); err == nil {
			ev = ev.Int("code", e.Code).Str("message", e.Message)
		}
		ev.Msg("presence service rejected command")
	default:
		c.log.Debug().Str("evt", m.Evt).Msg("event received")
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(m)
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.cancel()
	_ = c.reader.Close()
	_ = c.writer.Close()
	c.setState(StateClosed)
	if err != nil {
		c.log.Error().Err(err).Msg("listener stopped")
	} else {
		c.log.Debug().Msg("listener stopped")
	}
	close(c.done)
}

// abort marks a client that never reached the listening state as closed.
func (c *Client) abort() {
	c.cancel()
	c.setState(StateClosed)
	close(c.done)
}

// Close stops the listener and closes the connection. It waits for the
// listener to exit.
func (c *Client) Close() error {
	c.cancel()
	if c.reader != nil {
		_ = c.reader.Close()
	}
	<-c.done
	if c.writer != nil {
		return c.writer.Close()
	}
	return nil
}

// Done is closed once the listener has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the listener stopped: nil after a close frame, end of
// stream or Close, the read error otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) State() State { return State(c.state.Load()) }

// ReadyEvent returns the READY message received during the handshake.
func (c *Client) ReadyEvent() Message { return c.ready }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetClientState(int(s))
	c.log.Debug().Str("state", s.String()).Msg("state changed")
}
