package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/ffx64/editor-presence/internal/logx"
	"github.com/ffx64/editor-presence/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// ConnectError reports that the socket at Path could not be opened.
type ConnectError struct {
	Path string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Path, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// IOError reports a read or write failure that is not a retryable
// would-block condition.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("ipc %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Session is one handle on a connection to the presence service.
//
// Invoke, Read and ReadFrame are not safe to call concurrently with each
// other on handles of the same connection, and neither are two Writes: two
// readers or two writers on one stream interleave frames. Use one goroutine
// per direction.
type Session struct {
	conn         net.Conn
	path         string
	pollInterval time.Duration
	timeout      time.Duration
	log          zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Session)

// WithPollInterval sets how long a single read attempt waits before the
// poll loop retries.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTimeout sets the write deadline and the connect-time deadlines.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Dial opens the Unix socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &ConnectError{Path: path, Err: err}
	}
	s := NewSession(conn, opts...)
	s.path = path
	s.log = s.log.With().Str("socket", path).Logger()
	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Path: path, Err: err}
	}
	s.log.Debug().Msg("connected to presence service")
	return s, nil
}

// NewSession wraps an already established connection.
func NewSession(conn net.Conn, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		log:          logx.Log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Path() string { return s.path }

// Invoke writes f and waits for the next frame on the stream.
func (s *Session) Invoke(ctx context.Context, f Frame) (Frame, error) {
	if err := s.Write(f); err != nil {
		return nil, err
	}
	return s.ReadFrame(ctx)
}

// Write sends the whole encoded frame or fails.
func (s *Session) Write(f Frame) error {
	b := Encode(f)
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	n, err := s.conn.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &IOError{Op: "write", Err: err}
	}
	metrics.RecordFrameSent(f.Op().String())
	s.log.Trace().Str("op", f.Op().String()).Int("len", len(f.Payload())).Msg("frame sent")
	return nil
}

// Read blocks until at least one byte is available, polling the socket
// once per poll interval. It returns io.EOF at end of stream and ctx.Err()
// once ctx is done.
func (s *Session) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.pollInterval)); err != nil {
			return 0, &IOError{Op: "read", Err: err}
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			return n, nil
		}
		switch {
		case err == nil, errors.Is(err, io.EOF):
			return 0, io.EOF
		case errors.Is(err, os.ErrDeadlineExceeded):
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			if err := sleepCtx(ctx, s.pollInterval); err != nil {
				return 0, err
			}
		default:
			return 0, &IOError{Op: "read", Err: err}
		}
	}
}

// ReadFrame reads exactly one frame off the stream. A *ProtocolError means
// the frame was consumed but could not be used; the stream stays aligned.
func (s *Session) ReadFrame(ctx context.Context) (Frame, error) {
	var hdr [HeaderLen]byte
	if err := s.readFull(ctx, hdr[:]); err != nil {
		return nil, err
	}
	op, length, err := decodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if length > MaxPayloadLen {
		if err := s.discard(ctx, length); err != nil {
			return nil, err
		}
		metrics.RecordDecodeError()
		return nil, &ProtocolError{Err: ErrPayloadTooLarge, Op: op, Declared: length}
	}

	buf := make([]byte, HeaderLen+int(length))
	copy(buf, hdr[:])
	if err := s.readFull(ctx, buf[HeaderLen:]); err != nil {
		return nil, err
	}
	f, err := Decode(buf)
	if err != nil {
		metrics.RecordDecodeError()
		return nil, err
	}
	metrics.RecordFrameReceived(f.Op().String())
	s.log.Trace().Str("op", f.Op().String()).Uint32("len", length).Msg("frame received")
	return f, nil
}

func (s *Session) readFull(ctx context.Context, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := s.Read(ctx, buf[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) && got > 0 {
				return &IOError{Op: "read", Err: io.ErrUnexpectedEOF}
			}
			return err
		}
	}
	return nil
}

func (s *Session) discard(ctx context.Context, n uint32) error {
	scratch := make([]byte, 4096)
	for n > 0 {
		chunk := scratch
		if n < uint32(len(chunk)) {
			chunk = chunk[:n]
		}
		if err := s.readFull(ctx, chunk); err != nil {
			return err
		}
		n -= uint32(len(chunk))
	}
	return nil
}

// Duplicate returns a second handle on the same connection. Unix and TCP
// connections get their own file descriptor so either handle can be closed
// first; other connections are shared as is.
func (s *Session) Duplicate() (*Session, error) {
	conn := s.conn
	if fc, ok := s.conn.(interface{ File() (*os.File, error) }); ok {
		f, err := fc.File()
		if err != nil {
			return nil, &IOError{Op: "duplicate", Err: err}
		}
		defer f.Close()
		if conn, err = net.FileConn(f); err != nil {
			return nil, &IOError{Op: "duplicate", Err: err}
		}
	}
	return &Session{
		conn:         conn,
		path:         s.path,
		pollInterval: s.pollInterval,
		timeout:      s.timeout,
		log:          s.log,
	}, nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
