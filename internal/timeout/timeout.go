package timeout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhaseHeader   Phase = "header"
	PhaseIdleBody Phase = "idle-body"
)

// ErrTimeoutExceeded matches every *Error.
var ErrTimeoutExceeded = errors.New("timeout exceeded")

// Error reports that the deadline of a phase expired.
type Error struct {
	Phase Phase
	After time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s timeout exceeded after %s", e.Phase, e.After)
}

func (e *Error) Is(target error) bool {
	return target == ErrTimeoutExceeded
}

// Timeout makes *Error satisfy net.Error's timeout check.
func (e *Error) Timeout() bool {
	return true
}

// Deadlines is the per-phase time budget.
type Deadlines struct {
	Connect  time.Duration
	Header   time.Duration
	IdleBody time.Duration
}

func (d Deadlines) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Connect, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&d.Header, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&d.IdleBody, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Manager applies Deadlines to operations and connections.
type Manager struct {
	deadlines Deadlines
	dialer    net.Dialer
}

func NewManager(d Deadlines) *Manager {
	return &Manager{deadlines: d}
}

func (m *Manager) Deadlines() Deadlines {
	return m.deadlines
}

// For returns the budget of phase.
func (m *Manager) For(phase Phase) time.Duration {
	switch phase {
	case PhaseConnect:
		return m.deadlines.Connect
	case PhaseHeader:
		return m.deadlines.Header
	default:
		return m.deadlines.IdleBody
	}
}

// Within runs op with a context bounded by the budget of phase. When op fails
// because that budget expired, the returned error is an *Error. Errors caused
// by the parent context are returned unchanged.
func (m *Manager) Within(ctx context.Context, phase Phase, op func(ctx context.Context) error) error {
	cause := &Error{Phase: phase, After: m.For(phase)}
	ctx, cancel := context.WithTimeoutCause(ctx, cause.After, cause)
	defer cancel()

	err := op(ctx)
	if err != nil && ctx.Err() != nil && context.Cause(ctx) == error(cause) {
		return cause
	}
	return err
}

// Dial connects to addr within the connect budget.
func (m *Manager) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var conn net.Conn
	err := m.Within(ctx, PhaseConnect, func(ctx context.Context) error {
		var err error
		conn, err = m.dialer.DialContext(ctx, network, addr)
		return err
	})
	return conn, err
}

// AwaitHeader runs op, typically a response head read, with the header
// budget as the read deadline of conn.
func (m *Manager) AwaitHeader(conn net.Conn, op func() error) error {
	if err := conn.SetReadDeadline(time.Now().Add(m.deadlines.Header)); err != nil {
		return err
	}
	err := classify(conn, PhaseHeader, m.deadlines.Header, op())
	_ = conn.SetReadDeadline(time.Time{})
	return err
}

// IdleReader returns a reader over r that allows at most the idle-body budget
// to pass during each Read. conn is the connection r ultimately reads from.
func (m *Manager) IdleReader(conn net.Conn, r io.Reader) io.Reader {
	return &idleReader{conn: conn, r: r, idle: m.deadlines.IdleBody}
}

// IdleWriter is the write side counterpart of IdleReader.
func (m *Manager) IdleWriter(conn net.Conn, w io.Writer) io.Writer {
	return &idleWriter{conn: conn, w: w, idle: m.deadlines.IdleBody}
}

type idleReader struct {
	conn net.Conn
	r    io.Reader
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
		return 0, err
	}
	n, err := r.r.Read(p)
	return n, classify(r.conn, PhaseIdleBody, r.idle, err)
}

type idleWriter struct {
	conn net.Conn
	w    io.Writer
	idle time.Duration
}

func (w *idleWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.idle)); err != nil {
		return 0, err
	}
	n, err := w.w.Write(p)
	return n, classify(w.conn, PhaseIdleBody, w.idle, err)
}

// IsTimeout reports whether err is a socket or phase deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrTimeoutExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify turns a socket deadline error into an *Error for phase, unless the
// deadline was forced by cancellation of a bound context.
func classify(conn net.Conn, phase Phase, after time.Duration, err error) error {
	if !IsTimeout(err) {
		return err
	}
	if bc, ok := conn.(*boundConn); ok && bc.Expired() {
		return fmt.Errorf("connection cancelled: %w", context.Cause(bc.ctx))
	}
	return &Error{Phase: phase, After: after}
}
