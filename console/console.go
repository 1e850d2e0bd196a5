// Package console runs the line-oriented operator console shared by the
// telnet port and the simulator: password login with lockout, then lines
// fed to a control interpreter.
package console

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"openenterprise/otaloader/control"
)

// LineMax bounds one console line.
const LineMax = 1024

// ErrReadTimeout is returned by a PollConn read that saw no data in time.
var ErrReadTimeout = errors.New("console: read timeout")

// PollConn turns a non-blocking stack connection (Read returns 0 while no
// data is buffered) into a blocking io.ReadWriter. Writes are flushed and
// serialized, so the log mirror may share the connection with a session.
type PollConn struct {
	RW      io.ReadWriter
	Flush   func() error // may be nil
	Open    func() bool
	Idle    time.Duration
	Timeout time.Duration // per Read; zero waits forever

	mu sync.Mutex
}

// Read waits for data. Buffered bytes are returned even after the peer
// has closed; after that Read reports io.EOF.
func (c *PollConn) Read(p []byte) (int, error) {
	var deadline time.Time
	if c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}
	for {
		n, err := c.RW.Read(p)
		if errors.Is(err, net.ErrClosed) {
			err = io.EOF
		}
		if n > 0 || err != nil {
			return n, err
		}
		if !c.Open() {
			return 0, io.EOF
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, ErrReadTimeout
		}
		time.Sleep(c.Idle)
	}
}

func (c *PollConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.RW.Write(p)
	if err == nil && c.Flush != nil {
		err = c.Flush()
	}
	return n, err
}

// LineAssembler collects console lines from telnet input. IAC sequences
// are skipped and only printable ASCII is kept.
type LineAssembler struct {
	buf     [LineMax]byte
	n       int
	skipIAC int
	afterCR bool
}

// Feed consumes p and calls line for every line ending, including empty
// lines; a CR LF pair counts once. It reports an overlong line, which is
// discarded.
func (a *LineAssembler) Feed(p []byte, line func([]byte)) (overflow bool) {
	for _, b := range p {
		if a.skipIAC > 0 {
			a.skipIAC--
			continue
		}
		switch {
		case b == 0xFF:
			// IAC, a command byte and (for WILL/WONT/DO/DONT) an option.
			a.skipIAC = 2
		case b == '\n' && a.afterCR:
			a.afterCR = false
		case b == '\n' || b == '\r':
			a.afterCR = b == '\r'
			n := a.n
			a.n = 0
			line(a.buf[:n])
		case b >= 32 && b < 127:
			a.afterCR = false
			if a.n >= len(a.buf)-1 {
				a.n = 0
				overflow = true
				continue
			}
			a.buf[a.n] = b
			a.n++
		}
	}
	return overflow
}

// Lockout tracks failed logins. Repeated failures close the console for
// growing periods.
type Lockout struct {
	failures    int
	lastFailure time.Time
}

func (l *Lockout) duration() time.Duration {
	switch {
	case l.failures >= 10:
		return 5 * time.Minute
	case l.failures >= 5:
		return 30 * time.Second
	case l.failures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// Remaining returns how long new connections are still refused.
func (l *Lockout) Remaining(now time.Time) time.Duration {
	d := l.duration() - now.Sub(l.lastFailure)
	if l.duration() == 0 || d < 0 {
		return 0
	}
	return d
}

// Fail records a failed login at now.
func (l *Lockout) Fail(now time.Time) {
	l.failures++
	l.lastFailure = now
}

func (l *Lockout) Reset() {
	l.failures = 0
}

// Failures returns the count since the last successful login.
func (l *Lockout) Failures() int {
	return l.failures
}

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01} // IAC WILL ECHO - server handles echo (client stops)
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01} // IAC WONT ECHO - server stops echo (client resumes)
)

// Authenticate prompts for the console password on rw with client echo
// off. An empty expected password never matches.
func Authenticate(rw io.ReadWriter, expected string, lock *Lockout, timeout time.Duration) bool {
	rw.Write(telnetWillEcho)
	rw.Write([]byte("Password: "))
	defer func() {
		rw.Write(telnetWontEcho)
		rw.Write([]byte("\r\n"))
	}()

	var (
		asm     LineAssembler
		readBuf [64]byte
		got     []byte
		done    bool
	)
	deadline := time.Now().Add(timeout)
	for !done && time.Now().Before(deadline) {
		n, err := rw.Read(readBuf[:])
		if err != nil && !errors.Is(err, ErrReadTimeout) {
			break
		}
		if asm.Feed(readBuf[:n], func(l []byte) {
			if !done {
				got = append(got[:0], l...)
				done = true
			}
		}) {
			break
		}
	}
	if done && expected != "" && subtle.ConstantTimeCompare(got, []byte(expected)) == 1 {
		lock.Reset()
		return true
	}
	lock.Fail(time.Now())
	return false
}

// LocalFunc handles commands that only exist on one console host. It
// reports whether cmd was handled.
type LocalFunc func(cmd []byte, w io.Writer) bool

// Serve feeds console lines to the interpreter until the connection
// ends. local, if set, sees each command first.
func Serve(rw io.ReadWriter, in *control.Interpreter, local LocalFunc, logger *slog.Logger) {
	var (
		asm     LineAssembler
		readBuf [64]byte
	)
	rw.Write([]byte("OTA loader console\r\nType 'help' for commands\r\n> "))
	for {
		n, err := rw.Read(readBuf[:])
		if n > 0 {
			overflow := asm.Feed(readBuf[:n], func(cmd []byte) {
				if len(cmd) > 0 {
					runCommand(rw, in, local, cmd, logger)
				}
				if !in.Pending() {
					rw.Write([]byte("> "))
				}
			})
			if overflow {
				rw.Write([]byte("\r\nLine too long\r\n> "))
			}
		}
		if err != nil && !errors.Is(err, ErrReadTimeout) {
			return
		}
	}
}

func runCommand(w io.Writer, in *control.Interpreter, local LocalFunc, cmd []byte, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()
	if local != nil && local(cmd, w) {
		return
	}
	if err := in.Process(cmd, w); err != nil {
		w.Write([]byte("Error: " + err.Error() + "\r\n"))
	}
}
