//go:build tinygo

package main

import (
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"openenterprise/otaloader/config"
	"openenterprise/otaloader/console"
	"openenterprise/otaloader/credentials"
	"openenterprise/otaloader/partition"

	"github.com/soypat/lneto/tcp"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
	authTimeout    = 10 * time.Second
)

// Pre-allocated console buffers
var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
)

// newPollConn wraps an lneto connection for blocking use.
func newPollConn(conn *tcp.Conn, timeout time.Duration) *console.PollConn {
	return &console.PollConn{
		RW:    conn,
		Flush: conn.Flush,
		Open: func() bool {
			st := conn.State()
			return !st.IsClosed() && !st.IsClosing() && st.RxDataOpen()
		},
		Idle:    50 * time.Millisecond,
		Timeout: timeout,
	}
}

// waitAccepted waits for a listening connection to synchronize.
func waitAccepted(conn *tcp.Conn) bool {
	for i := 0; conn.State().IsPreestablished() && i < 6000; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	return conn.State().IsSynchronized()
}

// closeWait closes conn and releases it once the peer has acknowledged.
func closeWait(conn *tcp.Conn) {
	conn.Close()
	for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
}

// consoleServer runs the telnet console on port 23.
func consoleServer(dev *device) {
	logger := dev.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}
	logger.Info("console:listening", slog.String("addr", netip.AddrPortFrom(dev.stack.Addr(), consolePort).String()))

	var lock console.Lockout
	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if remaining := lock.Remaining(time.Now()); remaining > 0 {
			logger.Info("console:lockout", slog.Int("failures", lock.Failures()), slog.Duration("remaining", remaining))
			time.Sleep(time.Second)
			continue
		}

		if err := dev.stack.ListenTCP(&conn, consolePort); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}
		if !waitAccepted(&conn) {
			continue
		}
		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		pc := newPollConn(&conn, time.Second)
		if !console.Authenticate(pc, credentials.ConsolePassword(), &lock, authTimeout) {
			logger.Info("console:auth-failed", slog.Int("failures", lock.Failures()))
			closeWait(&conn)
			continue
		}
		logger.Info("console:authenticated")

		pc.Timeout = 0
		dev.mirror.Attach(pc)
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			console.Serve(pc, dev.newInterpreter(), dev.localCommand, logger)
		}()
		dev.mirror.Detach(pc)

		closeWait(&conn)
		logger.Info("console:disconnected")
	}
}

// localCommand handles the console commands that only make sense on the
// device itself.
func (d *device) localCommand(cmd []byte, w io.Writer) bool {
	var out []byte
	switch string(cmd) {
	case "help":
		// The interpreter lists the shared commands.
		d.newInterpreter().Process(cmd, w)
		out = append(out, "Console: net partition pull\r\n"...)

	case "net":
		out = append(out, "Network Status:\r\n  IP Address: "...)
		out = append(out, d.stack.Addr().String()...)
		out = append(out, "\r\n  OTA port:   "...)
		out = strconv.AppendUint(out, uint64(config.OTAPort()), 10)
		out = append(out, "\r\n  Uptime:     "...)
		out = append(out, time.Since(startTime).Round(time.Second).String()...)
		out = append(out, "\r\n"...)

	case "partition":
		out = append(out, "Running: "...)
		out = append(out, partition.SlotFor(d.running).String()...)
		out = append(out, "\r\nTarget:  "...)
		out = append(out, d.target.String()...)
		out = append(out, " at "...)
		out = append(out, formatHex(d.target.Offset)...)
		out = append(out, "\r\nMax image size: "...)
		out = strconv.AppendUint(out, uint64(d.target.Size/1024), 10)
		out = append(out, " KB\r\n"...)

	case "pull":
		if d.pull == nil {
			out = append(out, "Pull unavailable: transport is tcp\r\n"...)
			break
		}
		select {
		case d.pull <- struct{}{}:
			out = append(out, "Pull requested\r\n"...)
		default:
			out = append(out, "Pull already pending\r\n"...)
		}

	default:
		return false
	}
	w.Write(out)
	return true
}

// formatRemoteIP formats a remote IP address as a string for logging
func formatRemoteIP(addr []byte) string {
	if ip, ok := netip.AddrFromSlice(addr); ok {
		return ip.String()
	}
	return "unknown"
}

// formatHex formats a uint32 as hex string
func formatHex(n uint32) string {
	const hexDigits = "0123456789abcdef"
	var buf [10]byte
	buf[0] = '0'
	buf[1] = 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(buf[:])
}
