package control

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"time"
)

// MaxObjectSize bounds an object accumulated across deliveries.
const MaxObjectSize = 2048

// Handler receives parsed control objects.
type Handler interface {
	// HandleResult acts on res and reports whether the origin should get
	// a status object back. A start request is answered later, once the
	// writer has opened.
	HandleResult(res Result) bool
	Gate() Gate
	Progress() (written, expected uint32)
}

// Interpreter routes one transport's command deliveries: JSON control
// objects, possibly split over several deliveries, go to the Handler and
// everything else is a text command. It keeps per-transport state, so
// each transport needs its own Interpreter.
type Interpreter struct {
	Parser   Parser
	Handler  Handler
	Firmware string
	// Clock defaults to time.Now.
	Clock func() time.Time
	// SetClock is used by "time Y M D h m s". Nil leaves the command read-only.
	SetClock func(time.Time)
	// Reboot restarts the device. Nil disables the command.
	Reboot func()
	Logger *slog.Logger

	obj    [MaxObjectSize]byte
	objLen int
	inObj  bool
	out    []byte
}

const helpText = "Commands: help status version ota time reboot\r\n" +
	"  time <Y> <M> <D> <h> <m> <s>  set the clock\r\n" +
	"  {\"ota\":\"start\",\"ota size\":N}  arm a transfer\r\n"

// Process handles one delivery. Replies are written to w.
func (in *Interpreter) Process(msg []byte, w io.Writer) error {
	if len(msg) == 0 {
		return nil
	}
	if in.inObj {
		return in.accumulate(msg, w)
	}
	if msg[0] == '{' {
		in.inObj = true
		in.objLen = 0
		return in.accumulate(msg, w)
	}
	in.command(msg, w)
	return nil
}

// Pending reports whether a control object is partially received.
func (in *Interpreter) Pending() bool {
	return in.inObj
}

func (in *Interpreter) accumulate(msg []byte, w io.Writer) error {
	if in.objLen+len(msg) > len(in.obj) {
		in.inObj = false
		in.objLen = 0
		in.logger().Error("control:object-overflow", slog.Int("max", MaxObjectSize))
		return ErrOverflow
	}
	in.objLen += copy(in.obj[in.objLen:], msg)

	last := msg[len(msg)-1]
	if last != EOT && last != '}' {
		return nil
	}
	in.inObj = false
	obj := in.obj[:in.objLen]
	if last == EOT {
		obj = obj[:len(obj)-1]
	}
	in.objLen = 0

	res, err := in.Parser.Parse(obj)
	if err != nil {
		in.logger().Error("control:parse-failed", slog.String("err", err.Error()))
		return err
	}
	if in.Handler == nil {
		return nil
	}
	if in.Handler.HandleResult(res) {
		return in.WriteStatus(w)
	}
	return nil
}

// WriteStatus writes the current status object to w.
func (in *Interpreter) WriteStatus(w io.Writer) error {
	gate := GateNotReady
	if in.Handler != nil {
		gate = in.Handler.Gate()
	}
	in.out = AppendStatus(in.out[:0], Status{
		Time:     in.now(),
		Firmware: in.Firmware,
		Gate:     gate,
	})
	_, err := w.Write(in.out)
	return err
}

func (in *Interpreter) command(msg []byte, w io.Writer) {
	fields := bytes.Fields(msg)
	if len(fields) == 0 {
		return
	}
	name := string(bytes.ToLower(fields[0]))
	args := fields[1:]
	in.logger().Info("control:command", slog.String("cmd", name), slog.Int("args", len(args)))

	out := in.out[:0]
	switch name {
	case "help":
		out = append(out, helpText...)

	case "status":
		in.WriteStatus(w)
		return

	case "version":
		out = append(out, "Firmware: "...)
		out = append(out, in.Firmware...)
		out = append(out, "\r\n"...)

	case "ota":
		out = append(out, "OTA: "...)
		if in.Handler == nil {
			out = append(out, GateNotReady.String()...)
		} else {
			written, expected := in.Handler.Progress()
			out = append(out, in.Handler.Gate().String()...)
			out = append(out, ' ')
			out = strconv.AppendUint(out, uint64(written), 10)
			out = append(out, '/')
			out = strconv.AppendUint(out, uint64(expected), 10)
		}
		out = append(out, "\r\n"...)

	case "time":
		switch {
		case len(args) == 0:
		case len(args) == 6 && in.SetClock != nil:
			t, ok := parseClock(args)
			if !ok {
				out = append(out, "Invalid time\r\n"...)
				break
			}
			in.SetClock(t)
			in.logger().Info("control:clock-set", slog.String("time", t.Format(time.DateTime)))
		default:
			out = append(out, "Usage: time [<Y> <M> <D> <h> <m> <s>]\r\n"...)
		}
		out = append(out, "Time: "...)
		out = in.now().AppendFormat(out, time.DateTime)
		out = append(out, "\r\n"...)

	case "reboot":
		if in.Reboot == nil {
			out = append(out, "Reboot unavailable\r\n"...)
			break
		}
		w.Write([]byte("Rebooting...\r\n"))
		in.Reboot()
		return

	default:
		in.logger().Warn("control:unknown-command", slog.String("cmd", name))
		out = append(out, "Unknown command: "...)
		out = append(out, fields[0]...)
		out = append(out, "\r\nType 'help' for commands\r\n"...)
	}
	in.out = out
	w.Write(out)
}

func parseClock(args [][]byte) (time.Time, bool) {
	var v [6]int
	for i := range v {
		n, err := strconv.Atoi(string(args[i]))
		if err != nil {
			return time.Time{}, false
		}
		if n < 0 {
			return time.Time{}, false
		}
		v[i] = n
	}
	if v[1] < 1 || v[1] > 12 || v[2] < 1 || v[2] > 31 || v[3] > 23 || v[4] > 59 || v[5] > 59 {
		return time.Time{}, false
	}
	return time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], 0, time.UTC), true
}

func (in *Interpreter) now() time.Time {
	if in.Clock != nil {
		return in.Clock()
	}
	return time.Now()
}

func (in *Interpreter) logger() *slog.Logger {
	if in.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return in.Logger
}
