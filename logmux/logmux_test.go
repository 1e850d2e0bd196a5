package logmux

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func record(level slog.Level, msg string, attrs ...slog.Attr) slog.Record {
	r := slog.NewRecord(time.Time{}, level, msg, 0)
	r.AddAttrs(attrs...)
	return r
}

func TestBuildLine(t *testing.T) {
	tests := []struct {
		name  string
		group string
		attrs []slog.Attr
		r     slog.Record
		want  string
	}{
		{
			name: "plain",
			r:    record(slog.LevelInfo, "ota:armed"),
			want: "INFO ota:armed\r\n",
		},
		{
			name: "typed attrs",
			r: record(slog.LevelWarn, "ota:progress",
				slog.Int("written", -3),
				slog.Uint64("expected", 40960),
				slog.Bool("stream", true),
				slog.Duration("wait", 1500*time.Millisecond),
			),
			want: "WARN ota:progress written=-3 expected=40960 stream=true wait=1s\r\n",
		},
		{
			name:  "group and handler attrs",
			group: "net",
			attrs: []slog.Attr{slog.String("iface", "wlan0")},
			r:     record(slog.LevelError, "dial-failed", slog.String("err", "timeout")),
			want:  "ERROR net:dial-failed iface=wlan0 err=timeout\r\n",
		},
		{
			name: "at most four attrs",
			r: record(slog.LevelInfo, "m",
				slog.Int("a", 1), slog.Int("b", 2), slog.Int("c", 3), slog.Int("d", 4), slog.Int("e", 5)),
			want: "INFO m a=1 b=2 c=3 d=4\r\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(buildLine(tc.group, tc.attrs, tc.r)); got != tc.want {
				t.Errorf("buildLine = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildLineTruncates(t *testing.T) {
	line := buildLine("", nil, record(slog.LevelInfo, strings.Repeat("x", 300)))
	if len(line) != lineSize {
		t.Errorf("len = %d, want %d", len(line), lineSize)
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		t.Error("truncated line lost its line ending")
	}
}

func TestHandlerMirrorsOnlyWhenAttached(t *testing.T) {
	var serial bytes.Buffer
	m := NewMirror(4, slog.LevelInfo)
	log := slog.New(NewHandler(&serial, m, nil))

	log.Info("before")
	if len(m.lines) != 0 {
		t.Fatal("line queued with no console attached")
	}

	console := &syncBuffer{}
	m.Attach(console)
	log.Debug("debug:skipped")
	log.Info("console:hello", slog.String("ip", "10.0.0.9"))
	if len(m.lines) != 1 {
		t.Fatalf("queued = %d, want 1", len(m.lines))
	}
	if !strings.Contains(serial.String(), "msg=before") || !strings.Contains(serial.String(), "console:hello") {
		t.Errorf("serial = %q", serial.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for console.String() == "" {
		if time.Now().After(deadline) {
			t.Fatal("mirror never wrote")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if got := console.String(); got != "INFO console:hello ip=10.0.0.9\r\n" {
		t.Errorf("console = %q", got)
	}
}

func TestMirrorDetachesOnWriteError(t *testing.T) {
	m := NewMirror(4, slog.LevelInfo)
	console := &syncBuffer{err: errors.New("connection reset")}
	m.Attach(console)
	log := slog.New(NewHandler(&bytes.Buffer{}, m, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	log.Info("one")
	deadline := time.Now().Add(2 * time.Second)
	for m.attached() != nil {
		if time.Now().After(deadline) {
			t.Fatal("console still attached after a failed write")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMirrorDetachKeepsNewerConsole(t *testing.T) {
	m := NewMirror(0, slog.LevelInfo)
	old, cur := &syncBuffer{}, &syncBuffer{}
	m.Attach(old)
	m.Attach(cur)
	m.Detach(old)
	if m.attached() != cur {
		t.Error("detaching a stale console removed the current one")
	}
	m.Detach(cur)
	if m.attached() != nil {
		t.Error("console still attached")
	}
}

func TestMirrorDropsWhenFull(t *testing.T) {
	m := NewMirror(2, slog.LevelInfo)
	m.Attach(&syncBuffer{})
	log := slog.New(NewHandler(&bytes.Buffer{}, m, nil))
	for i := 0; i < 5; i++ {
		log.Info("flood")
	}
	if m.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", m.Dropped())
	}
}

func TestWithGroupAndAttrsShareMirror(t *testing.T) {
	m := NewMirror(4, slog.LevelInfo)
	m.Attach(&syncBuffer{})
	log := slog.New(NewHandler(&bytes.Buffer{}, m, nil)).WithGroup("ble").With(slog.Int("mtu", 23))
	log.Info("connected")
	line := string(<-m.lines)
	if line != "INFO ble:connected mtu=23\r\n" {
		t.Errorf("line = %q", line)
	}
}
