// Package logmux fans log records out to the serial console and, while
// one is attached, to the active remote console (a telnet session or a
// BLE link). The remote copy is a compact single line per record, queued
// and written from its own task so a slow or failing link never stalls
// the caller.
package logmux

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultDepth of the mirror queue.
const DefaultDepth = 16

const lineSize = 128

// Mirror holds the attached remote console.
type Mirror struct {
	lines   chan []byte
	level   slog.Level
	dropped atomic.Uint32

	mu sync.Mutex
	w  io.Writer
}

// NewMirror returns a Mirror queueing up to depth lines at or above level.
func NewMirror(depth int, level slog.Level) *Mirror {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Mirror{lines: make(chan []byte, depth), level: level}
}

// Attach makes w the remote console, replacing any previous one.
func (m *Mirror) Attach(w io.Writer) {
	m.mu.Lock()
	m.w = w
	m.mu.Unlock()
}

// Detach removes w if it is still the attached console.
func (m *Mirror) Detach(w io.Writer) {
	m.mu.Lock()
	if m.w == w {
		m.w = nil
	}
	m.mu.Unlock()
}

func (m *Mirror) attached() io.Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w
}

// Dropped returns the number of lines lost to a full queue.
func (m *Mirror) Dropped() uint32 {
	return m.dropped.Load()
}

func (m *Mirror) push(line []byte) {
	select {
	case m.lines <- line:
	default:
		m.dropped.Add(1)
	}
}

// Run writes queued lines to the attached console. A write error
// detaches it.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-m.lines:
			w := m.attached()
			if w == nil {
				continue
			}
			if _, err := w.Write(line); err != nil {
				m.Detach(w)
			}
		}
	}
}

// Handler is a slog.Handler writing text records to a local writer
// (typically machine.Serial) and queueing a compact copy for the Mirror.
type Handler struct {
	textHandler slog.Handler
	mirror      *Mirror
	attrs       []slog.Attr
	group       string
}

// NewHandler returns a Handler writing to w. m may be nil.
func NewHandler(w io.Writer, m *Mirror, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		textHandler: slog.NewTextHandler(w, opts),
		mirror:      m,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.textHandler.Enabled(ctx, level)
}

// Handle writes the record locally and mirrors it when a console is attached.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.textHandler.Handle(ctx, r)
	if h.mirror != nil && r.Level >= h.mirror.level && h.mirror.attached() != nil {
		h.mirror.push(buildLine(h.group, h.attrs, r))
	}
	return err
}

// WithAttrs returns a new Handler with the given attributes added.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &Handler{
		textHandler: h.textHandler.WithAttrs(attrs),
		mirror:      h.mirror,
		attrs:       newAttrs,
		group:       h.group,
	}
}

// WithGroup returns a new Handler with the given group name.
func (h *Handler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &Handler{
		textHandler: h.textHandler.WithGroup(name),
		mirror:      h.mirror,
		attrs:       h.attrs,
		group:       newGroup,
	}
}

// buildLine formats "LEVEL group:msg key=val ...\r\n", truncated to
// lineSize with at most four record attributes after the handler's own.
func buildLine(group string, attrs []slog.Attr, r slog.Record) []byte {
	var buf [lineSize]byte
	end := len(buf) - 2 // room for CRLF
	pos := copyToBuffer(buf[:end], 0, r.Level.String())
	pos = copyToBuffer(buf[:end], pos, " ")
	if group != "" {
		pos = copyToBuffer(buf[:end], pos, group)
		pos = copyToBuffer(buf[:end], pos, ":")
	}
	pos = copyToBuffer(buf[:end], pos, r.Message)

	add := func(a slog.Attr) {
		pos = copyToBuffer(buf[:end], pos, " ")
		pos = copyToBuffer(buf[:end], pos, a.Key)
		pos = copyToBuffer(buf[:end], pos, "=")
		pos = copyAttrValue(buf[:end], pos, a.Value)
	}
	for _, a := range attrs {
		add(a)
	}
	n := 0
	r.Attrs(func(a slog.Attr) bool {
		if n >= 4 || pos >= end-10 {
			return false
		}
		add(a)
		n++
		return true
	})
	pos = copyToBuffer(buf[:], pos, "\r\n")
	line := make([]byte, pos)
	copy(line, buf[:pos])
	return line
}

func copyToBuffer(buf []byte, pos int, s string) int {
	for i := 0; i < len(s) && pos < len(buf); i++ {
		buf[pos] = s[i]
		pos++
	}
	return pos
}

func copyAttrValue(buf []byte, pos int, v slog.Value) int {
	switch v.Kind() {
	case slog.KindString:
		return copyToBuffer(buf, pos, v.String())
	case slog.KindInt64:
		return copyInt64ToBuffer(buf, pos, v.Int64())
	case slog.KindUint64:
		return copyUint64ToBuffer(buf, pos, v.Uint64())
	case slog.KindBool:
		if v.Bool() {
			return copyToBuffer(buf, pos, "true")
		}
		return copyToBuffer(buf, pos, "false")
	case slog.KindDuration:
		return copyDurationToBuffer(buf, pos, int64(v.Duration()))
	default:
		return copyToBuffer(buf, pos, "?")
	}
}

func copyInt64ToBuffer(buf []byte, pos int, n int64) int {
	if n < 0 {
		pos = copyToBuffer(buf, pos, "-")
		return copyUint64ToBuffer(buf, pos, uint64(-n))
	}
	return copyUint64ToBuffer(buf, pos, uint64(n))
}

func copyUint64ToBuffer(buf []byte, pos int, n uint64) int {
	var digits [20]byte
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	for j := i; j < len(digits) && pos < len(buf); j++ {
		buf[pos] = digits[j]
		pos++
	}
	return pos
}

// copyDurationToBuffer writes d in its largest whole unit, e.g. "5s", "100ms".
func copyDurationToBuffer(buf []byte, pos int, d int64) int {
	switch {
	case d >= 1e9:
		return copyToBuffer(buf, copyInt64ToBuffer(buf, pos, d/1e9), "s")
	case d >= 1e6:
		return copyToBuffer(buf, copyInt64ToBuffer(buf, pos, d/1e6), "ms")
	case d >= 1e3:
		return copyToBuffer(buf, copyInt64ToBuffer(buf, pos, d/1e3), "us")
	}
	return copyToBuffer(buf, copyInt64ToBuffer(buf, pos, d), "ns")
}
