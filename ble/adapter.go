// Package ble adapts a Nordic UART style GATT link to the transfer
// engine. Inbound writes are either firmware bytes for the writer task or
// command text for the interpreter; outbound replies are split to fit the
// negotiated payload size.
package ble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"openenterprise/otaloader/ota"
)

// Link defaults.
const (
	DefaultPayload = 18 // usable bytes per notification before MTU exchange
	SlotSize       = 512
	QueueDepth     = 5
	QueueWait      = time.Second
	NotifyRetries  = 10
	NotifyBackoff  = 100 * time.Millisecond
)

// Errors
var (
	// ErrNoMem is returned by a Notifier when the stack is out of buffers.
	ErrNoMem        = errors.New("ble: out of notify buffers")
	ErrNotConnected = errors.New("ble: not connected")
)

// Notifier sends one notification on the TX characteristic.
type Notifier interface {
	Notify(p []byte) error
}

// Sink is the transfer side of the link.
type Sink interface {
	Ready() bool
	Offer(ota.Chunk) bool
}

// Processor consumes command messages.
type Processor interface {
	Process(msg []byte, w io.Writer) error
}

// Config for an Adapter.
type Config struct {
	// Backoff between notify retries. Zero means NotifyBackoff.
	Backoff time.Duration
	// QueueWait bounds how long a command message waits for queue space.
	// Zero means QueueWait.
	QueueWait time.Duration
	Logger    *slog.Logger
}

// Adapter connects the radio callbacks to the engine. The On* methods are
// called from the radio stack and never block for longer than QueueWait.
type Adapter struct {
	n    Notifier
	sink Sink
	cfg  Config
	log  *slog.Logger
	cmds chan []byte

	mu        sync.Mutex
	payload   int
	connected bool
}

// NewAdapter returns an Adapter notifying through n and feeding sink.
func NewAdapter(n Notifier, sink Sink, cfg Config) *Adapter {
	if cfg.Backoff <= 0 {
		cfg.Backoff = NotifyBackoff
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = QueueWait
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		n:       n,
		sink:    sink,
		cfg:     cfg,
		log:     log,
		cmds:    make(chan []byte, QueueDepth),
		payload: DefaultPayload,
	}
}

// UsablePayload returns the notification payload for a negotiated MTU.
func UsablePayload(mtu int) int {
	if mtu <= 20 {
		return mtu - 2
	}
	return mtu - 4
}

// OnMTU records a negotiated MTU.
func (a *Adapter) OnMTU(mtu int) {
	p := UsablePayload(mtu)
	if p < 1 {
		a.log.Warn("ble:mtu-too-small", slog.Int("mtu", mtu))
		return
	}
	a.mu.Lock()
	a.payload = p
	a.mu.Unlock()
	a.log.Info("ble:mtu", slog.Int("mtu", mtu), slog.Int("payload", p))
}

// OnWriteLen raises the payload after a write of n bytes, for radio
// stacks that do not report the MTU exchange. ATT writes carry at most
// MTU-3 bytes, so such a write proves an MTU of at least n+3.
func (a *Adapter) OnWriteLen(n int) {
	p := UsablePayload(n + 3)
	a.mu.Lock()
	raised := p > a.payload
	if raised {
		a.payload = p
	}
	a.mu.Unlock()
	if raised {
		a.log.Debug("ble:payload-raised", slog.Int("payload", p))
	}
}

// Payload returns the current usable payload size.
func (a *Adapter) Payload() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payload
}

// OnConnect marks the link up. The payload size resets until the next
// MTU exchange.
func (a *Adapter) OnConnect() {
	a.mu.Lock()
	a.connected = true
	a.payload = DefaultPayload
	a.mu.Unlock()
	a.log.Info("ble:connected")
}

// OnDisconnect marks the link down and ends any transfer it carried.
func (a *Adapter) OnDisconnect() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.log.Info("ble:disconnected")
	if a.sink.Ready() {
		a.sink.Offer(ota.Disconnect())
	}
}

// OnWrite handles one write to the RX characteristic. While a transfer is
// ready the whole payload goes to the writer; otherwise it is queued for
// the interpreter in SlotSize pieces. Queue overflow drops bytes.
func (a *Adapter) OnWrite(p []byte) {
	if len(p) == 0 {
		return
	}
	if a.sink.Ready() {
		if !a.sink.Offer(ota.NewChunk(p)) {
			a.log.Error("ble:data-dropped", slog.Int("bytes", len(p)))
		}
		return
	}
	for len(p) > 0 {
		n := min(len(p), SlotSize)
		msg := make([]byte, n)
		copy(msg, p)
		p = p[n:]
		if !a.enqueue(msg) {
			a.log.Error("ble:command-dropped", slog.Int("bytes", n))
		}
	}
}

func (a *Adapter) enqueue(msg []byte) bool {
	select {
	case a.cmds <- msg:
		return true
	default:
	}
	t := time.NewTimer(a.cfg.QueueWait)
	defer t.Stop()
	select {
	case a.cmds <- msg:
		return true
	case <-t.C:
		return false
	}
}

// Run is the receive task: it hands queued command messages to p, with
// replies going back over the link.
func (a *Adapter) Run(ctx context.Context, p Processor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.cmds:
			if err := p.Process(msg, a); err != nil {
				a.log.Warn("ble:command-failed", slog.String("err", err.Error()))
			}
		}
	}
}

// Write sends p as a series of notifications no larger than the usable
// payload. A notification that keeps failing for lack of buffers fails
// the whole send.
func (a *Adapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	connected, payload := a.connected, a.payload
	a.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}
	sent := 0
	for sent < len(p) {
		end := min(sent+payload, len(p))
		if err := a.notify(p[sent:end]); err != nil {
			a.log.Error("ble:notify-failed", slog.String("err", err.Error()), slog.Int("sent", sent))
			return sent, err
		}
		sent = end
	}
	return sent, nil
}

func (a *Adapter) notify(seg []byte) error {
	var err error
	for attempt := 0; attempt <= NotifyRetries; attempt++ {
		err = a.n.Notify(seg)
		if !errors.Is(err, ErrNoMem) {
			return err
		}
		if attempt < NotifyRetries {
			time.Sleep(a.cfg.Backoff)
		}
	}
	return err
}
