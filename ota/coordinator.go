package ota

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"openenterprise/otaloader/control"
)

// Coordinator defaults.
const (
	DefaultQueueDepth = 5
	DefaultQueueWait  = time.Second
)

// CoordinatorConfig for a Coordinator.
type CoordinatorConfig struct {
	// QueueDepth of the data queue feeding the writer. Zero means DefaultQueueDepth.
	QueueDepth int
	// QueueWait bounds how long Offer waits for queue space. Zero means DefaultQueueWait.
	QueueWait time.Duration
	// OnStatus is called from the writer task when the writer opens and
	// when a session ends. May be nil.
	OnStatus func(Status)
	Logger   *slog.Logger
}

// Coordinator bridges control-plane results to the Session and is the
// single place transports ask whether bytes belong to the firmware image
// or to the command interpreter.
//
// Flash is only written from Run. A start request arms the session and
// hands a single permit to Run, which then opens the writer and drains
// the data queue.
type Coordinator struct {
	sess  *Session
	cfg   CoordinatorConfig
	log   *slog.Logger
	start chan struct{}
	data  chan Chunk

	// dropped holds the generation of a session that lost a chunk.
	dropped atomic.Uint64
	// held is a chunk for a newer session found while discarding. Run only.
	held *Chunk

	mu       sync.Mutex
	size     int64 // declared in the last control object
	sizeSeen bool
}

// NewCoordinator returns a Coordinator driving sess.
func NewCoordinator(sess *Session, cfg CoordinatorConfig) *Coordinator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = DefaultQueueWait
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		sess:  sess,
		cfg:   cfg,
		log:   log,
		start: make(chan struct{}, 1),
		data:  make(chan Chunk, cfg.QueueDepth),
	}
}

// Session returns the driven session.
func (c *Coordinator) Session() *Session {
	return c.sess
}

// HandleResult acts on a parsed control object. It reports whether the
// origin should be answered with a status object right away.
func (c *Coordinator) HandleResult(res control.Result) bool {
	c.mu.Lock()
	c.size = res.Size
	c.sizeSeen = res.SizeSeen
	c.mu.Unlock()

	if res.Kind != control.StartTransfer {
		return true
	}
	if err := c.sess.Prepare(res.Size); err != nil {
		c.log.Warn("coord:start-rejected",
			slog.String("err", err.Error()),
			slog.Int64("size", res.Size),
		)
		return true
	}
	c.signal()
	return false
}

// BeginStream arms a session sized by the connection that carries it.
func (c *Coordinator) BeginStream() error {
	if err := c.sess.PrepareStream(); err != nil {
		return err
	}
	c.signal()
	return nil
}

func (c *Coordinator) signal() {
	select {
	case c.start <- struct{}{}:
		c.log.Info("coord:start-signalled")
	default:
	}
}

// Ready reports whether fragment transport bytes belong to the session:
// true only while a session armed by a control object is live. A stream
// session belongs to the connection that armed it.
func (c *Coordinator) Ready() bool {
	_, ok := c.sess.owner(false)
	return ok
}

// Writing reports whether the writer is open.
func (c *Coordinator) Writing() bool {
	return c.sess.State() == Writing
}

// Progress returns the accounted and declared byte counts.
func (c *Coordinator) Progress() (written, expected uint32) {
	st := c.sess.Status()
	return st.Written, st.Expected
}

// Gate summarizes readiness for the status object.
func (c *Coordinator) Gate() control.Gate {
	if c.Ready() {
		return control.GateReady
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sizeSeen && !c.sess.ValidSize(c.size) {
		return control.GateInvalidSize
	}
	return control.GateNotReady
}

// Offer queues a chunk of a session armed by a control object, waiting
// at most QueueWait for space. It never blocks longer, so it is safe from
// a radio callback. A dropped data chunk fails the session, since the
// image can no longer be complete.
func (c *Coordinator) Offer(ch Chunk) bool {
	gen, ok := c.sess.owner(false)
	if !ok {
		c.log.Warn("coord:no-transfer", slog.Int("bytes", ch.Len))
		return false
	}
	ch.gen = gen
	select {
	case c.data <- ch:
		return true
	default:
	}
	t := time.NewTimer(c.cfg.QueueWait)
	defer t.Stop()
	select {
	case c.data <- ch:
		return true
	case <-t.C:
		c.log.Error("coord:queue-full", slog.Int("bytes", ch.Len))
		if !ch.Sentinel() {
			c.dropped.Store(gen)
		}
		return false
	}
}

// Feed queues a chunk of a stream session, blocking until there is space.
func (c *Coordinator) Feed(ctx context.Context, ch Chunk) error {
	gen, ok := c.sess.owner(true)
	if !ok {
		return ErrNotArmed
	}
	ch.gen = gen
	select {
	case c.data <- ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the writer task. It waits for a start permit, opens the
// partition writer and drains the data queue into the session until the
// session ends, then waits for the next permit.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.start:
		}
		if err := c.sess.Open(); err != nil {
			c.log.Error("coord:open-failed", slog.String("err", err.Error()))
			c.notify()
			continue
		}
		c.notify()
		gen := c.sess.generation()
		err := c.drain(ctx, gen)
		c.discardQueued(gen)
		if err != nil {
			c.sess.Fail(err)
			return err
		}
		c.notify()
	}
}

func (c *Coordinator) drain(ctx context.Context, gen uint64) error {
	for {
		var ch Chunk
		if c.held != nil {
			ch, c.held = *c.held, nil
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch = <-c.data:
			}
		}
		if ch.gen != gen {
			c.log.Debug("coord:stale-chunk", slog.Int("bytes", ch.Len))
			continue
		}
		if c.dropped.Load() == gen {
			c.sess.Fail(ErrChunkDropped)
			return nil
		}
		st, err := c.sess.AcceptChunk(ch)
		if err != nil {
			c.log.Warn("coord:chunk-rejected", slog.String("err", err.Error()))
		}
		if st.State != Writing {
			return nil
		}
	}
}

// discardQueued drops what is left of session gen. A chunk of a newer
// session is kept for the next drain.
func (c *Coordinator) discardQueued(gen uint64) {
	for {
		select {
		case ch := <-c.data:
			if ch.gen > gen {
				c.held = &ch
				return
			}
		default:
			return
		}
	}
}

func (c *Coordinator) notify() {
	st := c.sess.Status()
	c.log.Info("coord:status",
		slog.String("state", st.State.String()),
		slog.Uint64("written", uint64(st.Written)),
		slog.Uint64("expected", uint64(st.Expected)),
	)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(st)
	}
}
