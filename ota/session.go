// Package ota implements the firmware transfer session engine: a single
// in-flight image is armed with its declared size, fed chunk by chunk from
// whichever transport is carrying it, and committed as the next boot target
// only once every declared byte has been written.
package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxFirmwareSize is the default ceiling for a declared image size.
// A declaration must be strictly below it.
const MaxFirmwareSize = 0x130000

// DefaultRestartDelay gives logs and acknowledgements time to drain
// before the device restarts into the new image.
const DefaultRestartDelay = time.Second

// Errors
var (
	ErrAlreadyArmed  = errors.New("ota: session already armed")
	ErrInvalidSize   = errors.New("ota: invalid firmware size")
	ErrNotArmed      = errors.New("ota: session not armed")
	ErrNotWriting    = errors.New("ota: session not writing")
	ErrWriterOpen    = errors.New("ota: partition writer open failed")
	ErrWriteFailed   = errors.New("ota: partition write failed")
	ErrFinalize      = errors.New("ota: finalize failed")
	ErrIncomplete    = errors.New("ota: transfer incomplete")
	ErrInconsistent  = errors.New("ota: inconsistent byte accounting")
	ErrImageTooLarge = errors.New("ota: image exceeds size ceiling")
	ErrChunkDropped  = errors.New("ota: chunk dropped")
)

// State is the lifecycle state of a transfer session.
type State uint8

const (
	Idle State = iota
	Armed
	Writing
	Finalizing
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Writing:
		return "writing"
	case Finalizing:
		return "finalizing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further chunk can change the session.
func (s State) Terminal() bool {
	return s == Committed || s == Failed
}

// Chunk is one delivery of bytes from a transport.
// A Len of zero or less marks the end of the connection.
type Chunk struct {
	Data []byte
	Len  int

	gen uint64 // session the chunk was queued for
}

// NewChunk copies p into a chunk that is safe to queue.
func NewChunk(p []byte) Chunk {
	data := make([]byte, len(p))
	copy(data, p)
	return Chunk{Data: data, Len: len(data)}
}

// Disconnect returns the sentinel chunk.
func Disconnect() Chunk {
	return Chunk{}
}

// Sentinel reports whether c marks a disconnect.
func (c Chunk) Sentinel() bool {
	return c.Len <= 0
}

func (c Chunk) bytes() []byte {
	if c.Len > len(c.Data) {
		return c.Data
	}
	return c.Data[:c.Len]
}

// PartitionWriter is an append-only sink over the spare flash partition.
// Begin opens the handle, End closes it, Commit makes the written image
// the next boot target. Abort releases an open handle without committing.
type PartitionWriter interface {
	Begin(size uint32) error
	Write(p []byte) error
	End() error
	Commit() error
	Abort()
}

// Status is a snapshot of a session.
type Status struct {
	State    State
	Written  uint32
	Expected uint32
	Stream   bool
}

// Config for a Session.
type Config struct {
	// MaxSize is the exclusive ceiling for declared sizes. Zero means MaxFirmwareSize.
	MaxSize uint32
	// RestartDelay before Restart runs after a commit. Zero means DefaultRestartDelay.
	RestartDelay time.Duration
	// Restart is scheduled after a successful commit. May be nil.
	Restart func()
	Logger  *slog.Logger
}

// Session owns the byte accounting and the partition writer for one
// in-flight update at a time. Transitions are serialized by an internal
// mutex, so a Session may be shared between the task parsing commands and
// the task writing flash.
type Session struct {
	mu       sync.Mutex
	w        PartitionWriter
	cfg      Config
	log      *slog.Logger
	state    State
	expected uint32
	written  uint32
	stream   bool
	open     bool
	err      error
	restart  *time.Timer
	gen      uint64 // bumped each time a session is armed
}

// NewSession returns an Idle session writing through w.
func NewSession(w PartitionWriter, cfg Config) *Session {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = MaxFirmwareSize
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Session{w: w, cfg: cfg, log: log}
}

// ValidSize reports whether size is an acceptable declaration.
func (s *Session) ValidSize(size int64) bool {
	return size > 0 && size < int64(s.cfg.MaxSize)
}

// Arm validates size and opens the partition writer.
func (s *Session) Arm(size int64) error {
	if err := s.Prepare(size); err != nil {
		return err
	}
	return s.Open()
}

// Prepare validates size and moves an Idle session to Armed without
// touching flash. A Failed session has already released its writer and
// is discarded first.
func (s *Session) Prepare(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimLocked(); err != nil {
		return err
	}
	if !s.ValidSize(size) {
		s.log.Warn("ota:invalid-size", slog.Int64("size", size), slog.Uint64("max", uint64(s.cfg.MaxSize)))
		return ErrInvalidSize
	}
	s.state = Armed
	s.expected = uint32(size)
	s.stream = false
	s.gen++
	s.log.Info("ota:armed", slog.Uint64("size", uint64(s.expected)))
	return nil
}

// PrepareStream arms a session whose length is defined by the connection
// closing. The ceiling still bounds the number of bytes accepted.
func (s *Session) PrepareStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimLocked(); err != nil {
		return err
	}
	s.state = Armed
	s.expected = 0
	s.stream = true
	s.gen++
	s.log.Info("ota:armed-stream", slog.Uint64("max", uint64(s.cfg.MaxSize)))
	return nil
}

func (s *Session) claimLocked() error {
	if s.state == Failed && !s.open {
		s.log.Info("ota:discard-failed", slog.Uint64("written", uint64(s.written)))
		s.resetLocked()
	}
	if s.state != Idle {
		return ErrAlreadyArmed
	}
	return nil
}

// owner returns the generation of the live session if it was armed the
// given way: by a control object (stream false) or by a connection.
func (s *Session) owner(stream bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.state == Armed || s.state == Writing
	return s.gen, live && s.stream == stream
}

func (s *Session) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Open begins the partition writer for an Armed session.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Armed {
		return ErrNotArmed
	}
	size := s.expected
	if s.stream {
		size = s.cfg.MaxSize - 1
	}
	if err := s.w.Begin(size); err != nil {
		s.state = Failed
		s.err = fmt.Errorf("%w: %w", ErrWriterOpen, err)
		s.log.Error("ota:begin-failed", slog.String("err", err.Error()))
		return s.err
	}
	s.open = true
	s.state = Writing
	s.log.Info("ota:writing", slog.Uint64("size", uint64(s.expected)), slog.Bool("stream", s.stream))
	return nil
}

// AcceptChunk writes c to the partition. Bytes past the declared size are
// discarded; reaching the declared size finalizes the session. A sentinel
// chunk fails an incomplete session and ends a stream session.
func (s *Session) AcceptChunk(c Chunk) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Writing {
		return s.statusLocked(), ErrNotWriting
	}
	if c.Sentinel() {
		return s.statusLocked(), s.disconnectLocked()
	}

	p := c.bytes()
	if s.stream {
		if uint64(s.written)+uint64(len(p)) >= uint64(s.cfg.MaxSize) {
			s.failLocked(ErrImageTooLarge)
			return s.statusLocked(), s.err
		}
	} else if remaining := s.expected - s.written; uint64(len(p)) > uint64(remaining) {
		s.log.Debug("ota:surplus-discarded", slog.Int("bytes", len(p)-int(remaining)))
		p = p[:remaining]
	}

	if err := s.w.Write(p); err != nil {
		s.failLocked(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return s.statusLocked(), s.err
	}
	s.written += uint32(len(p))

	if !s.stream && s.written >= s.expected {
		err := s.finalizeLocked()
		return s.statusLocked(), err
	}
	return s.statusLocked(), nil
}

func (s *Session) disconnectLocked() error {
	switch {
	case s.stream && s.written > 0:
		s.expected = s.written
		return s.finalizeLocked()
	case s.stream || s.written < s.expected:
		s.failLocked(fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, s.written, s.expected))
	default:
		// Completion finalizes inline, so a Writing session cannot be full.
		s.failLocked(ErrInconsistent)
	}
	return s.err
}

// Finalize closes the writer, commits the image and schedules the restart.
// It is run automatically when the declared size is reached; calling it
// directly ends a stream session at its current length.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Writing {
		return ErrNotWriting
	}
	if s.stream {
		if s.written == 0 {
			s.failLocked(ErrIncomplete)
			return s.err
		}
		s.expected = s.written
	}
	if s.written < s.expected {
		return ErrIncomplete
	}
	return s.finalizeLocked()
}

func (s *Session) finalizeLocked() error {
	s.state = Finalizing
	s.log.Info("ota:finalizing", slog.Uint64("bytes", uint64(s.written)))
	if err := s.w.End(); err != nil {
		s.failLocked(fmt.Errorf("%w: end: %w", ErrFinalize, err))
		return s.err
	}
	if err := s.w.Commit(); err != nil {
		s.failLocked(fmt.Errorf("%w: commit: %w", ErrFinalize, err))
		return s.err
	}
	s.open = false
	s.state = Committed
	s.log.Info("ota:committed",
		slog.Uint64("bytes", uint64(s.written)),
		slog.Duration("restart_in", s.cfg.RestartDelay),
	)
	if s.cfg.Restart != nil {
		s.restart = time.AfterFunc(s.cfg.RestartDelay, s.cfg.Restart)
	}
	return nil
}

// Fail abandons the session, releasing the writer without committing.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle || s.state.Terminal() {
		return
	}
	s.failLocked(err)
}

func (s *Session) failLocked(err error) {
	if s.open {
		s.w.Abort()
		s.open = false
	}
	s.state = Failed
	s.err = err
	s.log.Error("ota:failed",
		slog.String("err", err.Error()),
		slog.Uint64("written", uint64(s.written)),
		slog.Uint64("expected", uint64(s.expected)),
	)
}

// Clear returns the session to Idle. An open writer is aborted; nothing
// is committed. A restart already scheduled by a commit is left running.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.w.Abort()
	}
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.state = Idle
	s.expected = 0
	s.written = 0
	s.stream = false
	s.open = false
	s.err = nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{State: s.state, Written: s.written, Expected: s.expected, Stream: s.stream}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
