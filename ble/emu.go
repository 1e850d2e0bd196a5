package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Emulated link frames. Every datagram starts with one of these kinds.
const (
	FrameConnect    = 'C' // optional 2-byte big endian MTU follows
	FrameWrite      = 'W' // RX characteristic write, payload follows
	FrameDisconnect = 'D'
	FrameNotify     = 'N' // TX characteristic notification, sent to the peer
)

// MaxFrame is the largest datagram the emulator reads.
const MaxFrame = 1 + 4096

var ErrBadFrame = errors.New("ble: bad emulator frame")

// AppendFrame appends a frame of kind carrying p to dst.
func AppendFrame(dst []byte, kind byte, p []byte) []byte {
	dst = append(dst, kind)
	return append(dst, p...)
}

// ConnectFrame returns a connect frame announcing mtu. Zero skips the
// MTU exchange.
func ConnectFrame(mtu uint16) []byte {
	if mtu == 0 {
		return []byte{FrameConnect}
	}
	return binary.BigEndian.AppendUint16([]byte{FrameConnect}, mtu)
}

// Emulator drives an Adapter from datagrams, standing in for a radio
// stack on hosts. One peer is connected at a time; a connect from another
// address replaces it.
type Emulator struct {
	pc      net.PacketConn
	adapter *Adapter
	log     *slog.Logger

	mu   sync.Mutex
	peer net.Addr
}

// NewEmulator returns an Emulator on pc whose Adapter feeds sink.
func NewEmulator(pc net.PacketConn, sink Sink, cfg Config) *Emulator {
	e := &Emulator{pc: pc, log: cfg.Logger}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	e.adapter = NewAdapter(e, sink, cfg)
	return e
}

// Adapter returns the adapter driven by e.
func (e *Emulator) Adapter() *Adapter {
	return e.adapter
}

// Notify implements Notifier.
func (e *Emulator) Notify(p []byte) error {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil {
		return ErrNotConnected
	}
	_, err := e.pc.WriteTo(AppendFrame(make([]byte, 0, len(p)+1), FrameNotify, p), peer)
	return err
}

// Serve reads frames until ctx is done or pc fails.
func (e *Emulator) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.pc.Close()
	}()
	buf := make([]byte, MaxFrame)
	for {
		n, addr, err := e.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := e.handle(buf[:n], addr); err != nil {
			e.log.Warn("ble:frame-rejected", slog.String("from", addr.String()), slog.String("err", err.Error()))
		}
	}
}

func (e *Emulator) handle(frame []byte, from net.Addr) error {
	if len(frame) == 0 {
		return ErrBadFrame
	}
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	current := peer != nil && peer.String() == from.String()

	switch frame[0] {
	case FrameConnect:
		if peer != nil && !current {
			e.adapter.OnDisconnect()
		}
		e.mu.Lock()
		e.peer = from
		e.mu.Unlock()
		e.adapter.OnConnect()
		if len(frame) >= 3 {
			e.adapter.OnMTU(int(binary.BigEndian.Uint16(frame[1:3])))
		}
	case FrameWrite:
		if !current {
			return ErrNotConnected
		}
		e.adapter.OnWrite(frame[1:])
	case FrameDisconnect:
		if !current {
			return ErrNotConnected
		}
		e.adapter.OnDisconnect()
		e.mu.Lock()
		e.peer = nil
		e.mu.Unlock()
	default:
		return ErrBadFrame
	}
	return nil
}
