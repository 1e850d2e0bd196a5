package ble

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestConnectFrame(t *testing.T) {
	if got := ConnectFrame(0); string(got) != "C" {
		t.Errorf("ConnectFrame(0) = %q", got)
	}
	if got := ConnectFrame(247); string(got) != "C\x00\xf7" {
		t.Errorf("ConnectFrame(247) = %q", got)
	}
}

func TestEmulatorHandle(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmulator(nil, sink, testConfig())
	a := e.Adapter()
	phone := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	other := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4001}

	if err := e.handle([]byte("Wdata"), phone); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write before connect = %v", err)
	}
	if err := e.handle(ConnectFrame(23), phone); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := a.Payload(); got != 19 {
		t.Errorf("payload = %d, want 19", got)
	}
	if err := e.handle([]byte("Wdata"), other); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write from stranger = %v", err)
	}

	sink.ready = true
	if err := e.handle([]byte("Wdata"), phone); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(sink.chunks) != 1 || string(sink.chunks[0].Data) != "data" {
		t.Errorf("chunks = %+v", sink.chunks)
	}

	// A second central takes over and the first one's transfer ends.
	if err := e.handle(ConnectFrame(0), other); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if len(sink.chunks) != 2 || !sink.chunks[1].Sentinel() {
		t.Errorf("takeover did not end the transfer: %+v", sink.chunks)
	}
	if got := a.Payload(); got != DefaultPayload {
		t.Errorf("payload after reconnect = %d", got)
	}

	if err := e.handle([]byte{'X'}, other); !errors.Is(err, ErrBadFrame) {
		t.Errorf("unknown frame = %v", err)
	}
	if err := e.handle(nil, other); !errors.Is(err, ErrBadFrame) {
		t.Errorf("empty frame = %v", err)
	}
	if err := e.handle([]byte{FrameDisconnect}, other); err != nil {
		t.Errorf("disconnect: %v", err)
	}
	if err := e.Notify([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("notify after disconnect = %v", err)
	}
}

func TestEmulatorOverUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e := NewEmulator(pc, &fakeSink{}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- e.Serve(ctx) }()
	go e.Adapter().Run(ctx, echoProcessor{})

	phone, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer phone.Close()
	phone.Write(ConnectFrame(0))
	phone.Write(AppendFrame(nil, FrameWrite, []byte("ping")))

	// Replies come back as notifications of at most DefaultPayload bytes.
	var got []byte
	buf := make([]byte, MaxFrame)
	phone.SetReadDeadline(time.Now().Add(2 * time.Second))
	for string(got) != "echo:ping" {
		n, err := phone.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, got)
		}
		if buf[0] != FrameNotify {
			t.Fatalf("frame kind = %q", buf[0])
		}
		got = append(got, buf[1:n]...)
	}

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
